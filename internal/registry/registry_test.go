package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
)

type sinkCall struct {
	ev         event.Event
	consumer   string
	retryCount int
}

type fakeSink struct {
	calls    chan sinkCall
	failures int
}

func newFakeSink() *fakeSink {
	return &fakeSink{calls: make(chan sinkCall, 8)}
}

func (s *fakeSink) Receive(_ context.Context, ev event.Event, _ error, consumer string, retryCount int) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("dead letter store unavailable")
	}
	s.calls <- sinkCall{ev: ev, consumer: consumer, retryCount: retryCount}
	return nil
}

func noWait(_ context.Context, _ time.Time, _ func() time.Time) error { return nil }

func TestRegisterValidation(t *testing.T) {
	r := New(bus.NewMemory(), newFakeSink())
	ok := func(ctx context.Context, ev event.Event) error { return nil }

	tests := []struct {
		name string
		def  Definition
	}{
		{"nil handler", Definition{Durable: "a", Subject: "x", StartFrom: bus.First}},
		{"empty subject", Definition{Durable: "a", StartFrom: bus.First, Handler: ok}},
		{"missing durable", Definition{Subject: "x", StartFrom: bus.First, Handler: ok}},
		{"missing start from", Definition{Durable: "a", Subject: "x", Handler: ok}},
	}
	for _, tt := range tests {
		if err := r.Register(tt.def); err == nil {
			t.Errorf("%s: Register accepted an invalid definition", tt.name)
		}
	}

	if err := r.Register(Definition{Durable: "a", Subject: "x", StartFrom: bus.New, Handler: ok}); err != nil {
		t.Errorf("valid definition rejected: %v", err)
	}
	if err := r.Register(Definition{Subject: "x", StartFrom: bus.Last, Ephemeral: true, Handler: ok}); err != nil {
		t.Errorf("ephemeral definition without durable rejected: %v", err)
	}
}

func TestPoisonEventIsQuarantinedAndBacklogContinues(t *testing.T) {
	m := bus.NewMemory()
	sink := newFakeSink()

	r := New(m, sink)
	r.waitUntil = noWait

	const maxRetries = 3
	handled := make(chan event.Event, 8)
	err := r.Register(Definition{
		Durable:    "archiver",
		Subject:    "message.>",
		StartFrom:  bus.First,
		MaxRetries: maxRetries,
		Handler: func(ctx context.Context, ev event.Event) error {
			if ev.ID == "poison" {
				return errors.New("cannot process")
			}
			handled <- ev
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	m.Publish(ctx, event.Event{ID: "poison", Type: "message.received"})
	m.Publish(ctx, event.Event{ID: "healthy", Type: "message.received"})

	select {
	case call := <-sink.calls:
		if call.ev.ID != "poison" {
			t.Errorf("quarantined %s, want poison", call.ev.ID)
		}
		if call.consumer != "archiver" {
			t.Errorf("consumer = %s, want archiver", call.consumer)
		}
		if call.retryCount != maxRetries {
			t.Errorf("retryCount = %d, want %d", call.retryCount, maxRetries)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was never quarantined")
	}

	// The poison event must not block the backlog.
	select {
	case ev := <-handled:
		if ev.ID != "healthy" {
			t.Errorf("handled %s, want healthy", ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("healthy event was never delivered")
	}

	select {
	case call := <-sink.calls:
		t.Fatalf("unexpected second quarantine: %s", call.ev.ID)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registry did not stop")
	}
}

func TestSinkFailureLeavesEventUnacknowledged(t *testing.T) {
	m := bus.NewMemory()
	sink := newFakeSink()
	sink.failures = 1

	r := New(m, sink)
	r.waitUntil = noWait

	err := r.Register(Definition{
		Durable:    "archiver",
		Subject:    "message.>",
		StartFrom:  bus.First,
		MaxRetries: 1,
		Handler: func(ctx context.Context, ev event.Event) error {
			return errors.New("cannot process")
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	m.Publish(ctx, event.Event{ID: "poison", Type: "message.received"})

	// The first quarantine attempt fails; the event must stay unacknowledged
	// and be redelivered until the record lands.
	select {
	case call := <-sink.calls:
		if call.ev.ID != "poison" {
			t.Errorf("quarantined %s, want poison", call.ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("quarantine record was never written after the sink recovered")
	}
}

func TestRetrySucceedsBeforeBudgetExhausted(t *testing.T) {
	m := bus.NewMemory()
	sink := newFakeSink()

	r := New(m, sink)
	r.waitUntil = noWait

	attempts := 0
	handled := make(chan struct{}, 1)
	err := r.Register(Definition{
		Durable:    "flaky",
		Subject:    "message.>",
		StartFrom:  bus.First,
		MaxRetries: 3,
		Handler: func(ctx context.Context, ev event.Event) error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			handled <- struct{}{}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	m.Publish(ctx, event.Event{ID: "e1", Type: "message.received"})

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("event was never handled")
	}

	select {
	case <-sink.calls:
		t.Fatal("event was quarantined despite eventual success")
	case <-time.After(50 * time.Millisecond):
	}
}
