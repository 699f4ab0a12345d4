// Package registry runs the durable consumers declared at startup and
// enforces the retry-then-dead-letter policy uniformly: handler failures are
// retried with bounded backoff, then quarantined, and the consumer's read
// position always advances so a poison event never blocks its backlog.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
)

var (
	eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_events_processed_total",
		Help: "The total number of events acknowledged after successful handling",
	}, []string{"consumer"})
	handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_handler_failures_total",
		Help: "The total number of handler invocations that returned an error",
	}, []string{"consumer"})
	eventsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_events_dead_lettered_total",
		Help: "The total number of events quarantined after exhausting the retry budget",
	}, []string{"consumer"})
)

// DefaultMaxRetries is the retry budget used when a definition does not set
// its own (channel-specific budgets come from the resolved rate limit).
const DefaultMaxRetries = 3

// DeadLetterSink quarantines an event that exhausted its retry budget.
// retryCount is the number of failed retries (the original delivery excluded).
type DeadLetterSink interface {
	Receive(ctx context.Context, ev event.Event, procErr error, consumer string, retryCount int) error
}

// Definition declares one consumer. StartFrom is deliberately mandatory:
// picking the wrong resume policy is the data-loss bug this package exists to
// prevent, so the choice must be visible at the registration site.
type Definition struct {
	Durable    string
	Subject    string
	StartFrom  bus.StartFrom
	Ephemeral  bool
	MaxRetries int
	Handler    bus.Handler
}

// retryState is the explicit per-message retry bookkeeping: how many attempts
// failed and when the next one is due.
type retryState struct {
	attempts    int
	nextRetryAt time.Time
}

type Registry struct {
	bus         bus.Bus
	deadLetters DeadLetterSink
	backoff     Backoff
	defs        []Definition

	// now and waitUntil are swapped out by tests to run without real timers.
	now       func() time.Time
	waitUntil func(ctx context.Context, t time.Time, now func() time.Time) error
}

func New(b bus.Bus, sink DeadLetterSink) *Registry {
	return &Registry{
		bus:         b,
		deadLetters: sink,
		backoff:     DefaultBackoff,
		now:         time.Now,
		waitUntil:   sleepUntil,
	}
}

func (r *Registry) Register(def Definition) error {
	if def.Handler == nil {
		return fmt.Errorf("register %q: handler is nil", def.Durable)
	}
	if def.Subject == "" {
		return fmt.Errorf("register %q: subject filter is empty", def.Durable)
	}
	if !def.Ephemeral && def.Durable == "" {
		return fmt.Errorf("register: durable name required for non-ephemeral consumer")
	}
	switch def.StartFrom {
	case bus.First, bus.Last, bus.New:
	default:
		return fmt.Errorf("register %q: startFrom must be one of first/last/new", def.Durable)
	}
	if def.MaxRetries <= 0 {
		def.MaxRetries = DefaultMaxRetries
	}

	r.defs = append(r.defs, def)
	return nil
}

// Run attaches every registered consumer and blocks until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	handles := make([]bus.Handle, 0, len(r.defs))

	for _, def := range r.defs {
		h, err := r.bus.Subscribe(bus.Subscription{
			Durable:   def.Durable,
			Subject:   def.Subject,
			StartFrom: def.StartFrom,
			Ephemeral: def.Ephemeral,
		}, r.wrap(def))
		if err != nil {
			for _, attached := range handles {
				_ = attached.Unsubscribe()
			}
			return fmt.Errorf("subscribe %q: %w", def.Durable, err)
		}
		handles = append(handles, h)
		slog.Info("consumer attached", "consumer", def.Durable, "subject", def.Subject, "start_from", def.StartFrom)
	}

	<-ctx.Done()

	for _, h := range handles {
		_ = h.Unsubscribe()
	}
	return ctx.Err()
}

// wrap turns a definition's handler into a bus handler that acknowledges once
// the event is either handled or quarantined. The read position only stalls
// when the quarantine itself cannot be recorded.
func (r *Registry) wrap(def Definition) bus.Handler {
	return func(ctx context.Context, ev event.Event) error {
		state := retryState{}

		for {
			err := def.Handler(ctx, ev)
			if err == nil {
				eventsProcessed.WithLabelValues(def.Durable).Inc()
				return nil
			}
			if ctx.Err() != nil {
				// Shutting down mid-delivery: leave the event unacknowledged
				// so it is redelivered on restart.
				return err
			}

			handlerFailures.WithLabelValues(def.Durable).Inc()

			if state.attempts >= def.MaxRetries {
				slog.Error("retry budget exhausted, quarantining event",
					"consumer", def.Durable, "event_id", ev.ID, "event_type", ev.Type,
					"retries", state.attempts, "error", err)
				if dlErr := r.deadLetters.Receive(ctx, ev, err, def.Durable, state.attempts); dlErr != nil {
					// The quarantine record is the one effect that must not be
					// lost. Leave the event unacknowledged; redelivery retries
					// the whole sequence and receive folds the renewed failure
					// into the same record once it lands.
					slog.Error("failed to record dead letter, leaving event unacknowledged",
						"event_id", ev.ID, "error", dlErr)
					return dlErr
				}
				eventsDeadLettered.WithLabelValues(def.Durable).Inc()
				return nil
			}

			state.nextRetryAt = r.now().Add(r.backoff.Delay(state.attempts))
			state.attempts++
			slog.Info("retrying event", "consumer", def.Durable, "event_id", ev.ID,
				"attempt", state.attempts, "max", def.MaxRetries, "next_retry_at", state.nextRetryAt)

			if waitErr := r.waitUntil(ctx, state.nextRetryAt, r.now); waitErr != nil {
				return waitErr
			}
		}
	}
}

func sleepUntil(ctx context.Context, t time.Time, now func() time.Time) error {
	d := t.Sub(now())
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
