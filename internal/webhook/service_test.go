package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
)

type fakeSourceRepo struct {
	sources map[string]*Source
}

func newFakeSourceRepo() *fakeSourceRepo {
	return &fakeSourceRepo{sources: make(map[string]*Source)}
}

func (r *fakeSourceRepo) Create(_ context.Context, src *Source) error {
	for _, s := range r.sources {
		if s.Name == src.Name {
			return errs.Validation("webhook source %q already exists", src.Name)
		}
	}
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	cp := *src
	r.sources[src.ID] = &cp
	return nil
}

func (r *fakeSourceRepo) GetByID(_ context.Context, id string) (*Source, error) {
	src, ok := r.sources[id]
	if !ok {
		return nil, errs.NotFound("webhook source", id)
	}
	cp := *src
	return &cp, nil
}

func (r *fakeSourceRepo) GetByName(_ context.Context, name string) (*Source, error) {
	for _, src := range r.sources {
		if src.Name == name {
			cp := *src
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeSourceRepo) Update(_ context.Context, src *Source) error {
	if _, ok := r.sources[src.ID]; !ok {
		return errs.NotFound("webhook source", src.ID)
	}
	cp := *src
	r.sources[src.ID] = &cp
	return nil
}

func (r *fakeSourceRepo) Delete(_ context.Context, id string) error {
	if _, ok := r.sources[id]; !ok {
		return errs.NotFound("webhook source", id)
	}
	delete(r.sources, id)
	return nil
}

func (r *fakeSourceRepo) List(_ context.Context, enabled *bool) ([]*Source, error) {
	var out []*Source
	for _, src := range r.sources {
		if enabled != nil && src.Enabled != *enabled {
			continue
		}
		cp := *src
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeSourceRepo) MarkReceived(_ context.Context, id string, at time.Time) error {
	src, ok := r.sources[id]
	if !ok {
		return errs.NotFound("webhook source", id)
	}
	src.TotalReceived++
	src.LastReceivedAt = &at
	return nil
}

type fakeBus struct {
	published []event.Event
}

func (b *fakeBus) Publish(_ context.Context, ev event.Event) error {
	b.published = append(b.published, ev)
	return nil
}

func (b *fakeBus) Subscribe(bus.Subscription, bus.Handler) (bus.Handle, error) {
	return nil, errors.New("not implemented")
}

func TestReceivePublishesAndCounts(t *testing.T) {
	repo := newFakeSourceRepo()
	b := &fakeBus{}
	svc := NewService(repo, b)
	ctx := context.Background()

	src, err := svc.CreateSource(ctx, &Source{Name: "github", Enabled: true})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}

	receipt, err := svc.Receive(ctx, "github", map[string]any{"action": "push"}, nil, ReceiveOptions{})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !receipt.Received || receipt.EventType != "custom.webhook.github" {
		t.Errorf("receipt = %+v", receipt)
	}

	if len(b.published) != 1 {
		t.Fatalf("published %d events, want 1", len(b.published))
	}
	ev := b.published[0]
	if ev.Type != "custom.webhook.github" {
		t.Errorf("event type = %s", ev.Type)
	}
	if ev.Metadata.CorrelationID != ev.ID || ev.Metadata.Source != "webhook" {
		t.Errorf("metadata = %+v, want correlationId=eventId source=webhook", ev.Metadata)
	}

	var payload map[string]any
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["source"] != "github" || payload["action"] != "push" {
		t.Errorf("payload = %v, want source and original fields merged", payload)
	}

	stored, _ := repo.GetByID(ctx, src.ID)
	if stored.TotalReceived != 1 || stored.LastReceivedAt == nil {
		t.Errorf("counters not updated: %+v", stored)
	}
}

func TestReceiveDisabledSourceLeavesCountersUntouched(t *testing.T) {
	repo := newFakeSourceRepo()
	svc := NewService(repo, &fakeBus{})
	ctx := context.Background()

	src, _ := svc.CreateSource(ctx, &Source{Name: "stripe", Enabled: false})

	if _, err := svc.Receive(ctx, "stripe", map[string]any{}, nil, ReceiveOptions{}); !errs.IsValidation(err) {
		t.Fatalf("receive on disabled = %v, want validation", err)
	}

	stored, _ := repo.GetByID(ctx, src.ID)
	if stored.TotalReceived != 0 || stored.LastReceivedAt != nil {
		t.Errorf("counters touched on rejected receive: %+v", stored)
	}
}

func TestReceiveNamesMissingHeaders(t *testing.T) {
	repo := newFakeSourceRepo()
	svc := NewService(repo, &fakeBus{})
	ctx := context.Background()

	if _, err := svc.CreateSource(ctx, &Source{
		Name:            "vault",
		Enabled:         true,
		ExpectedHeaders: map[string]bool{"x-secret": true, "x-optional": false},
	}); err != nil {
		t.Fatalf("create source: %v", err)
	}

	_, err := svc.Receive(ctx, "vault", map[string]any{}, map[string]string{"Content-Type": "application/json"}, ReceiveOptions{})
	if !errs.IsValidation(err) {
		t.Fatalf("receive = %v, want validation", err)
	}
	if !strings.Contains(err.Error(), "x-secret") {
		t.Errorf("error %q does not name the missing header", err)
	}
	if strings.Contains(err.Error(), "x-optional") {
		t.Errorf("error %q names a non-required header", err)
	}

	// Header matching is case-insensitive.
	if _, err := svc.Receive(ctx, "vault", map[string]any{}, map[string]string{"X-SECRET": "shh"}, ReceiveOptions{}); err != nil {
		t.Errorf("receive with differently-cased header = %v, want success", err)
	}
}

func TestReceiveAutoCreatesUnknownSource(t *testing.T) {
	repo := newFakeSourceRepo()
	svc := NewService(repo, &fakeBus{})
	ctx := context.Background()

	if _, err := svc.Receive(ctx, "newcomer", map[string]any{}, nil, ReceiveOptions{}); !errs.IsNotFound(err) {
		t.Fatalf("receive unknown without autoCreate = %v, want not_found", err)
	}

	receipt, err := svc.Receive(ctx, "newcomer", map[string]any{}, nil, ReceiveOptions{AutoCreate: true})
	if err != nil {
		t.Fatalf("receive with autoCreate: %v", err)
	}
	if !receipt.Received {
		t.Error("receipt not marked received")
	}

	src, _ := repo.GetByName(ctx, "newcomer")
	if src == nil {
		t.Fatal("source was not created")
	}
	if !src.Enabled || src.TotalReceived != 1 {
		t.Errorf("auto-created source = %+v, want enabled with one receipt", src)
	}
	if !strings.Contains(src.Description, "Auto-created") {
		t.Errorf("description = %q, want an auto-created marker", src.Description)
	}
}

func TestTriggerWithoutBusDoesNotFail(t *testing.T) {
	svc := NewService(newFakeSourceRepo(), nil)
	ctx := context.Background()

	result, err := svc.Trigger(ctx, "custom.maintenance.ping", map[string]any{}, event.Metadata{})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if result.Published {
		t.Error("published = true without a bus")
	}
	if result.EventID == "" {
		t.Error("event id missing")
	}
}

func TestTriggerPublishesWithBus(t *testing.T) {
	b := &fakeBus{}
	svc := NewService(newFakeSourceRepo(), b)
	ctx := context.Background()

	result, err := svc.Trigger(ctx, "custom.maintenance.ping", map[string]any{"note": "hello"}, event.Metadata{})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if !result.Published {
		t.Error("published = false with a bus")
	}
	if len(b.published) != 1 || b.published[0].Type != "custom.maintenance.ping" {
		t.Errorf("published = %+v", b.published)
	}
}

func TestCreateSourceValidatesName(t *testing.T) {
	svc := NewService(newFakeSourceRepo(), &fakeBus{})
	ctx := context.Background()

	for _, name := range []string{"", "has space", "has.dot", "has/slash"} {
		if _, err := svc.CreateSource(ctx, &Source{Name: name, Enabled: true}); !errs.IsValidation(err) {
			t.Errorf("CreateSource(%q) = %v, want validation", name, err)
		}
	}

	if _, err := svc.CreateSource(ctx, &Source{Name: "ok-name_1", Enabled: true}); err != nil {
		t.Errorf("CreateSource(ok-name_1) = %v", err)
	}
	// Duplicate names are rejected by the store.
	if _, err := svc.CreateSource(ctx, &Source{Name: "ok-name_1", Enabled: true}); !errs.IsValidation(err) {
		t.Errorf("duplicate CreateSource = %v, want validation", err)
	}
}
