// Package webhook turns inbound third-party HTTP posts into bus events under
// the custom.webhook.<name> subject, tracking per-source receipt counters.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/textproto"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
)

var received = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "webhook_received_total",
	Help: "The total number of inbound webhook requests by outcome",
}, []string{"source", "outcome"})

// Source names become subject tokens, so dots and whitespace are out.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Receipt is the success result of receiving a webhook.
type Receipt struct {
	Received  bool   `json:"received"`
	EventID   string `json:"event_id"`
	Source    string `json:"source"`
	EventType string `json:"event_type"`
}

// TriggerResult reports a manual publish. Published is false when no bus is
// configured; the event id is still minted so the caller has something to log.
type TriggerResult struct {
	EventID   string `json:"event_id"`
	Published bool   `json:"published"`
}

// ReceiveOptions tweak a single receive call.
type ReceiveOptions struct {
	// AutoCreate registers an unknown source on first contact instead of
	// rejecting it.
	AutoCreate bool
}

type Service struct {
	repo Repository
	bus  bus.Bus

	now func() time.Time
}

// NewService builds the gateway. The bus may be nil; Trigger then reports
// published=false and Receive records the hit without announcing it.
func NewService(repo Repository, b bus.Bus) *Service {
	return &Service{repo: repo, bus: b, now: time.Now}
}

// Receive ingests one inbound webhook request for the named source.
func (s *Service) Receive(ctx context.Context, sourceName string, payload map[string]any, headers map[string]string, opts ReceiveOptions) (*Receipt, error) {
	src, err := s.repo.GetByName(ctx, sourceName)
	if err != nil {
		return nil, err
	}
	if src == nil {
		if !opts.AutoCreate {
			received.WithLabelValues(sourceName, "unknown").Inc()
			return nil, errs.NotFound("webhook source", sourceName)
		}
		src, err = s.CreateSource(ctx, &Source{
			Name:        sourceName,
			Description: fmt.Sprintf("Auto-created from webhook: %s", sourceName),
			Enabled:     true,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("webhook source auto-created", "source", sourceName)
	}

	if !src.Enabled {
		received.WithLabelValues(sourceName, "disabled").Inc()
		return nil, errs.Validation("webhook source %q is disabled", sourceName)
	}

	if missing := missingHeaders(src.ExpectedHeaders, headers); len(missing) > 0 {
		received.WithLabelValues(sourceName, "missing_headers").Inc()
		return nil, errs.Validation("missing required headers: %s", strings.Join(missing, ", "))
	}

	now := s.now().UTC()
	if err := s.repo.MarkReceived(ctx, src.ID, now); err != nil {
		return nil, err
	}

	eventType := "custom.webhook." + src.Name
	body := map[string]any{"source": src.Name}
	for k, v := range payload {
		body[k] = v
	}

	ev, err := event.New(eventType, body, event.Metadata{Source: "webhook"})
	if err != nil {
		return nil, err
	}
	ev.Metadata.CorrelationID = ev.ID

	if s.bus != nil {
		if err := s.bus.Publish(ctx, ev); err != nil {
			received.WithLabelValues(sourceName, "publish_error").Inc()
			return nil, errs.Transient(err)
		}
	} else {
		slog.Warn("no bus configured, webhook recorded but not published",
			"source", sourceName, "event_id", ev.ID)
	}

	received.WithLabelValues(sourceName, "ok").Inc()
	return &Receipt{Received: true, EventID: ev.ID, Source: src.Name, EventType: eventType}, nil
}

// Trigger publishes an arbitrary event. Callers restrict the type to the
// custom.* namespace; without a bus the call still succeeds so administrative
// actions never hard-fail on absent messaging infrastructure.
func (s *Service) Trigger(ctx context.Context, eventType string, payload map[string]any, meta event.Metadata) (*TriggerResult, error) {
	if eventType == "" {
		return nil, errs.Validation("event type is required")
	}
	if meta.Source == "" {
		meta.Source = "manual-trigger"
	}

	if s.bus == nil {
		return &TriggerResult{EventID: uuid.New().String(), Published: false}, nil
	}

	ev, err := event.New(eventType, payload, meta)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		return nil, errs.Transient(err)
	}

	slog.Info("manual event published", "event_type", eventType, "event_id", ev.ID)
	return &TriggerResult{EventID: ev.ID, Published: true}, nil
}

func (s *Service) CreateSource(ctx context.Context, src *Source) (*Source, error) {
	if src.Name == "" {
		return nil, errs.Validation("source name is required")
	}
	if !nameRe.MatchString(src.Name) {
		return nil, errs.Validation("source name %q may only contain letters, digits, '-' and '_'", src.Name)
	}

	now := s.now().UTC()
	src.ID = uuid.New().String()
	src.CreatedAt = now
	src.UpdatedAt = now
	if err := s.repo.Create(ctx, src); err != nil {
		return nil, err
	}

	return src, nil
}

// UpdateSource applies the mutable fields onto the stored record.
func (s *Service) UpdateSource(ctx context.Context, id string, patch SourcePatch) (*Source, error) {
	src, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Description != nil {
		src.Description = *patch.Description
	}
	if patch.ExpectedHeaders != nil {
		src.ExpectedHeaders = patch.ExpectedHeaders
	}
	if patch.Enabled != nil {
		src.Enabled = *patch.Enabled
	}
	if err := s.repo.Update(ctx, src); err != nil {
		return nil, err
	}

	return src, nil
}

func (s *Service) DeleteSource(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) GetSource(ctx context.Context, id string) (*Source, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListSources(ctx context.Context, enabled *bool) ([]*Source, error) {
	return s.repo.List(ctx, enabled)
}

// SourcePatch is a partial source update; nil fields are preserved.
type SourcePatch struct {
	Description     *string         `json:"description,omitempty"`
	ExpectedHeaders map[string]bool `json:"expected_headers,omitempty"`
	Enabled         *bool           `json:"enabled,omitempty"`
}

// missingHeaders returns the required header names absent from the request,
// using case-insensitive comparison, sorted for stable error messages.
func missingHeaders(expected map[string]bool, headers map[string]string) []string {
	if len(expected) == 0 {
		return nil
	}

	present := make(map[string]struct{}, len(headers))
	for k := range headers {
		present[textproto.CanonicalMIMEHeaderKey(k)] = struct{}{}
	}

	var missing []string
	for name, required := range expected {
		if !required {
			continue
		}
		if _, ok := present[textproto.CanonicalMIMEHeaderKey(name)]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
