// Package deadletter quarantines events that exhausted their processing
// retries and drives their recovery, either operator-initiated or through the
// auto-retry sweeper. A record moves pending -> retrying and from retrying
// back to pending on renewed failure, or to one of the terminal states
// resolved/abandoned; terminal states have no outgoing edges.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
)

var retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dead_letter_retries_total",
	Help: "The total number of dead letter retry attempts by outcome",
}, []string{"outcome"})

// autoRetrySchedule is the escalation ladder for unattended retries. Once a
// record has burned through every rung it waits for an operator.
var autoRetrySchedule = []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}

// transactor runs fn inside a single database transaction.
type transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo Repository
	bus  bus.Bus
	tx   transactor

	now func() time.Time
}

func NewService(repo Repository, b bus.Bus, tx transactor) *Service {
	return &Service{repo: repo, bus: b, tx: tx, now: time.Now}
}

// Receive records a quarantined event. When an open record for the same
// original event already exists (a retry that failed again) the failure folds
// back into it instead of creating a duplicate.
func (s *Service) Receive(ctx context.Context, ev event.Event, procErr error, consumer string, retryCount int) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal dead letter payload: %w", err)
	}

	return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		open, err := s.repo.FindOpenByEventID(ctx, ev.ID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		if open != nil {
			open.Status = StatusPending
			open.ErrorMessage = procErr.Error()
			open.NextAutoRetryAt = nextAutoRetryAt(now, open.AutoRetries)
			slog.Warn("dead letter retry failed, back to pending",
				"dead_letter_id", open.ID, "event_id", ev.ID, "auto_retries", open.AutoRetries)
			return s.repo.Update(ctx, open)
		}

		dl := &DeadLetter{
			ID:              uuid.New().String(),
			OriginalEventID: ev.ID,
			EventType:       ev.Type,
			Subject:         ev.Type,
			Consumer:        consumer,
			Payload:         payload,
			ErrorMessage:    procErr.Error(),
			RetryCount:      retryCount,
			Status:          StatusPending,
			NextAutoRetryAt: nextAutoRetryAt(now, 0),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		slog.Warn("event quarantined", "dead_letter_id", dl.ID, "event_id", ev.ID,
			"event_type", ev.Type, "consumer", consumer, "error", procErr)
		return s.repo.Create(ctx, dl)
	})
}

// Retry re-publishes the original envelope of an open record and marks it
// retrying. The record is not resolved here; resolution happens only when an
// operator confirms the outcome, while a renewed consumer failure folds back
// through Receive.
func (s *Service) Retry(ctx context.Context, id string) (*DeadLetter, error) {
	dl, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.Status.Terminal() {
		return nil, errs.TerminalState("dead letter %s is %s and cannot be retried", id, dl.Status)
	}

	now := s.now().UTC()
	dl.Status = StatusRetrying
	dl.RetryCount++
	dl.LastRetryAt = &now
	dl.NextAutoRetryAt = nil
	if err := s.repo.Update(ctx, dl); err != nil {
		return nil, err
	}

	if err := s.republish(ctx, dl); err != nil {
		// Publish failed before the consumer ever saw the event; reopen the
		// record and keep it on the unattended schedule.
		dl.Status = StatusPending
		dl.ErrorMessage = err.Error()
		dl.NextAutoRetryAt = nextAutoRetryAt(now, dl.AutoRetries)
		if updErr := s.repo.Update(ctx, dl); updErr != nil {
			slog.Error("failed to reopen dead letter after publish error", "dead_letter_id", dl.ID, "error", updErr)
		}
		retriesTotal.WithLabelValues("publish_error").Inc()
		return nil, errs.Transient(err)
	}

	retriesTotal.WithLabelValues("published").Inc()
	slog.Info("dead letter retry published", "dead_letter_id", dl.ID, "event_id", dl.OriginalEventID)
	return dl, nil
}

// Resolve closes an open record. The note is mandatory; a resolution nobody
// can audit later is worthless.
func (s *Service) Resolve(ctx context.Context, id, note string) (*DeadLetter, error) {
	if note == "" {
		return nil, errs.Validation("resolution note is required")
	}
	return s.close(ctx, id, StatusResolved, note)
}

// Abandon closes an open record as not worth recovering.
func (s *Service) Abandon(ctx context.Context, id, note string) (*DeadLetter, error) {
	return s.close(ctx, id, StatusAbandoned, note)
}

func (s *Service) close(ctx context.Context, id string, to Status, note string) (*DeadLetter, error) {
	dl, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.Status.Terminal() {
		return nil, errs.TerminalState("dead letter %s is already %s", id, dl.Status)
	}

	dl.Status = to
	dl.ResolutionNote = note
	dl.NextAutoRetryAt = nil
	if err := s.repo.Update(ctx, dl); err != nil {
		return nil, err
	}

	slog.Info("dead letter closed", "dead_letter_id", dl.ID, "status", to)
	return dl, nil
}

func (s *Service) Get(ctx context.Context, id string) (*DeadLetter, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*DeadLetter, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	return s.repo.Stats(ctx)
}

// republish puts the original envelope back on the bus unchanged except for
// the source marker; the event keeps its original id so duplicate suppression
// downstream still works.
func (s *Service) republish(ctx context.Context, dl *DeadLetter) error {
	var ev event.Event
	if err := json.Unmarshal(dl.Payload, &ev); err != nil {
		return fmt.Errorf("unmarshal dead letter payload: %w", err)
	}
	ev.Metadata.Source = "dead-letter-retry"

	return s.bus.Publish(ctx, ev)
}

// nextAutoRetryAt returns the next unattended retry time, or nil once the
// schedule is exhausted.
func nextAutoRetryAt(now time.Time, autoRetries int) *time.Time {
	if autoRetries >= len(autoRetrySchedule) {
		return nil
	}
	t := now.Add(autoRetrySchedule[autoRetries])
	return &t
}
