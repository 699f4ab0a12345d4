// Package archiver keeps a durable copy of every message event. It subscribes
// from the first retained event so a fresh deployment backfills the archive
// before following the live tail; the unique event id constraint in the store
// absorbs the redeliveries that at-least-once delivery implies.
package archiver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
	"github.com/automagik-dev/omni-sub005/internal/registry"
)

var archived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "archiver_events_total",
	Help: "The total number of events seen by the archiver",
}, []string{"outcome"})

// Record is one archived event in storage form.
type Record struct {
	EventID       string
	EventType     string
	InstanceID    string
	CorrelationID string
	Payload       json.RawMessage
	PublishedAt   time.Time
}

// Store persists records. Save reports false when the event id was already
// archived.
type Store interface {
	Save(ctx context.Context, rec Record) (bool, error)
}

type Archiver struct {
	store Store
}

func New(store Store) *Archiver {
	return &Archiver{store: store}
}

// Definition declares the archiver as a durable consumer over all message
// events, resuming from the first retained event on a fresh durable name.
func (a *Archiver) Definition() registry.Definition {
	return registry.Definition{
		Durable:   "event-archiver",
		Subject:   "message.>",
		StartFrom: bus.First,
		Handler:   a.handle,
	}
}

func (a *Archiver) handle(ctx context.Context, ev event.Event) error {
	fresh, err := a.store.Save(ctx, Record{
		EventID:       ev.ID,
		EventType:     ev.Type,
		InstanceID:    ev.Metadata.InstanceID,
		CorrelationID: ev.Metadata.CorrelationID,
		Payload:       ev.Payload,
		PublishedAt:   ev.PublishedAt,
	})
	if err != nil {
		archived.WithLabelValues("error").Inc()
		return err
	}

	if fresh {
		archived.WithLabelValues("stored").Inc()
	} else {
		archived.WithLabelValues("duplicate").Inc()
	}
	return nil
}
