package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Metadata travels with every event. InstanceID and ChannelType are set only
// for events tied to a specific channel instance.
type Metadata struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	Source        string `json:"source,omitempty"`
	InstanceID    string `json:"instance_id,omitempty"`
	ChannelType   string `json:"channel_type,omitempty"`
}

// Event is the envelope published onto the bus. The Type doubles as the
// subject the event is addressed to. Events are immutable once published.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    Metadata        `json:"metadata"`
	PublishedAt time.Time       `json:"published_at"`
}

// New builds an envelope around payload, assigning a fresh id and timestamp.
func New(eventType string, payload any, meta Metadata) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event payload: %w", err)
	}

	return Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Payload:     raw,
		Metadata:    meta,
		PublishedAt: time.Now().UTC(),
	}, nil
}
