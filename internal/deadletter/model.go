package deadletter

import (
	"context"
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusResolved  Status = "resolved"
	StatusAbandoned Status = "abandoned"
)

// Terminal reports whether the status has no outgoing edges.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusAbandoned
}

// DeadLetter quarantines an event that exhausted its processing retry budget.
// Payload holds the full original envelope so the event can be re-published.
type DeadLetter struct {
	ID              string          `json:"id"`
	OriginalEventID string          `json:"original_event_id"`
	EventType       string          `json:"event_type"`
	Subject         string          `json:"subject"`
	Consumer        string          `json:"consumer"`
	Payload         json.RawMessage `json:"payload"`
	ErrorMessage    string          `json:"error_message"`
	RetryCount      int             `json:"retry_count"`
	AutoRetries     int             `json:"auto_retries"`
	Status          Status          `json:"status"`
	ResolutionNote  string          `json:"resolution_note,omitempty"`
	NextAutoRetryAt *time.Time      `json:"next_auto_retry_at,omitempty"`
	LastRetryAt     *time.Time      `json:"last_retry_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type ListFilter struct {
	Status    []Status
	EventType []string
	Since     *time.Time
	Limit     int
}

type Stats struct {
	Total       int            `json:"total"`
	Pending     int            `json:"pending"`
	Retrying    int            `json:"retrying"`
	Resolved    int            `json:"resolved"`
	Abandoned   int            `json:"abandoned"`
	ByEventType map[string]int `json:"by_event_type"`
}

type Repository interface {
	Create(ctx context.Context, dl *DeadLetter) error
	GetByID(ctx context.Context, id string) (*DeadLetter, error)
	// FindOpenByEventID returns the non-terminal record for an original event
	// id, or (nil, nil) when none exists.
	FindOpenByEventID(ctx context.Context, eventID string) (*DeadLetter, error)
	Update(ctx context.Context, dl *DeadLetter) error
	List(ctx context.Context, filter ListFilter) ([]*DeadLetter, error)
	Stats(ctx context.Context) (*Stats, error)
	// ClaimDueRetries atomically moves due pending records to retrying,
	// incrementing their retry count, and returns the claimed rows.
	ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*DeadLetter, error)
}
