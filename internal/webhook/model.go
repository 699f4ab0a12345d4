package webhook

import (
	"context"
	"time"
)

// Source identifies a third-party webhook sender. Name is unique and becomes
// part of the published event type (custom.webhook.<name>).
type Source struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// ExpectedHeaders maps header names to whether they are required on
	// every inbound request. Matching is case-insensitive.
	ExpectedHeaders map[string]bool `json:"expected_headers,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastReceivedAt  *time.Time      `json:"last_received_at,omitempty"`
	TotalReceived   int64           `json:"total_received"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type Repository interface {
	Create(ctx context.Context, src *Source) error
	GetByID(ctx context.Context, id string) (*Source, error)
	// GetByName returns (nil, nil) when no source has the given name.
	GetByName(ctx context.Context, name string) (*Source, error)
	Update(ctx context.Context, src *Source) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, enabled *bool) ([]*Source, error)
	// MarkReceived atomically increments the received counter and stamps
	// last_received_at.
	MarkReceived(ctx context.Context, id string, at time.Time) error
}
