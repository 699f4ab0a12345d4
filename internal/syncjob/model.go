package syncjob

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Well-known job types. The type is an open string so callers can introduce
// new backfill kinds without touching this package.
const (
	TypeMessages = "messages"
	TypeContacts = "contacts"
	TypeGroups   = "groups"
)

// Config narrows what a backfill job fetches.
type Config struct {
	// Depth is a relative window: "7d", "30d", "90d", "1y" or "all".
	Depth string `json:"depth,omitempty"`
	// Since overrides Depth with an absolute lower bound.
	Since *time.Time `json:"since,omitempty"`
	// ChannelID scopes the fetch for channels that shard by room/guild.
	ChannelID string `json:"channel_id,omitempty"`
	// BatchSize is the page size for fetch calls; 0 uses the executor default.
	BatchSize int `json:"batch_size,omitempty"`
}

type Progress struct {
	Fetched         int  `json:"fetched"`
	Stored          int  `json:"stored"`
	Duplicates      int  `json:"duplicates"`
	MediaDownloaded int  `json:"media_downloaded"`
	TotalEstimated  *int `json:"total_estimated,omitempty"`
}

// ProgressPatch is a partial progress update; nil fields are preserved.
type ProgressPatch struct {
	Fetched         *int `json:"fetched,omitempty"`
	Stored          *int `json:"stored,omitempty"`
	Duplicates      *int `json:"duplicates,omitempty"`
	MediaDownloaded *int `json:"media_downloaded,omitempty"`
	TotalEstimated  *int `json:"total_estimated,omitempty"`
}

type Job struct {
	ID           string     `json:"id"`
	InstanceID   string     `json:"instance_id"`
	Type         string     `json:"type"`
	Status       Status     `json:"status"`
	Config       Config     `json:"config"`
	Progress     Progress   `json:"progress"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ProgressPercent derives completion: the fetched/totalEstimated ratio when an
// estimate exists, 100 for completed jobs, and unknown (nil) otherwise.
func (j *Job) ProgressPercent() *int {
	if j.Progress.TotalEstimated != nil && *j.Progress.TotalEstimated > 0 {
		pct := int(float64(j.Progress.Fetched)/float64(*j.Progress.TotalEstimated)*100 + 0.5)
		if pct > 100 {
			pct = 100
		}
		return &pct
	}
	if j.Status == StatusCompleted {
		pct := 100
		return &pct
	}
	return nil
}

type ListFilter struct {
	InstanceID string
	Type       []string
	Status     []Status
	Limit      int
}

type Repository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	List(ctx context.Context, filter ListFilter) ([]*Job, error)
	ActiveForInstance(ctx context.Context, instanceID string) ([]*Job, error)
	HasActive(ctx context.Context, instanceID, jobType string) (bool, error)
}
