// Package syncjob orchestrates long-running backfill jobs. The orchestrator
// owns the job state machine and emits lifecycle events; the executor picks
// jobs up off the bus and drives the actual fetching under per-channel rate
// limits.
package syncjob

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
)

// Lifecycle event subjects.
const (
	EventStarted   = "sync.started"
	EventProgress  = "sync.progress"
	EventCompleted = "sync.completed"
	EventFailed    = "sync.failed"
	EventCancelled = "sync.cancelled"
)

var jobsTransitioned = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sync_jobs_transitioned_total",
	Help: "The total number of sync job state transitions",
}, []string{"to"})

type Service struct {
	repo Repository
	bus  bus.Bus

	now func() time.Time
}

func NewService(repo Repository, b bus.Bus) *Service {
	return &Service{repo: repo, bus: b, now: time.Now}
}

// Create records a pending job and announces it on the bus. Callers that want
// one-job-per-(instance, type) semantics check HasActiveJob first; the check
// is advisory, duplicate suppression in the item store keeps overlapping jobs
// harmless.
func (s *Service) Create(ctx context.Context, instanceID, jobType string, cfg Config) (*Job, error) {
	if instanceID == "" {
		return nil, errs.Validation("instance id is required")
	}
	if jobType == "" {
		return nil, errs.Validation("job type is required")
	}

	now := s.now().UTC()
	job := &Job{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		Type:       jobType,
		Status:     StatusPending,
		Config:     cfg,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}
	jobsTransitioned.WithLabelValues(string(StatusPending)).Inc()

	if err := s.emit(ctx, EventStarted, job); err != nil {
		// The row exists but nothing announced it; surface the error so the
		// caller can retry the announce instead of waiting forever.
		slog.Error("failed to publish sync.started", "job_id", job.ID, "error", err)
		return nil, errs.Transient(err)
	}

	slog.Info("sync job created", "job_id", job.ID, "instance_id", instanceID, "type", jobType)
	return job, nil
}

// Start moves a pending job to running.
func (s *Service) Start(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusPending {
		return nil, transitionError(job, StatusRunning)
	}

	now := s.now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &now
	if err := s.repo.Update(ctx, job); err != nil {
		return nil, err
	}
	jobsTransitioned.WithLabelValues(string(StatusRunning)).Inc()

	return job, nil
}

// UpdateProgress merges a partial progress update into a running job and
// emits sync.progress. Fields absent from the patch keep their value.
func (s *Service) UpdateProgress(ctx context.Context, id string, patch ProgressPatch) (*Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, errs.TerminalState("sync job %s is %s and no longer accepts progress", id, job.Status)
	}

	mergeProgress(&job.Progress, patch)
	if err := s.repo.Update(ctx, job); err != nil {
		return nil, err
	}

	if err := s.emit(ctx, EventProgress, job); err != nil {
		slog.Error("failed to publish sync.progress", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// Complete moves a running job to completed.
func (s *Service) Complete(ctx context.Context, id string) (*Job, error) {
	return s.finish(ctx, id, StatusCompleted, "")
}

// Fail moves a running job to failed with the given message.
func (s *Service) Fail(ctx context.Context, id, message string) (*Job, error) {
	return s.finish(ctx, id, StatusFailed, message)
}

func (s *Service) finish(ctx context.Context, id string, to Status, message string) (*Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusRunning {
		return nil, transitionError(job, to)
	}

	now := s.now().UTC()
	job.Status = to
	job.ErrorMessage = message
	job.CompletedAt = &now
	if err := s.repo.Update(ctx, job); err != nil {
		return nil, err
	}
	jobsTransitioned.WithLabelValues(string(to)).Inc()

	subject := EventCompleted
	if to == StatusFailed {
		subject = EventFailed
	}
	if err := s.emit(ctx, subject, job); err != nil {
		slog.Error("failed to publish job outcome", "job_id", job.ID, "subject", subject, "error", err)
	}

	slog.Info("sync job finished", "job_id", job.ID, "status", to)
	return job, nil
}

// Cancel stops a pending or running job. Running executors notice the status
// change at their next poll; cancellation is cooperative, not preemptive.
func (s *Service) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.Active() {
		return nil, transitionError(job, StatusCancelled)
	}

	now := s.now().UTC()
	job.Status = StatusCancelled
	job.CompletedAt = &now
	if err := s.repo.Update(ctx, job); err != nil {
		return nil, err
	}
	jobsTransitioned.WithLabelValues(string(StatusCancelled)).Inc()

	if err := s.emit(ctx, EventCancelled, job); err != nil {
		slog.Error("failed to publish sync.cancelled", "job_id", job.ID, "error", err)
	}

	slog.Info("sync job cancelled", "job_id", job.ID)
	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) GetActiveForInstance(ctx context.Context, instanceID string) ([]*Job, error) {
	return s.repo.ActiveForInstance(ctx, instanceID)
}

func (s *Service) HasActiveJob(ctx context.Context, instanceID, jobType string) (bool, error) {
	return s.repo.HasActive(ctx, instanceID, jobType)
}

func (s *Service) emit(ctx context.Context, subject string, job *Job) error {
	payload := map[string]any{
		"job_id":      job.ID,
		"instance_id": job.InstanceID,
		"type":        job.Type,
		"status":      job.Status,
		"config":      job.Config,
		"progress":    job.Progress,
	}
	if pct := job.ProgressPercent(); pct != nil {
		payload["progress_percent"] = *pct
	}
	if job.ErrorMessage != "" {
		payload["error"] = job.ErrorMessage
	}

	ev, err := event.New(subject, payload, event.Metadata{
		Source:     "sync-orchestrator",
		InstanceID: job.InstanceID,
	})
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, ev)
}

func mergeProgress(p *Progress, patch ProgressPatch) {
	if patch.Fetched != nil {
		p.Fetched = *patch.Fetched
	}
	if patch.Stored != nil {
		p.Stored = *patch.Stored
	}
	if patch.Duplicates != nil {
		p.Duplicates = *patch.Duplicates
	}
	if patch.MediaDownloaded != nil {
		p.MediaDownloaded = *patch.MediaDownloaded
	}
	if patch.TotalEstimated != nil {
		p.TotalEstimated = patch.TotalEstimated
	}
}

func transitionError(job *Job, to Status) error {
	if job.Status.Terminal() {
		return errs.TerminalState("sync job %s is %s and cannot move to %s", job.ID, job.Status, to)
	}
	return errs.Validation("sync job %s is %s and cannot move to %s", job.ID, job.Status, to)
}
