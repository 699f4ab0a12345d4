package syncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
	"github.com/automagik-dev/omni-sub005/internal/domain/event"
	"github.com/automagik-dev/omni-sub005/internal/registry"
)

const defaultBatchSize = 50

// Item is one unit of backfilled data in its channel-native form.
type Item struct {
	ExternalID string          `json:"external_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	MediaURL   string          `json:"media_url,omitempty"`
}

// Page is one fetch result. An empty NextCursor means the backfill is done.
type Page struct {
	Items          []Item
	NextCursor     string
	TotalEstimated *int
}

// FetchRequest scopes a single page fetch.
type FetchRequest struct {
	InstanceID string
	JobType    string
	Config     Config
	Cursor     string
	BatchSize  int
}

// Source fetches historical data from a channel adapter, one page at a time.
type Source interface {
	FetchPage(ctx context.Context, req FetchRequest) (Page, error)
}

// Store persists fetched items. Upsert reports false for duplicates so the
// executor can account for them without treating redelivery as new work.
type Store interface {
	Upsert(ctx context.Context, instanceID string, item Item) (bool, error)
}

// InstanceResolver maps an instance to its channel type.
type InstanceResolver interface {
	ChannelType(ctx context.Context, instanceID string) (string, error)
}

// Executor consumes sync.started and runs the backfill loop for each job:
// fetch a page, store its items, report progress, pace to the channel's rate
// limit, and poll for cancellation between pages.
type Executor struct {
	jobs      *Service
	sources   map[string]Source
	store     Store
	instances InstanceResolver

	// wait is swapped out by tests so pacing and cooldowns run without timers.
	wait func(ctx context.Context, d time.Duration) error
}

func NewExecutor(jobs *Service, store Store, instances InstanceResolver) *Executor {
	return &Executor{
		jobs:      jobs,
		sources:   make(map[string]Source),
		store:     store,
		instances: instances,
		wait:      sleep,
	}
}

// RegisterSource attaches the fetcher for one channel type.
func (e *Executor) RegisterSource(channelType string, src Source) {
	e.sources[channelType] = src
}

// Definition declares the executor as a durable consumer. StartFrom is New:
// jobs announced while the worker was down are stale by the time it returns,
// and their rows are still visible to operators for manual restart.
func (e *Executor) Definition() registry.Definition {
	return registry.Definition{
		Durable:   "sync-worker",
		Subject:   EventStarted,
		StartFrom: bus.New,
		Handler:   e.handle,
	}
}

func (e *Executor) handle(ctx context.Context, ev event.Event) error {
	var announce struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(ev.Payload, &announce); err != nil {
		return fmt.Errorf("decode sync.started payload: %w", err)
	}

	job, err := e.jobs.Get(ctx, announce.JobID)
	if err != nil {
		return err
	}
	if job.Status != StatusPending {
		// Cancelled or already claimed by another worker; nothing to do.
		slog.Info("skipping sync job", "job_id", job.ID, "status", job.Status)
		return nil
	}

	channelType, err := e.instances.ChannelType(ctx, job.InstanceID)
	if err != nil {
		return err
	}

	if _, err := e.jobs.Start(ctx, job.ID); err != nil {
		return err
	}

	caps := ResolveCapabilities(channelType)
	if !caps.Supports(job.Type) {
		slog.Info("channel does not support job type, completing as no-op",
			"job_id", job.ID, "channel", channelType, "type", job.Type)
		_, err := e.jobs.Complete(ctx, job.ID)
		return err
	}

	src, ok := e.sources[channelType]
	if !ok {
		_, err := e.jobs.Fail(ctx, job.ID, fmt.Sprintf("no source registered for channel %q", channelType))
		return err
	}

	return e.run(ctx, job, channelType, src)
}

func (e *Executor) run(ctx context.Context, job *Job, channelType string, src Source) error {
	limit := ResolveRateLimit(channelType)
	perItem := time.Minute / time.Duration(limit.MessagesPerMinute)

	batch := job.Config.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	var (
		cursor          string
		fetched         int
		stored          int
		duplicates      int
		mediaDownloaded int
		totalEstimated  *int
		consecutiveErrs int
	)

	slog.Info("sync job running", "job_id", job.ID, "channel", channelType,
		"type", job.Type, "messages_per_minute", limit.MessagesPerMinute)

	for {
		// Cancellation is polled between pages; mid-page work finishes.
		cur, err := e.jobs.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusRunning {
			slog.Info("sync job no longer running, stopping", "job_id", job.ID, "status", cur.Status)
			return nil
		}

		page, err := src.FetchPage(ctx, FetchRequest{
			InstanceID: job.InstanceID,
			JobType:    job.Type,
			Config:     job.Config,
			Cursor:     cursor,
			BatchSize:  batch,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			consecutiveErrs++
			slog.Warn("sync fetch failed", "job_id", job.ID,
				"consecutive_errors", consecutiveErrs, "max", limit.MaxRetries, "error", err)
			if consecutiveErrs >= limit.MaxRetries {
				_, failErr := e.jobs.Fail(ctx, job.ID, err.Error())
				return ignoreTerminal(failErr)
			}
			if waitErr := e.wait(ctx, limit.CooldownOnError); waitErr != nil {
				return waitErr
			}
			continue
		}
		// Counts are committed only once the whole page stores; a failed
		// attempt's partial counts are discarded and the refetched page counts
		// its items again.
		var pageFetched, pageStored, pageDuplicates, pageMedia int
		storeFailed := false
		for _, item := range page.Items {
			fresh, err := e.store.Upsert(ctx, job.InstanceID, item)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				consecutiveErrs++
				slog.Warn("sync store failed", "job_id", job.ID,
					"consecutive_errors", consecutiveErrs, "max", limit.MaxRetries, "error", err)
				if consecutiveErrs >= limit.MaxRetries {
					_, failErr := e.jobs.Fail(ctx, job.ID, err.Error())
					return ignoreTerminal(failErr)
				}
				storeFailed = true
				break
			}
			pageFetched++
			if fresh {
				pageStored++
				if item.MediaURL != "" {
					pageMedia++
				}
			} else {
				pageDuplicates++
			}
		}
		if storeFailed {
			// The page is re-fetched; upserts make the overlap harmless.
			if waitErr := e.wait(ctx, limit.CooldownOnError); waitErr != nil {
				return waitErr
			}
			continue
		}

		// The error budget counts consecutive fetch and store errors alike, so
		// it resets only after a page both fetched and stored cleanly.
		consecutiveErrs = 0
		fetched += pageFetched
		stored += pageStored
		duplicates += pageDuplicates
		mediaDownloaded += pageMedia

		if page.TotalEstimated != nil {
			totalEstimated = page.TotalEstimated
		}
		if _, err := e.jobs.UpdateProgress(ctx, job.ID, ProgressPatch{
			Fetched:         &fetched,
			Stored:          &stored,
			Duplicates:      &duplicates,
			MediaDownloaded: &mediaDownloaded,
			TotalEstimated:  totalEstimated,
		}); err != nil {
			if errs.IsTerminalState(err) {
				// The job was cancelled or finished under us mid-page.
				slog.Info("sync job moved to a terminal state mid-page, stopping", "job_id", job.ID)
				return nil
			}
			return err
		}

		if page.NextCursor == "" {
			_, err := e.jobs.Complete(ctx, job.ID)
			return ignoreTerminal(err)
		}
		cursor = page.NextCursor

		// Pace to the channel limit: the page consumed len(items) units of
		// the per-minute budget.
		if n := len(page.Items); n > 0 {
			if waitErr := e.wait(ctx, time.Duration(n)*perItem); waitErr != nil {
				return waitErr
			}
		}
	}
}

// ignoreTerminal swallows terminal-state violations from outcome transitions:
// the job was cancelled or claimed elsewhere, which is a stop, not a failure.
func ignoreTerminal(err error) error {
	if errs.IsTerminalState(err) {
		return nil
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
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
