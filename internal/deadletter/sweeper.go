package deadletter

import (
	"context"
	"log/slog"
	"time"
)

const sweepBatchSize = 50

// RunSweeper periodically re-publishes pending records whose unattended retry
// is due. Claiming is done with row locks so several workers can sweep the
// same table without double-publishing.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	slog.Info("dead letter sweeper started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dead letter sweeper stopped")
			return
		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				slog.Error("dead letter sweep failed", "error", err)
			}
		}
	}
}

func (s *Service) sweep(ctx context.Context) error {
	now := s.now().UTC()

	claimed, err := s.repo.ClaimDueRetries(ctx, now, sweepBatchSize)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	slog.Info("sweeping due dead letters", "count", len(claimed))

	for _, dl := range claimed {
		if err := s.republish(ctx, dl); err != nil {
			slog.Error("auto retry publish failed", "dead_letter_id", dl.ID, "error", err)
			dl.Status = StatusPending
			dl.ErrorMessage = err.Error()
			dl.NextAutoRetryAt = nextAutoRetryAt(now, dl.AutoRetries)
			if updErr := s.repo.Update(ctx, dl); updErr != nil {
				slog.Error("failed to reopen dead letter after sweep publish error",
					"dead_letter_id", dl.ID, "error", updErr)
			}
			retriesTotal.WithLabelValues("publish_error").Inc()
			continue
		}
		retriesTotal.WithLabelValues("auto_published").Inc()
	}

	return nil
}
