package services

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"chipmunk/metrics"
	"chipmunk/models"
)

const sweepBatchSize = 100

// ArtifactStore is the part of the repository the janitor needs
type ArtifactStore interface {
	ExpiredArtifacts(ctx context.Context, cutoff time.Time, limit int) ([]models.Artifact, error)
	ArtifactPathInUse(ctx context.Context, path string, excludeID uint, cutoff time.Time) (bool, error)
	DeleteArtifact(ctx context.Context, id uint) error
}

// RetentionService deletes retained outputs and profile images once they
// are older than the retention period
type RetentionService struct {
	store   ArtifactStore
	period  time.Duration
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewRetentionService creates a janitor. A zero period disables it.
func NewRetentionService(store ArtifactStore, period time.Duration, collector *metrics.Collector, logger *zap.Logger) *RetentionService {
	return &RetentionService{
		store:   store,
		period:  period,
		metrics: collector,
		logger:  logger.With(zap.String("component", "retention")),
	}
}

// Enabled reports whether a retention period is configured
func (rs *RetentionService) Enabled() bool {
	return rs.period > 0
}

// Sweep removes every artifact created before now minus the retention
// period and returns how many rows were deleted. A file still referenced by
// a newer artifact is kept.
func (rs *RetentionService) Sweep(ctx context.Context, now time.Time) (int, error) {
	if !rs.Enabled() {
		return 0, nil
	}

	cutoff := now.Add(-rs.period)
	deleted := 0

	for {
		artifacts, err := rs.store.ExpiredArtifacts(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return deleted, err
		}

		removed := 0
		for _, artifact := range artifacts {
			if err := rs.expire(ctx, artifact, cutoff); err != nil {
				// Keep the row so the next sweep retries
				rs.logger.Warn("Failed to expire artifact",
					zap.Uint("artifact_id", artifact.ID),
					zap.String("path", artifact.Path),
					zap.Error(err))
				continue
			}
			removed++
		}
		deleted += removed

		if len(artifacts) < sweepBatchSize || removed == 0 {
			return deleted, nil
		}
	}
}

func (rs *RetentionService) expire(ctx context.Context, artifact models.Artifact, cutoff time.Time) error {
	inUse, err := rs.store.ArtifactPathInUse(ctx, artifact.Path, artifact.ID, cutoff)
	if err != nil {
		return err
	}

	if !inUse {
		if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		rs.metrics.RecordRetentionDelete(artifact.Kind)
	}

	return rs.store.DeleteArtifact(ctx, artifact.ID)
}

// Start sweeps every interval until ctx is done
func (rs *RetentionService) Start(ctx context.Context, interval time.Duration) {
	if !rs.Enabled() || interval <= 0 {
		rs.logger.Info("Retention disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := rs.Sweep(ctx, now)
			if err != nil {
				rs.logger.Warn("Retention sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				rs.logger.Info("Retention sweep removed artifacts", zap.Int("count", n))
			}
		}
	}
}
