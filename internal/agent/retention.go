package agent

import (
	"context"
	"time"

	"github.com/Adeptus-360/moodle-block-adeptus-insights-sub000/internal/logger"
)

// PruneFunc deletes up to limit rows older than cutoff and returns how many
// were deleted.
type PruneFunc func(ctx context.Context, cutoff time.Time, limit int) (int64, error)

// Retention is one pruned data set.
type Retention struct {
	Name   string
	MaxAge time.Duration
	Prune  PruneFunc
}

// RetentionManager handles automatic data pruning based on configured
// retention periods. Deletes run in batches of pruneLimit rows so readers
// are never blocked for long.
type RetentionManager struct {
	targets    []Retention
	pruneLimit int
	pause      time.Duration
}

// NewRetentionManager creates a RetentionManager.
func NewRetentionManager(targets ...Retention) *RetentionManager {
	return &RetentionManager{
		targets:    targets,
		pruneLimit: 10000,
		pause:      10 * time.Millisecond,
	}
}

// PruneNow runs one prune cycle and returns rows deleted per data set. A
// failing data set is logged and the others still run.
func (rm *RetentionManager) PruneNow(ctx context.Context, now time.Time) (map[string]int64, error) {
	pruned := make(map[string]int64, len(rm.targets))
	var firstErr error

	for _, t := range rm.targets {
		if t.MaxAge <= 0 {
			continue
		}
		n, err := rm.pruneAll(ctx, t, now.Add(-t.MaxAge))
		pruned[t.Name] = n
		if err != nil {
			logger.Error("failed to prune", "data", t.Name, "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if n > 0 {
			logger.Debug("pruned rows", "data", t.Name, "rows", n, "retention", t.MaxAge)
		}
	}
	return pruned, firstErr
}

// pruneAll repeats batched deletes until a batch comes back short.
func (rm *RetentionManager) pruneAll(ctx context.Context, t Retention, cutoff time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, err := t.Prune(ctx, cutoff, rm.pruneLimit)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(rm.pruneLimit) {
			return total, nil
		}

		// Small sleep between batches to reduce contention with readers
		time.Sleep(rm.pause)
	}
}
