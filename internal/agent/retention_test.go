package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchPruner struct {
	batches []int64
	cutoffs []time.Time
	err     error
}

func (p *batchPruner) prune(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	if p.err != nil {
		return 0, p.err
	}
	if len(p.batches) == 0 {
		return 0, nil
	}
	n := p.batches[0]
	p.batches = p.batches[1:]
	return n, nil
}

func TestPruneNow_RepeatsFullBatches(t *testing.T) {
	snaps := &batchPruner{batches: []int64{10000, 10000, 42}}
	rm := NewRetentionManager(Retention{Name: "snapshots", MaxAge: 90 * 24 * time.Hour, Prune: snaps.prune})
	rm.pause = 0

	pruned, err := rm.PruneNow(context.Background(), t0)
	require.NoError(t, err)
	assert.Equal(t, int64(20042), pruned["snapshots"])
	require.Len(t, snaps.cutoffs, 3)
	assert.True(t, snaps.cutoffs[0].Equal(t0.Add(-90*24*time.Hour)))
}

func TestPruneNow_SkipsDisabledAndContinuesAfterFailure(t *testing.T) {
	disabled := &batchPruner{batches: []int64{5}}
	failing := &batchPruner{err: errors.New("disk I/O error")}
	messages := &batchPruner{batches: []int64{3}}

	rm := NewRetentionManager(
		Retention{Name: "disabled", MaxAge: 0, Prune: disabled.prune},
		Retention{Name: "alert_history", MaxAge: time.Hour, Prune: failing.prune},
		Retention{Name: "messages", MaxAge: time.Hour, Prune: messages.prune},
	)
	rm.pause = 0

	pruned, err := rm.PruneNow(context.Background(), t0)
	require.Error(t, err)
	assert.Empty(t, disabled.cutoffs)
	assert.Equal(t, int64(3), pruned["messages"])
	assert.Equal(t, int64(0), pruned["alert_history"])
}

func TestPruneNow_StopsOnCancel(t *testing.T) {
	p := &batchPruner{batches: []int64{10000, 10000}}
	rm := NewRetentionManager(Retention{Name: "snapshots", MaxAge: time.Hour, Prune: p.prune})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rm.PruneNow(ctx, t0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.cutoffs)
}
