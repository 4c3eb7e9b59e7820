package scheduler

import (
	"context"

	"chemd/pkg/types"
)

// recomputeBatch rederives a batch's counts and state from its children.
// The batch record is never mutated incrementally: recomputing from the
// task records keeps total == len(task_ids) == sum of the buckets under
// any interleaving of worker finishes.
func (s *Scheduler) recomputeBatch(ctx context.Context, batchID string) error {
	s.rollupMu.Lock()
	defer s.rollupMu.Unlock()

	batch, found, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound(batchID)
	}

	counts := types.BatchCounts{Total: len(batch.TaskIDs)}
	for _, id := range batch.TaskIDs {
		rec, ok, err := s.store.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			// Purged child; count it as failed so the rollup stays total.
			counts.Failed++
			continue
		}
		switch rec.State {
		case types.TaskCompleted:
			counts.Completed++
		case types.TaskFailed:
			counts.Failed++
		case types.TaskRunning:
			counts.Processing++
		default:
			counts.Queued++
		}
	}

	batch.Counts = counts
	prev := batch.State
	batch.State = deriveBatchState(counts)
	if batch.State != types.BatchQueued && prev == types.BatchQueued {
		batch.CompletedAt = s.now()
	}
	return s.store.UpdateBatch(ctx, batch)
}

// deriveBatchState maps child counts to the batch state. A batch is
// terminal only once every child is.
func deriveBatchState(c types.BatchCounts) types.BatchState {
	if c.Completed+c.Failed < c.Total {
		return types.BatchQueued
	}
	switch {
	case c.Failed == 0:
		return types.BatchCompleted
	case c.Completed == 0:
		return types.BatchFailed
	default:
		return types.BatchPartiallyFailed
	}
}
