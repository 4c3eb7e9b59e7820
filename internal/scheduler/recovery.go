package scheduler

import (
	"context"
	"time"

	"chemd/pkg/types"
)

// Recover requeues work found in the store after a restart. Tasks caught
// running when the process died restart from the first stage; stages are
// idempotent and partial artifacts are not trusted. Call before Start.
func (s *Scheduler) Recover(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return err
	}
	requeued := 0
	for _, rec := range tasks {
		switch rec.State {
		case types.TaskRunning:
			rec.State = types.TaskQueued
			rec.StageIndex = 0
			rec.StartedAt = time.Time{}
			if err := s.store.UpdateTask(ctx, rec); err != nil {
				return err
			}
		case types.TaskQueued:
		default:
			continue
		}
		s.mu.Lock()
		s.enqueueLocked(rec.ID)
		s.mu.Unlock()
		requeued++
	}
	if requeued > 0 {
		s.log.Info().Int("tasks", requeued).Msg("recovered queued work from store")
	}
	return nil
}
