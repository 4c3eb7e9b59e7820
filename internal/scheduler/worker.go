package scheduler

import (
	"context"
	"fmt"
	"time"

	"chemd/internal/residency"
	"chemd/internal/stage"
	"chemd/pkg/types"
)

func (s *Scheduler) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}
		for {
			rec, ok := s.next()
			if !ok {
				break
			}
			s.execute(ctx, rec)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// next pops the oldest queued task and transitions it to running. Queue
// removal and the running transition are ordered so Cancel can never race
// a picked-up task: once the id leaves the queued set it is not cancelable.
func (s *Scheduler) next() (types.TaskRecord, bool) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return types.TaskRecord{}, false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, id)
	s.active++
	queueDepthGauge.Set(float64(len(s.queue)))
	s.mu.Unlock()

	rec, found, err := s.store.GetTask(context.Background(), id)
	if err != nil || !found {
		s.log.Error().Err(err).Str("task_id", id).Msg("queued task vanished from store")
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		return types.TaskRecord{}, false
	}
	rec.State = types.TaskRunning
	rec.StartedAt = s.now()
	if err := s.store.UpdateTask(context.Background(), rec); err != nil {
		s.log.Error().Err(err).Str("task_id", id).Msg("persisting running transition")
	}
	return rec, true
}

// execute runs the task's pipeline to a terminal state. Store writes use a
// background context: a shutdown mid-stage leaves the record running, and
// Recover requeues it on the next start.
func (s *Scheduler) execute(ctx context.Context, rec types.TaskRecord) {
	start := s.now()
	doc := stage.NewDocument(rec.ID, rec.PDFPath, rec.Options)

	for i := rec.StageIndex; i < len(rec.Stages); i++ {
		rec.StageIndex = i
		if err := s.store.UpdateTask(context.Background(), rec); err != nil {
			s.log.Error().Err(err).Str("task_id", rec.ID).Msg("persisting stage progress")
		}
		id := rec.Stages[i]
		st, ok := s.reg.Resolve(id)
		if !ok {
			s.fail(rec, start, &types.TaskError{
				Kind:    types.ErrKindStageFailure,
				Stage:   id,
				Message: "unknown stage: " + id,
			})
			return
		}
		if err := s.runStage(ctx, st, doc); err != nil {
			if ctx.Err() != nil {
				// Shutdown. Leave the record running for recovery.
				s.releaseSlot()
				return
			}
			taskErr := &types.TaskError{Kind: types.ErrKindStageFailure, Stage: id, Message: err.Error()}
			if stage.IsFallbackExhausted(err) {
				taskErr.Kind = types.ErrKindFallbackExhausted
			}
			s.fail(rec, start, taskErr)
			return
		}
	}

	rec.State = types.TaskCompleted
	rec.StageIndex = len(rec.Stages)
	rec.ResultFile = doc.ResultFile
	rec.Summary = doc.Summary
	rec.CompletedAt = s.now()
	if rec.Summary != nil {
		rec.Summary.ProcessingSeconds = rec.CompletedAt.Sub(rec.StartedAt).Seconds()
	}
	s.settle(rec, start, "completed")
}

// runStage executes one stage under the stage timeout, borrowing the
// declared model for the duration of the run. A panicking stage fails the
// task, never the worker.
func (s *Scheduler) runStage(ctx context.Context, st stage.Stage, doc *stage.Document) (err error) {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.StageTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", st.ID(), r)
		}
	}()

	c := st.Capability()
	if c.ModelKey != "" {
		h, aerr := s.acquireModel(sctx, c, doc)
		if aerr != nil {
			return aerr
		}
		doc.Model = h.Runtime()
		defer func() {
			doc.Model = nil
			h.Release()
		}()
	}
	return st.Run(sctx, doc)
}

// acquireModel borrows the stage's model, waiting out transient
// no-evictable rejections until the stage deadline. Other workers release
// their handles as their stages finish, so pinned budgets clear quickly.
func (s *Scheduler) acquireModel(ctx context.Context, c stage.Capability, doc *stage.Document) (*residency.Handle, error) {
	device := c.Device
	if device == "" {
		device = doc.Options.Device
	}
	key := residency.ModelKey{Name: c.ModelKey, Device: device}
	for {
		h, err := s.models.Acquire(ctx, key, c.MemMB)
		if err == nil {
			return h, nil
		}
		if !residency.IsNoEvictable(err) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.AcquireRetryInterval):
		}
	}
}

func (s *Scheduler) fail(rec types.TaskRecord, start time.Time, taskErr *types.TaskError) {
	rec.State = types.TaskFailed
	rec.Error = taskErr
	rec.CompletedAt = s.now()
	s.log.Warn().
		Str("task_id", rec.ID).
		Str("stage", taskErr.Stage).
		Str("kind", taskErr.Kind).
		Msg(taskErr.Message)
	s.settle(rec, start, "failed")
}

// settle persists the terminal record, frees the worker slot and rolls up
// the parent batch.
func (s *Scheduler) settle(rec types.TaskRecord, start time.Time, outcome string) {
	if err := s.store.UpdateTask(context.Background(), rec); err != nil {
		s.log.Error().Err(err).Str("task_id", rec.ID).Msg("persisting terminal state")
	}
	s.releaseSlot()
	tasksTotal.WithLabelValues(outcome).Inc()
	taskDuration.Observe(s.now().Sub(start).Seconds())
	if rec.BatchID != "" {
		if err := s.recomputeBatch(context.Background(), rec.BatchID); err != nil {
			s.log.Error().Err(err).Str("batch_id", rec.BatchID).Msg("batch rollup")
		}
	}
}

func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
}
