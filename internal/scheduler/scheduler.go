// Package scheduler owns the task lifecycle: admission into a bounded
// FIFO queue, execution of the stage pipeline on a fixed worker pool,
// terminal state persistence and batch rollups. All task state written to
// the store flows through this package.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chemd/internal/registry"
	"chemd/internal/residency"
	"chemd/internal/store"
	"chemd/pkg/types"
)

type Scheduler struct {
	cfg    Config
	store  store.Store
	reg    *registry.Registry
	models *residency.Manager
	log    zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	queue  []string
	queued map[string]struct{}
	active int
	closed bool

	// rollupMu serializes batch recomputation; two workers finishing
	// siblings concurrently must not interleave read-modify-write.
	rollupMu sync.Mutex

	notify chan struct{}
	wg     sync.WaitGroup
	stop   context.CancelFunc
}

func New(cfg Config, st store.Store, reg *registry.Registry, models *residency.Manager) *Scheduler {
	cfg = cfg.normalized()
	return &Scheduler{
		cfg:    cfg,
		store:  st,
		reg:    reg,
		models: models,
		log:    cfg.Logger,
		now:    cfg.Now,
		queued: make(map[string]struct{}),
		notify: make(chan struct{}, cfg.QueueDepth),
	}
}

// Start launches the worker pool. Call Recover first when resuming over a
// non-empty store.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Close stops accepting work and waits for in-flight tasks to settle.
// Queued tasks stay queued in the store; Recover picks them up on the
// next start.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
}

// Submit admits one task. The capacity check and the record creation
// happen in one critical section: a rejected submission leaves no record
// behind, and admission order is queue order.
func (s *Scheduler) Submit(ctx context.Context, rec types.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrCapacityExceeded(s.cfg.QueueDepth)
	}
	if len(s.queue) >= s.cfg.QueueDepth {
		rejectionsTotal.Inc()
		return ErrCapacityExceeded(s.cfg.QueueDepth)
	}
	s.prepare(&rec)
	if err := s.store.CreateTask(ctx, rec); err != nil {
		return err
	}
	s.enqueueLocked(rec.ID)
	return nil
}

// SubmitBatch admits a batch atomically: either every task is queued or
// none is. The batch record is created first so child rollups never
// reference a missing parent.
func (s *Scheduler) SubmitBatch(ctx context.Context, batch types.BatchRecord, tasks []types.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue)+len(tasks) > s.cfg.QueueDepth {
		rejectionsTotal.Inc()
		return ErrCapacityExceeded(s.cfg.QueueDepth)
	}
	batch.State = types.BatchQueued
	batch.Counts = types.BatchCounts{Total: len(tasks), Queued: len(tasks)}
	if batch.SubmittedAt.IsZero() {
		batch.SubmittedAt = s.now()
	}
	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return err
	}
	for i := range tasks {
		tasks[i].BatchID = batch.ID
		s.prepare(&tasks[i])
		if err := s.store.CreateTask(ctx, tasks[i]); err != nil {
			return err
		}
	}
	for i := range tasks {
		s.enqueueLocked(tasks[i].ID)
	}
	return nil
}

// Cancel aborts a task that has not started yet. Running and terminal
// tasks are not cancelable. The record is kept and marked failed so batch
// counts stay consistent with the original submission size.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.queued[id]; !ok {
		s.mu.Unlock()
		if _, found, err := s.store.GetTask(ctx, id); err != nil {
			return err
		} else if !found {
			return ErrNotFound(id)
		}
		return ErrNotCancelable(id)
	}
	delete(s.queued, id)
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	queueDepthGauge.Set(float64(len(s.queue)))
	s.mu.Unlock()

	rec, found, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound(id)
	}
	rec.State = types.TaskFailed
	rec.Error = &types.TaskError{Kind: types.ErrKindCanceled, Message: "canceled before execution"}
	rec.CompletedAt = s.now()
	if err := s.store.UpdateTask(ctx, rec); err != nil {
		return err
	}
	tasksTotal.WithLabelValues("canceled").Inc()
	if rec.BatchID != "" {
		return s.recomputeBatch(ctx, rec.BatchID)
	}
	return nil
}

// QueueLen reports tasks waiting for a worker.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Active reports tasks currently executing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) prepare(rec *types.TaskRecord) {
	rec.State = types.TaskQueued
	rec.StageIndex = 0
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = s.now()
	}
}

// enqueueLocked appends id to the queue and pokes a worker. Callers hold mu.
func (s *Scheduler) enqueueLocked(id string) {
	s.queue = append(s.queue, id)
	s.queued[id] = struct{}{}
	queueDepthGauge.Set(float64(len(s.queue)))
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
