// Package service composes the store, scheduler and residency manager
// into the operations the HTTP layer exposes: uploads, status polls,
// result reads, history and the system surface.
package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chemd/internal/extract"
	"chemd/internal/residency"
	"chemd/internal/scheduler"
	"chemd/internal/store"
	"chemd/pkg/types"
)

// Config holds Service construction parameters. Workers and QueueDepth
// are echoed on the system status; the scheduler owns the real limits.
type Config struct {
	UploadDir     string
	ResultsDir    string
	DefaultDevice string
	Workers       int
	QueueDepth    int
	Retention     time.Duration

	Now    func() time.Time
	Logger zerolog.Logger
}

type Service struct {
	cfg     Config
	store   store.Store
	sched   *scheduler.Scheduler
	models  *residency.Manager
	log     zerolog.Logger
	now     func() time.Time
	started time.Time
}

func New(cfg Config, st store.Store, sched *scheduler.Scheduler, models *residency.Manager) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultDevice == "" {
		cfg.DefaultDevice = "cpu"
	}
	return &Service{
		cfg:     cfg,
		store:   st,
		sched:   sched,
		models:  models,
		log:     cfg.Logger,
		now:     cfg.Now,
		started: cfg.Now(),
	}
}

// Upload is one incoming document.
type Upload struct {
	Filename string
	Data     io.Reader
}

// SubmitUpload spools one document and queues its task. A rejected
// submission removes the spooled file again: backpressure leaves no trace.
func (s *Service) SubmitUpload(ctx context.Context, up Upload, opts types.ExtractOptions) (types.TaskRecord, error) {
	opts = s.normalize(opts)
	rec, err := s.spoolTask(up, opts)
	if err != nil {
		return types.TaskRecord{}, err
	}
	if err := s.sched.Submit(ctx, rec); err != nil {
		s.discard(rec.PDFPath)
		return types.TaskRecord{}, err
	}
	s.log.Info().Str("task_id", rec.ID).Str("filename", rec.Filename).Msg("task queued")
	return rec, nil
}

// SubmitBatchUpload spools every document and queues the batch
// atomically. Any failure unwinds all spooled files.
func (s *Service) SubmitBatchUpload(ctx context.Context, uploads []Upload, opts types.ExtractOptions) (types.BatchRecord, []types.TaskRecord, error) {
	if len(uploads) == 0 {
		return types.BatchRecord{}, nil, ErrBadUpload("batch contains no files")
	}
	opts = s.normalize(opts)
	tasks := make([]types.TaskRecord, 0, len(uploads))
	unwind := func() {
		for _, t := range tasks {
			s.discard(t.PDFPath)
		}
	}
	for _, up := range uploads {
		rec, err := s.spoolTask(up, opts)
		if err != nil {
			unwind()
			return types.BatchRecord{}, nil, err
		}
		tasks = append(tasks, rec)
	}

	batch := types.BatchRecord{ID: uuid.NewString()}
	for i := range tasks {
		batch.TaskIDs = append(batch.TaskIDs, tasks[i].ID)
	}
	if err := s.sched.SubmitBatch(ctx, batch, tasks); err != nil {
		unwind()
		return types.BatchRecord{}, nil, err
	}
	s.log.Info().Str("batch_id", batch.ID).Int("tasks", len(tasks)).Msg("batch queued")
	return batch, tasks, nil
}

func (s *Service) normalize(opts types.ExtractOptions) types.ExtractOptions {
	if opts.Device == "" || opts.Device == "auto" {
		opts.Device = s.cfg.DefaultDevice
	}
	return opts
}

func (s *Service) spoolTask(up Upload, opts types.ExtractOptions) (types.TaskRecord, error) {
	id := uuid.NewString()
	path, err := s.spool(id, up)
	if err != nil {
		return types.TaskRecord{}, err
	}
	return types.TaskRecord{
		ID:       id,
		Filename: sanitizeFilename(up.Filename),
		PDFPath:  path,
		Stages:   extract.PipelineFor(opts),
		Options:  opts,
	}, nil
}

func (s *Service) discard(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("path", path).Msg("removing spooled upload")
	}
}

// TaskStatus returns the polling view of one task.
func (s *Service) TaskStatus(ctx context.Context, id string) (types.TaskStatusResponse, error) {
	rec, found, err := s.store.GetTask(ctx, id)
	if err != nil {
		return types.TaskStatusResponse{}, err
	}
	if !found {
		return types.TaskStatusResponse{}, ErrNotFound("task", id)
	}
	return types.TaskStatusResponse{
		State:      rec.State,
		StageIndex: rec.StageIndex,
		Stages:     rec.Stages,
		Error:      rec.Error,
		Summary:    rec.Summary,
	}, nil
}

// BatchStatus returns the rollup view of one batch.
func (s *Service) BatchStatus(ctx context.Context, id string) (types.BatchStatusResponse, error) {
	rec, found, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return types.BatchStatusResponse{}, err
	}
	if !found {
		return types.BatchStatusResponse{}, ErrNotFound("batch", id)
	}
	return types.BatchStatusResponse{State: rec.State, Counts: rec.Counts}, nil
}

// TaskResult returns the terminal record for a result read. Non-terminal
// tasks are not ready; the caller keeps polling.
func (s *Service) TaskResult(ctx context.Context, id string) (types.TaskRecord, error) {
	rec, found, err := s.store.GetTask(ctx, id)
	if err != nil {
		return types.TaskRecord{}, err
	}
	if !found {
		return types.TaskRecord{}, ErrNotFound("task", id)
	}
	if !rec.State.Terminal() {
		return types.TaskRecord{}, ErrNotReady(id)
	}
	return rec, nil
}

// BatchResults returns the children of a terminal batch in submission
// order. Per-task results are readable earlier through TaskResult; the
// aggregate view waits for the whole batch.
func (s *Service) BatchResults(ctx context.Context, id string) ([]types.TaskRecord, error) {
	batch, found, err := s.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound("batch", id)
	}
	if batch.State == types.BatchQueued {
		return nil, ErrNotReady(id)
	}
	out := make([]types.TaskRecord, 0, len(batch.TaskIDs))
	for _, taskID := range batch.TaskIDs {
		rec, ok, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Cancel aborts a still-queued task.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.sched.Cancel(ctx, id)
}

// History lists terminal tasks, newest submissions first.
func (s *Service) History(ctx context.Context) ([]types.HistoryItem, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]types.HistoryItem, 0, len(tasks))
	for i := len(tasks) - 1; i >= 0; i-- {
		rec := tasks[i]
		if !rec.State.Terminal() {
			continue
		}
		items = append(items, types.HistoryItem{
			TaskID:      rec.ID,
			State:       rec.State,
			Filename:    rec.Filename,
			SubmittedAt: rec.SubmittedAt.Format(time.RFC3339),
			CompletedAt: rec.CompletedAt.Format(time.RFC3339),
			Summary:     rec.Summary,
		})
	}
	return items, nil
}

// SystemStatus reports queue, worker and residency accounting.
func (s *Service) SystemStatus(ctx context.Context) (types.SystemStatusResponse, error) {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return types.SystemStatusResponse{}, err
	}
	var active []string
	for _, rec := range tasks {
		if rec.State == types.TaskRunning {
			active = append(active, rec.ID)
		}
	}
	return types.SystemStatusResponse{
		QueueDepth:    s.sched.QueueLen(),
		MaxQueueDepth: s.cfg.QueueDepth,
		Workers:       s.cfg.Workers,
		ActiveTasks:   active,
		TrackedTasks:  len(tasks),
		Residency:     s.models.Status(),
		UptimeSeconds: int64(s.now().Sub(s.started).Seconds()),
	}, nil
}

// Models reports the resident model handles.
func (s *Service) Models() types.ModelStatusResponse {
	return types.ModelStatusResponse{Resident: s.models.Status().Resident}
}

// UnloadIdle evicts every idle resident model.
func (s *Service) UnloadIdle() types.CleanupResponse {
	n := s.models.UnloadIdle()
	return types.CleanupResponse{
		Message: fmt.Sprintf("unloaded %d idle model(s)", n),
		Removed: n,
	}
}

// Cleanup purges terminal tasks older than maxAge together with their
// spooled documents and result artifacts.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (types.CleanupResponse, error) {
	cutoff := s.now().Add(-maxAge)
	purged, err := s.store.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		return types.CleanupResponse{}, err
	}
	for _, rec := range purged {
		s.discard(rec.PDFPath)
		s.discard(rec.ResultFile)
	}
	if len(purged) > 0 {
		s.log.Info().Int("tasks", len(purged)).Msg("purged old tasks")
	}
	return types.CleanupResponse{
		Message: fmt.Sprintf("removed %d task(s)", len(purged)),
		Removed: len(purged),
	}, nil
}

// Ready reports whether the store is reachable.
func (s *Service) Ready(ctx context.Context) bool {
	return s.store.Ping(ctx) == nil
}
