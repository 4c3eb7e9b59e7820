// Package store persists task and batch records for polling clients and
// crash recovery. The scheduler is the only writer of task state; the
// HTTP layer reads. Implementations: in-memory (default) and Redis.
package store

import (
	"context"
	"time"

	"chemd/pkg/types"
)

type Store interface {
	CreateTask(ctx context.Context, rec types.TaskRecord) error
	GetTask(ctx context.Context, id string) (types.TaskRecord, bool, error)
	UpdateTask(ctx context.Context, rec types.TaskRecord) error
	// ListTasks returns every tracked task, newest submissions last.
	ListTasks(ctx context.Context) ([]types.TaskRecord, error)

	CreateBatch(ctx context.Context, rec types.BatchRecord) error
	GetBatch(ctx context.Context, id string) (types.BatchRecord, bool, error)
	UpdateBatch(ctx context.Context, rec types.BatchRecord) error

	// PurgeTerminalBefore removes terminal tasks (and batches) completed
	// before cutoff and returns the removed tasks so callers can delete
	// their artifacts.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) ([]types.TaskRecord, error)

	Ping(ctx context.Context) error
	Close() error
}
