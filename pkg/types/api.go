package types

import "encoding/json"

// UploadResponse is returned by POST /upload/.
type UploadResponse struct {
	TaskID string `json:"task_id"`
}

// BatchUploadResponse is returned by POST /upload/batch/.
type BatchUploadResponse struct {
	BatchID string   `json:"batch_id"`
	TaskIDs []string `json:"task_ids"`
}

// TaskStatusResponse is returned by GET /status/{task_id}.
type TaskStatusResponse struct {
	State      TaskState      `json:"state"`
	StageIndex int            `json:"stage_index"`
	Stages     []string       `json:"stages"`
	Error      *TaskError     `json:"error,omitempty"`
	Summary    *ResultSummary `json:"summary,omitempty"`
}

// BatchStatusResponse is returned by GET /status/batch/{batch_id}.
type BatchStatusResponse struct {
	State  BatchState  `json:"state"`
	Counts BatchCounts `json:"counts"`
}

// HistoryItem is one entry of GET /history.
type HistoryItem struct {
	TaskID      string         `json:"task_id"`
	State       TaskState      `json:"state"`
	Filename    string         `json:"filename"`
	SubmittedAt string         `json:"submitted_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
	Summary     *ResultSummary `json:"summary,omitempty"`
}

// TaskResultEntry is one child of GET /results/batch/{batch_id}. Result
// holds the inlined artifact for completed tasks.
type TaskResultEntry struct {
	TaskID  string          `json:"task_id"`
	State   TaskState       `json:"state"`
	Error   *TaskError      `json:"error,omitempty"`
	Summary *ResultSummary  `json:"summary,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// BatchResultsResponse is returned by GET /results/batch/{batch_id}.
type BatchResultsResponse struct {
	BatchID string            `json:"batch_id"`
	State   BatchState        `json:"state"`
	Tasks   []TaskResultEntry `json:"tasks"`
}

// ResidentModel summarizes one loaded model handle for /system/models.
type ResidentModel struct {
	ModelKey string `json:"model_key"`
	MemMB    int    `json:"mem_mb"`
	RefCount int    `json:"ref_count"`
	LastUsed int64  `json:"last_used_unix"`
}

// ResidencyStatus is the budget accounting block of /system/status.
type ResidencyStatus struct {
	BudgetMB  int             `json:"budget_mb"`
	MarginMB  int             `json:"margin_mb"`
	UsedMB    int             `json:"used_est_mb"`
	Loads     uint64          `json:"loads_total"`
	Evictions uint64          `json:"evictions_total"`
	Resident  []ResidentModel `json:"resident"`
}

// SystemStatusResponse is returned by GET /system/status.
type SystemStatusResponse struct {
	QueueDepth    int             `json:"queue_depth"`
	MaxQueueDepth int             `json:"max_queue_depth"`
	Workers       int             `json:"workers"`
	ActiveTasks   []string        `json:"active_tasks"`
	TrackedTasks  int             `json:"tracked_tasks"`
	Residency     ResidencyStatus `json:"residency"`
	UptimeSeconds int64           `json:"uptime_seconds"`
}

// ModelStatusResponse is returned by GET /system/models.
type ModelStatusResponse struct {
	Resident []ResidentModel `json:"resident"`
}

// CleanupResponse is returned by POST /system/cleanup and
// POST /system/models/unload.
type CleanupResponse struct {
	Message string `json:"message"`
	Removed int    `json:"removed"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
