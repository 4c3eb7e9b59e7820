package types

import "time"

// TaskState is the lifecycle state of a single document task.
type TaskState string

const (
	TaskQueued    TaskState = "queued"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// BatchState is the derived rollup state of a batch submission.
type BatchState string

const (
	BatchQueued          BatchState = "queued"
	BatchCompleted       BatchState = "completed"
	BatchPartiallyFailed BatchState = "partially_failed"
	BatchFailed          BatchState = "failed"
)

// Error kinds recorded on failed tasks.
const (
	ErrKindStageFailure      = "stage_failure"
	ErrKindFallbackExhausted = "fallback_exhausted"
	ErrKindCanceled          = "canceled"
)

// TaskError describes why a task reached the failed state.
type TaskError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// ExtractOptions are the per-document extraction knobs carried from upload
// to the pipeline stages.
type ExtractOptions struct {
	// Compute device: auto, cpu or cuda.
	Device string `json:"device"`
	// Include rendered crops of detected figures in the result.
	OutputImages bool `json:"output_images"`
	// Include bounding boxes for detected entities.
	OutputBBox bool `json:"output_bbox"`
	// Run the molecule coreference stage.
	ExtractCorefs bool `json:"extract_corefs"`
	// Run the LLM R-group enhancement stage.
	LLMEnhance bool `json:"llm_enhance"`
}

// ResultSummary is the compact projection of a completed extraction kept on
// the task record for history/status views; the full document lives in the
// result artifact.
type ResultSummary struct {
	Molecules         int     `json:"molecules"`
	Reactions         int     `json:"reactions"`
	Figures           int     `json:"figures"`
	Tables            int     `json:"tables"`
	QualityScore      float64 `json:"quality_score"`
	ProcessingSeconds float64 `json:"processing_seconds"`
}

// TaskRecord is the durable record of one document's trip through the
// pipeline. It is mutated only by the scheduler worker that owns the task.
type TaskRecord struct {
	ID       string `json:"id"`
	BatchID  string `json:"batch_id,omitempty"`
	Filename string `json:"filename"`
	PDFPath  string `json:"pdf_path"`

	Stages     []string  `json:"stages"`
	StageIndex int       `json:"stage_index"`
	State      TaskState `json:"state"`

	Options ExtractOptions `json:"options"`

	// ResultFile and Summary are set only on completed; Error only on failed.
	ResultFile string         `json:"result_file,omitempty"`
	Summary    *ResultSummary `json:"summary,omitempty"`
	Error      *TaskError     `json:"error,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// BatchCounts is the rollup of child task states. Total always equals the
// number of task ids and the sum of the other buckets.
type BatchCounts struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
	Queued     int `json:"queued"`
}

// BatchRecord groups tasks submitted together. TaskIDs keeps submission
// order and is fixed at creation; State and Counts are recomputed from the
// children, never mutated independently.
type BatchRecord struct {
	ID          string      `json:"id"`
	TaskIDs     []string    `json:"task_ids"`
	State       BatchState  `json:"state"`
	Counts      BatchCounts `json:"counts"`
	SubmittedAt time.Time   `json:"submitted_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
}
