package stage

import (
	"context"

	"chemd/pkg/types"
)

// Runtime is an opaque loaded model handed to stages that declared a
// ModelKey. The residency manager owns the underlying instance; stages
// only borrow it for the duration of one Run.
type Runtime any

// Capability declares what a stage needs to run.
type Capability struct {
	// ModelKey is the logical model name the stage needs resident, empty
	// for pure CPU stages.
	ModelKey string
	// Device the model should be loaded on (cpu, cuda).
	Device string
	// MemMB is the estimated memory footprint of the model.
	MemMB int
	// Enhancement marks non-essential stages: they may declare a
	// secondary implementation, and their failure can be absorbed by it.
	// Essential stages have no fallback and fail the task.
	Enhancement bool
}

// Document carries one task's pipeline state across stages. Each stage
// reads the artifacts of earlier stages and records its own under its id.
type Document struct {
	TaskID  string
	PDFPath string
	Options types.ExtractOptions

	// Model is set by the scheduler before a stage with a ModelKey runs
	// and cleared after.
	Model Runtime

	// Artifacts accumulates per-stage outputs, keyed by stage id.
	Artifacts map[string]any

	// ResultFile and Summary are populated by the terminal assemble stage.
	ResultFile string
	Summary    *types.ResultSummary
}

// NewDocument builds an empty document for a task.
func NewDocument(taskID, pdfPath string, opts types.ExtractOptions) *Document {
	return &Document{
		TaskID:    taskID,
		PDFPath:   pdfPath,
		Options:   opts,
		Artifacts: make(map[string]any),
	}
}

// Stage is one unit of pipeline work. Run must be idempotent: the
// scheduler re-runs stages from the start after a crash recovery.
type Stage interface {
	ID() string
	Capability() Capability
	Run(ctx context.Context, doc *Document) error
}

// Func adapts a function to a Stage; used in tests and for small CPU
// stages that need no state.
type Func struct {
	StageID string
	Cap     Capability
	Fn      func(ctx context.Context, doc *Document) error
}

func (f Func) ID() string             { return f.StageID }
func (f Func) Capability() Capability { return f.Cap }
func (f Func) Run(ctx context.Context, doc *Document) error {
	return f.Fn(ctx, doc)
}
