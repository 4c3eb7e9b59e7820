package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chemd/internal/registry"
	"chemd/internal/residency"
	"chemd/internal/stage"
	"chemd/internal/store"
	"chemd/pkg/types"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func okStage(id string) stage.Stage {
	return stage.Func{StageID: id, Fn: func(ctx context.Context, doc *stage.Document) error {
		doc.Artifacts[id] = true
		return nil
	}}
}

func newTestScheduler(t *testing.T, cfg Config, reg *registry.Registry, loader residency.LoadFunc) (*Scheduler, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	models := residency.New(residency.Config{BudgetMB: 1000, Loader: loader, Logger: zerolog.Nop()})
	cfg.Logger = zerolog.Nop()
	s := New(cfg, st, reg, models)
	s.Start()
	t.Cleanup(s.Close)
	return s, st
}

func task(id string, stages ...string) types.TaskRecord {
	return types.TaskRecord{ID: id, Filename: id + ".pdf", PDFPath: "/tmp/" + id + ".pdf", Stages: stages}
}

func getTask(t *testing.T, st store.Store, id string) types.TaskRecord {
	t.Helper()
	rec, found, err := st.GetTask(context.Background(), id)
	if err != nil || !found {
		t.Fatalf("GetTask(%s): found=%v err=%v", id, found, err)
	}
	return rec
}

func taskTerminal(st store.Store, id string) func() bool {
	return func() bool {
		rec, found, _ := st.GetTask(context.Background(), id)
		return found && rec.State.Terminal()
	}
}

func TestSubmit_RunsToCompletion(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(okStage("decode"))
	reg.MustRegister(stage.Func{StageID: "assemble", Fn: func(ctx context.Context, doc *stage.Document) error {
		doc.ResultFile = "/tmp/" + doc.TaskID + "_results.json"
		doc.Summary = &types.ResultSummary{Molecules: 4}
		return nil
	}})
	s, st := newTestScheduler(t, Config{Workers: 1}, reg, nil)

	if err := s.Submit(context.Background(), task("t1", "decode", "assemble")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, taskTerminal(st, "t1"))

	rec := getTask(t, st, "t1")
	if rec.State != types.TaskCompleted {
		t.Fatalf("state = %s, want completed (err=%+v)", rec.State, rec.Error)
	}
	if rec.StageIndex != 2 {
		t.Fatalf("stage index = %d, want 2", rec.StageIndex)
	}
	if rec.ResultFile == "" || rec.Summary == nil || rec.Summary.Molecules != 4 {
		t.Fatalf("result not carried to record: %+v", rec)
	}
	if rec.StartedAt.IsZero() || rec.CompletedAt.Before(rec.StartedAt) {
		t.Fatalf("timestamps not ordered: %+v", rec)
	}
}

func TestBatch_PartialFailureRollsUp(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(stage.Func{StageID: "extract", Fn: func(ctx context.Context, doc *stage.Document) error {
		if doc.TaskID == "b2" {
			return errors.New("corrupt page tree")
		}
		return nil
	}})
	s, st := newTestScheduler(t, Config{Workers: 2}, reg, nil)

	batch := types.BatchRecord{ID: "batch1", TaskIDs: []string{"b1", "b2", "b3"}}
	tasks := []types.TaskRecord{task("b1", "extract"), task("b2", "extract"), task("b3", "extract")}
	if err := s.SubmitBatch(context.Background(), batch, tasks); err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		b, found, _ := st.GetBatch(context.Background(), "batch1")
		return found && b.State != types.BatchQueued
	})

	b, _, _ := st.GetBatch(context.Background(), "batch1")
	if b.State != types.BatchPartiallyFailed {
		t.Fatalf("batch state = %s, want partially_failed", b.State)
	}
	want := types.BatchCounts{Total: 3, Completed: 2, Failed: 1}
	if b.Counts != want {
		t.Fatalf("counts = %+v, want %+v", b.Counts, want)
	}
	if b.CompletedAt.IsZero() {
		t.Fatalf("terminal batch missing completed_at")
	}
	failed := getTask(t, st, "b2")
	if failed.Error == nil || failed.Error.Kind != types.ErrKindStageFailure || failed.Error.Stage != "extract" {
		t.Fatalf("failed child error = %+v", failed.Error)
	}
}

func TestSubmit_CapacityExceededLeavesNoRecord(t *testing.T) {
	release := make(chan struct{})
	reg := registry.New()
	reg.MustRegister(stage.Func{StageID: "block", Fn: func(ctx context.Context, doc *stage.Document) error {
		<-release
		return nil
	}})
	s, st := newTestScheduler(t, Config{Workers: 1, QueueDepth: 2}, reg, nil)
	defer close(release)

	if err := s.Submit(context.Background(), task("c0", "block")); err != nil {
		t.Fatalf("Submit c0: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Active() == 1 && s.QueueLen() == 0 })

	for _, id := range []string{"c1", "c2"} {
		if err := s.Submit(context.Background(), task(id, "block")); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}

	err := s.Submit(context.Background(), task("c3", "block"))
	if !IsCapacityExceeded(err) {
		t.Fatalf("err = %v, want capacity exceeded", err)
	}
	if _, found, _ := st.GetTask(context.Background(), "c3"); found {
		t.Fatalf("rejected submission left a record behind")
	}
	if s.QueueLen() != 2 {
		t.Fatalf("queue len = %d, want 2", s.QueueLen())
	}
}

func TestBatch_CapacityIsAllOrNothing(t *testing.T) {
	release := make(chan struct{})
	reg := registry.New()
	reg.MustRegister(stage.Func{StageID: "block", Fn: func(ctx context.Context, doc *stage.Document) error {
		<-release
		return nil
	}})
	s, st := newTestScheduler(t, Config{Workers: 1, QueueDepth: 2}, reg, nil)
	defer close(release)

	if err := s.Submit(context.Background(), task("c0", "block")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Active() == 1 })
	if err := s.Submit(context.Background(), task("c1", "block")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	batch := types.BatchRecord{ID: "big", TaskIDs: []string{"d1", "d2"}}
	err := s.SubmitBatch(context.Background(), batch, []types.TaskRecord{task("d1", "block"), task("d2", "block")})
	if !IsCapacityExceeded(err) {
		t.Fatalf("err = %v, want capacity exceeded", err)
	}
	if _, found, _ := st.GetBatch(context.Background(), "big"); found {
		t.Fatalf("rejected batch left a record behind")
	}
	for _, id := range []string{"d1", "d2"} {
		if _, found, _ := st.GetTask(context.Background(), id); found {
			t.Fatalf("rejected batch left task %s behind", id)
		}
	}
}

func TestEnhancement_FallbackCompletesTask(t *testing.T) {
	var primaryCalls atomic.Int32
	primary := stage.Func{StageID: "rgroup", Cap: stage.Capability{Enhancement: true}, Fn: func(ctx context.Context, doc *stage.Document) error {
		primaryCalls.Add(1)
		return stage.ErrUnavailable("llm endpoint down")
	}}
	secondary := stage.Func{StageID: "rgroup-rules", Fn: func(ctx context.Context, doc *stage.Document) error {
		doc.Artifacts["rgroup"] = "rule-based"
		return nil
	}}
	events := stage.NewMemoryPublisher()
	retry := stage.RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	reg := registry.New()
	reg.MustRegister(stage.NewFallback(primary, secondary, retry, 0, events))
	s, st := newTestScheduler(t, Config{Workers: 1}, reg, nil)

	if err := s.Submit(context.Background(), task("f1", "rgroup")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, taskTerminal(st, "f1"))

	rec := getTask(t, st, "f1")
	if rec.State != types.TaskCompleted {
		t.Fatalf("state = %s, want completed (err=%+v)", rec.State, rec.Error)
	}
	if got := primaryCalls.Load(); got != 2 {
		t.Fatalf("primary attempts = %d, want 2", got)
	}
	if evs := events.Events(); len(evs) != 1 || evs[0].Stage != "rgroup" {
		t.Fatalf("events = %+v, want one for rgroup", evs)
	}
}

func TestEnhancement_ExhaustedFailsTask(t *testing.T) {
	primary := stage.Func{StageID: "rgroup", Cap: stage.Capability{Enhancement: true}, Fn: func(ctx context.Context, doc *stage.Document) error {
		return stage.ErrUnavailable("llm endpoint down")
	}}
	secondary := stage.Func{StageID: "rgroup-rules", Fn: func(ctx context.Context, doc *stage.Document) error {
		return errors.New("rules engine broken")
	}}
	retry := stage.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}

	reg := registry.New()
	reg.MustRegister(stage.NewFallback(primary, secondary, retry, 0, stage.NopPublisher{}))
	s, st := newTestScheduler(t, Config{Workers: 1}, reg, nil)

	if err := s.Submit(context.Background(), task("f2", "rgroup")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, taskTerminal(st, "f2"))

	rec := getTask(t, st, "f2")
	if rec.State != types.TaskFailed {
		t.Fatalf("state = %s, want failed", rec.State)
	}
	if rec.Error == nil || rec.Error.Kind != types.ErrKindFallbackExhausted || rec.Error.Stage != "rgroup" {
		t.Fatalf("error = %+v, want fallback_exhausted at rgroup", rec.Error)
	}
}

func TestStageFailure_SkipsLaterStages(t *testing.T) {
	var laterRan atomic.Bool
	reg := registry.New()
	reg.MustRegister(stage.Func{StageID: "broken", Fn: func(ctx context.Context, doc *stage.Document) error {
		return errors.New("boom")
	}})
	reg.MustRegister(stage.Func{StageID: "later", Fn: func(ctx context.Context, doc *stage.Document) error {
		laterRan.Store(true)
		return nil
	}})
	s, st := newTestScheduler(t, Config{Workers: 1}, reg, nil)

	if err := s.Submit(context.Background(), task("t1", "broken", "later")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, taskTerminal(st, "t1"))

	rec := getTask(t, st, "t1")
	if rec.State != types.TaskFailed || rec.Error == nil || rec.Error.Kind != types.ErrKindStageFailure {
		t.Fatalf("record = %+v", rec)
	}
	if rec.StageIndex != 0 {
		t.Fatalf("stage index = %d, want 0", rec.StageIndex)
	}
	if laterRan.Load() {
		t.Fatalf("stage after the failure still ran")
	}
}

func TestPanickingStageFailsTaskNotWorker(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(stage.Func{StageID: "panics", Fn: func(ctx context.Context, doc *stage.Document) error {
		panic("index out of range")
	}})
	reg.MustRegister(okStage("fine"))
	s, st := newTestScheduler(t, Config{Workers: 1}, reg, nil)

	if err := s.Submit(context.Background(), task("p1", "panics")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, taskTerminal(st, "p1"))
	if rec := getTask(t, st, "p1"); rec.State != types.TaskFailed {
		t.Fatalf("state = %s, want failed", rec.State)
	}

	// The worker must survive the panic and keep serving.
	if err := s.Submit(context.Background(), task("p2", "fine")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, taskTerminal(st, "p2"))
	if rec := getTask(t, st, "p2"); rec.State != types.TaskCompleted {
		t.Fatalf("state = %s, want completed", rec.State)
	}
}

func TestCancel_QueuedOnly(t *testing.T) {
	release := make(chan struct{})
	reg := registry.New()
	reg.MustRegister(stage.Func{StageID: "block", Fn: func(ctx context.Context, doc *stage.Document) error {
		<-release
		return nil
	}})
	s, st := newTestScheduler(t, Config{Workers: 1}, reg, nil)

	if err := s.Submit(context.Background(), task("run", "block")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return s.Active() == 1 })
	if err := s.Submit(context.Background(), task("wait", "block")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := s.Cancel(context.Background(), "wait"); err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	rec := getTask(t, st, "wait")
	if rec.State != types.TaskFailed || rec.Error == nil || rec.Error.Kind != types.ErrKindCanceled {
		t.Fatalf("canceled record = %+v", rec)
	}

	if err := s.Cancel(context.Background(), "run"); !IsNotCancelable(err) {
		t.Fatalf("Cancel running = %v, want not cancelable", err)
	}
	if err := s.Cancel(context.Background(), "ghost"); !IsNotFound(err) {
		t.Fatalf("Cancel unknown = %v, want not found", err)
	}

	close(release)
	waitFor(t, 2*time.Second, taskTerminal(st, "run"))
	if err := s.Cancel(context.Background(), "run"); !IsNotCancelable(err) {
		t.Fatalf("Cancel terminal = %v, want not cancelable", err)
	}
}

func TestFIFO_SingleWorkerPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	reg := registry.New()
	reg.MustRegister(stage.Func{StageID: "record", Fn: func(ctx context.Context, doc *stage.Document) error {
		mu.Lock()
		order = append(order, doc.TaskID)
		mu.Unlock()
		return nil
	}})
	s, st := newTestScheduler(t, Config{Workers: 1, QueueDepth: 16}, reg, nil)

	ids := []string{"o1", "o2", "o3", "o4", "o5"}
	for _, id := range ids {
		if err := s.Submit(context.Background(), task(id, "record")); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}
	for _, id := range ids {
		waitFor(t, 2*time.Second, taskTerminal(st, id))
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if order[i] != id {
			t.Fatalf("execution order = %v, want %v", order, ids)
		}
	}
}

func TestModelStage_BorrowsAndReleases(t *testing.T) {
	var loads atomic.Int32
	loader := func(ctx context.Context, key residency.ModelKey) (residency.Runtime, error) {
		loads.Add(1)
		return closerFunc(func() error { return nil }), nil
	}
	reg := registry.New()
	reg.MustRegister(stage.Func{
		StageID: "molecules",
		Cap:     stage.Capability{ModelKey: "molscribe", Device: "cpu", MemMB: 100},
		Fn: func(ctx context.Context, doc *stage.Document) error {
			if doc.Model == nil {
				return errors.New("model not borrowed")
			}
			return nil
		},
	})
	s, st := newTestScheduler(t, Config{Workers: 2}, reg, loader)

	for _, id := range []string{"m1", "m2", "m3"} {
		if err := s.Submit(context.Background(), task(id, "molecules")); err != nil {
			t.Fatalf("Submit %s: %v", id, err)
		}
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		waitFor(t, 2*time.Second, taskTerminal(st, id))
		if rec := getTask(t, st, id); rec.State != types.TaskCompleted {
			t.Fatalf("%s state = %s (err=%+v)", id, rec.State, rec.Error)
		}
	}
	if got := loads.Load(); got != 1 {
		t.Fatalf("loader calls = %d, want 1 (model should stay resident)", got)
	}
}

func TestRecover_RequeuesRunningFromFirstStage(t *testing.T) {
	var mu sync.Mutex
	ran := map[string][]int{}
	reg := registry.New()
	for i, id := range []string{"s0", "s1", "s2"} {
		i := i
		sid := id
		reg.MustRegister(stage.Func{StageID: sid, Fn: func(ctx context.Context, doc *stage.Document) error {
			mu.Lock()
			ran[doc.TaskID] = append(ran[doc.TaskID], i)
			mu.Unlock()
			return nil
		}})
	}

	st := store.NewMemoryStore()
	crashed := task("r1", "s0", "s1", "s2")
	crashed.State = types.TaskRunning
	crashed.StageIndex = 2
	crashed.SubmittedAt = time.Now()
	if err := st.CreateTask(context.Background(), crashed); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	waiting := task("r2", "s0", "s1", "s2")
	waiting.State = types.TaskQueued
	waiting.SubmittedAt = time.Now()
	if err := st.CreateTask(context.Background(), waiting); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	models := residency.New(residency.Config{Logger: zerolog.Nop()})
	s := New(Config{Workers: 1, Logger: zerolog.Nop()}, st, reg, models)
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	s.Start()
	defer s.Close()

	for _, id := range []string{"r1", "r2"} {
		waitFor(t, 2*time.Second, taskTerminal(st, id))
		if rec := getTask(t, st, id); rec.State != types.TaskCompleted {
			t.Fatalf("%s state = %s (err=%+v)", id, rec.State, rec.Error)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	// The interrupted task restarts from the first stage, not where it died.
	if got := ran["r1"]; len(got) != 3 || got[0] != 0 {
		t.Fatalf("recovered task ran stages %v, want [0 1 2]", got)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
