package residency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeRuntime struct {
	key    ModelKey
	closed bool
	mu     sync.Mutex
}

func (r *fakeRuntime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRuntime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// fakeLoader counts loads per key and remembers created runtimes.
type fakeLoader struct {
	mu       sync.Mutex
	loads    map[string]int
	runtimes []*fakeRuntime
	err      error
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{loads: make(map[string]int)}
}

func (l *fakeLoader) load(ctx context.Context, key ModelKey) (Runtime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.loads[key.String()]++
	rt := &fakeRuntime{key: key}
	l.runtimes = append(l.runtimes, rt)
	return rt, nil
}

func (l *fakeLoader) loadCount(key ModelKey) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads[key.String()]
}

// fakeClock gives each call a strictly increasing timestamp.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newManager(t *testing.T, budgetMB int, loader *fakeLoader) *Manager {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	return New(Config{BudgetMB: budgetMB, Loader: loader.load, Now: clk.now})
}

var molA = ModelKey{Name: "molscribe", Device: "cuda"}
var molB = ModelKey{Name: "rxnscribe", Device: "cuda"}
var molC = ModelKey{Name: "tableformer", Device: "cpu"}

func TestAcquire_ReusesResidentModel(t *testing.T) {
	l := newFakeLoader()
	m := newManager(t, 0, l)
	ctx := context.Background()

	h1, err := m.Acquire(ctx, molA, 100)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h1.Release()
	h2, err := m.Acquire(ctx, molA, 100)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer h2.Release()

	if n := l.loadCount(molA); n != 1 {
		t.Fatalf("expected single load, got %d", n)
	}
}

func TestAcquire_EvictsIdleLRU(t *testing.T) {
	// Scenario: budget fits one model at a time.
	l := newFakeLoader()
	m := newManager(t, 100, l)
	ctx := context.Background()

	hA, err := m.Acquire(ctx, molA, 80)
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	hA.Release()

	hB, err := m.Acquire(ctx, molB, 80)
	if err != nil {
		t.Fatalf("acquire B should evict idle A: %v", err)
	}
	defer hB.Release()

	if !l.runtimes[0].isClosed() {
		t.Fatalf("expected A's runtime closed on eviction")
	}

	// A must load fresh afterwards.
	hB.Release()
	hA2, err := m.Acquire(ctx, molA, 80)
	if err != nil {
		t.Fatalf("reacquire A: %v", err)
	}
	defer hA2.Release()
	if n := l.loadCount(molA); n != 2 {
		t.Fatalf("expected fresh load of A, got %d loads", n)
	}
}

func TestAcquire_NeverEvictsPinned(t *testing.T) {
	l := newFakeLoader()
	m := newManager(t, 100, l)
	ctx := context.Background()

	hA, err := m.Acquire(ctx, molA, 80)
	if err != nil {
		t.Fatalf("acquire A: %v", err)
	}
	defer hA.Release()

	_, err = m.Acquire(ctx, molB, 80)
	if err == nil || !IsNoEvictable(err) {
		t.Fatalf("expected no-evictable error while A pinned, got %v", err)
	}
	if l.runtimes[0].isClosed() {
		t.Fatalf("pinned runtime was closed")
	}

	// Releasing the pin makes the same acquire succeed.
	hA.Release()
	hB, err := m.Acquire(ctx, molB, 80)
	if err != nil {
		t.Fatalf("acquire B after release: %v", err)
	}
	hB.Release()
}

func TestEvict_StrictLRUOrder(t *testing.T) {
	l := newFakeLoader()
	m := newManager(t, 300, l)
	ctx := context.Background()

	for _, k := range []ModelKey{molA, molB, molC} {
		h, err := m.Acquire(ctx, k, 100)
		if err != nil {
			t.Fatalf("acquire %s: %v", k, err)
		}
		h.Release()
	}
	// Touch A so B becomes the oldest.
	h, err := m.Acquire(ctx, molA, 100)
	if err != nil {
		t.Fatalf("touch A: %v", err)
	}
	h.Release()

	big := ModelKey{Name: "decimer", Device: "cuda"}
	hBig, err := m.Acquire(ctx, big, 100)
	if err != nil {
		t.Fatalf("acquire big: %v", err)
	}
	defer hBig.Release()

	if !l.runtimes[1].isClosed() {
		t.Fatalf("expected B (least recently used) evicted")
	}
	if l.runtimes[0].isClosed() || l.runtimes[2].isClosed() {
		t.Fatalf("wrong victim evicted")
	}
}

func TestAcquire_LoaderErrorNotCached(t *testing.T) {
	l := newFakeLoader()
	l.err = errors.New("weights missing")
	m := newManager(t, 0, l)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, molA, 10); err == nil {
		t.Fatalf("expected loader error")
	}
	// Later attempts retry the load instead of returning a cached failure.
	l.mu.Lock()
	l.err = nil
	l.mu.Unlock()
	h, err := m.Acquire(ctx, molA, 10)
	if err != nil {
		t.Fatalf("acquire after loader recovery: %v", err)
	}
	h.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	l := newFakeLoader()
	m := newManager(t, 100, l)
	ctx := context.Background()

	h, err := m.Acquire(ctx, molA, 80)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Release()
	h.Release() // double release must not underflow the ref count

	st := m.Status()
	if len(st.Resident) != 1 || st.Resident[0].RefCount != 0 {
		t.Fatalf("unexpected status after double release: %+v", st)
	}
}

func TestUnloadIdle(t *testing.T) {
	l := newFakeLoader()
	m := newManager(t, 0, l)
	ctx := context.Background()

	hA, _ := m.Acquire(ctx, molA, 10)
	hB, _ := m.Acquire(ctx, molB, 10)
	hA.Release()

	if n := m.UnloadIdle(); n != 1 {
		t.Fatalf("expected 1 idle model unloaded, got %d", n)
	}
	st := m.Status()
	if len(st.Resident) != 1 || st.Resident[0].ModelKey != molB.String() {
		t.Fatalf("expected only pinned B resident: %+v", st)
	}
	hB.Release()
}

func TestStatus_Accounting(t *testing.T) {
	l := newFakeLoader()
	m := newManager(t, 500, l)
	ctx := context.Background()

	h, err := m.Acquire(ctx, molA, 120)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()

	st := m.Status()
	if st.BudgetMB != 500 || st.UsedMB != 120 || st.Loads != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if len(st.Resident) != 1 || st.Resident[0].RefCount != 1 {
		t.Fatalf("unexpected resident list: %+v", st.Resident)
	}
}

// Concurrent acquire/release churn must never close a runtime while a
// handle still references it.
func TestConcurrentAcquireRelease_NeverEvictsHeld(t *testing.T) {
	l := newFakeLoader()
	m := newManager(t, 200, l)
	keys := []ModelKey{molA, molB, molC}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ctx := context.Background()
			for i := 0; i < 50; i++ {
				key := keys[(w+i)%len(keys)]
				h, err := m.Acquire(ctx, key, 90)
				if err != nil {
					if IsNoEvictable(err) {
						continue
					}
					t.Errorf("acquire %s: %v", key, err)
					return
				}
				rt := h.Runtime().(*fakeRuntime)
				if rt.isClosed() {
					t.Errorf("acquired a closed runtime for %s", key)
					h.Release()
					return
				}
				h.Release()
			}
		}(w)
	}
	wg.Wait()
}
