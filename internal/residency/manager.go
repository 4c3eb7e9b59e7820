package residency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"chemd/pkg/types"
)

// Runtime is a loaded model instance. The manager exclusively owns it;
// stages borrow it through a Handle and must release when done.
type Runtime interface {
	Close() error
}

// LoadFunc loads a model into memory. It is the expensive collaborator
// call this package exists to amortize.
type LoadFunc func(ctx context.Context, key ModelKey) (Runtime, error)

// ModelKey identifies a loadable model: logical name plus device.
type ModelKey struct {
	Name   string
	Device string
}

func (k ModelKey) String() string { return k.Name + "@" + k.Device }

// entry is one resident (or loading) model.
type entry struct {
	key      ModelKey
	rt       Runtime
	memMB    int
	refCount int
	lastUsed time.Time
	// seq is insertion order; the eviction tie-break when lastUsed is equal.
	seq uint64
	// loading entries hold a budget reservation but no runtime yet;
	// ready is closed once the load settles (rt or loadErr populated).
	loading bool
	ready   chan struct{}
	loadErr error
}

// Config holds Manager construction parameters.
type Config struct {
	// BudgetMB bounds the summed footprint of resident models; 0 means
	// unlimited.
	BudgetMB int
	// MarginMB is kept free below the budget.
	MarginMB int
	Loader   LoadFunc
	// Now is the clock source for last_used stamps; tests inject a fake.
	Now    func() time.Time
	Logger zerolog.Logger
}

// Manager bounds model memory usage while maximizing reuse of
// expensive-to-load models. Not resident on acquire means load, evicting
// least-recently-used idle models first when the budget demands it.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	usedMB  int
	seq     uint64

	budgetMB int
	marginMB int
	loader   LoadFunc
	now      func() time.Time
	log      zerolog.Logger

	loads     atomic.Uint64
	evictions atomic.Uint64
}

func New(cfg Config) *Manager {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		entries:  make(map[string]*entry),
		budgetMB: cfg.BudgetMB,
		marginMB: cfg.MarginMB,
		loader:   cfg.Loader,
		now:      cfg.Now,
		log:      cfg.Logger,
	}
}

// Handle is a borrowed, time-bounded reference to a resident model.
type Handle struct {
	mgr      *Manager
	key      ModelKey
	rt       Runtime
	released atomic.Bool
}

func (h *Handle) Key() ModelKey    { return h.key }
func (h *Handle) Runtime() Runtime { return h.rt }

// Release returns the borrow. Idempotent; releasing never evicts
// synchronously, eviction stays lazy to avoid thrashing on quick reuse.
func (h *Handle) Release() {
	if h == nil || h.released.Swap(true) {
		return
	}
	h.mgr.release(h.key)
}

// Acquire returns a handle on the model, loading it first if necessary.
// A resident model just gets its ref count bumped and last-used stamp
// refreshed. When loading would exceed the budget, idle residents are
// evicted oldest-first; if everything left is pinned the call fails with
// a retryable no-evictable-model error.
func (m *Manager) Acquire(ctx context.Context, key ModelKey, memMB int) (*Handle, error) {
	if memMB <= 0 {
		memMB = 1
	}
	k := key.String()
	for {
		m.mu.Lock()
		if e, ok := m.entries[k]; ok {
			if !e.loading {
				e.refCount++
				e.lastUsed = m.now()
				h := &Handle{mgr: m, key: key, rt: e.rt}
				m.mu.Unlock()
				return h, nil
			}
			ready := e.ready
			m.mu.Unlock()
			select {
			case <-ready:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			m.mu.Lock()
			if e2, ok := m.entries[k]; ok && e2 == e && e.loadErr == nil {
				e.refCount++
				e.lastUsed = m.now()
				h := &Handle{mgr: m, key: key, rt: e.rt}
				m.mu.Unlock()
				return h, nil
			}
			if e.loadErr != nil {
				m.mu.Unlock()
				return nil, e.loadErr
			}
			// Entry was evicted between load and reacquire; start over.
			m.mu.Unlock()
			continue
		}

		// Not resident: make room, reserve, then load outside the lock.
		victims, err := m.evictUntilFitsLocked(memMB)
		if err != nil {
			m.mu.Unlock()
			closeRuntimes(victims)
			return nil, err
		}
		e := &entry{
			key:      key,
			memMB:    memMB,
			lastUsed: m.now(),
			seq:      m.seq,
			loading:  true,
			ready:    make(chan struct{}),
		}
		m.seq++
		m.entries[k] = e
		m.usedMB += memMB
		m.mu.Unlock()

		closeRuntimes(victims)

		rt, loadErr := m.loader(ctx, key)

		m.mu.Lock()
		if loadErr != nil {
			delete(m.entries, k)
			m.usedMB -= e.memMB
			e.loadErr = loadErr
			close(e.ready)
			m.mu.Unlock()
			return nil, loadErr
		}
		e.rt = rt
		e.loading = false
		e.refCount = 1
		e.lastUsed = m.now()
		close(e.ready)
		m.mu.Unlock()

		m.loads.Add(1)
		loadsTotal.Inc()
		m.updateGauges()
		m.log.Debug().Str("model", k).Int("mem_mb", memMB).Msg("model loaded")
		return &Handle{mgr: m, key: key, rt: rt}, nil
	}
}

func (m *Manager) release(key ModelKey) {
	m.mu.Lock()
	if e, ok := m.entries[key.String()]; ok && e.refCount > 0 {
		e.refCount--
	}
	m.mu.Unlock()
}

// UnloadIdle evicts every resident model with no holders and returns how
// many were removed.
func (m *Manager) UnloadIdle() int {
	m.mu.Lock()
	var victims []*entry
	for k, e := range m.entries {
		if e.loading || e.refCount > 0 {
			continue
		}
		delete(m.entries, k)
		m.usedMB -= e.memMB
		victims = append(victims, e)
	}
	m.mu.Unlock()

	closeRuntimes(victims)
	m.evictions.Add(uint64(len(victims)))
	evictionsTotal.Add(float64(len(victims)))
	m.updateGauges()
	return len(victims)
}

// Close evicts everything, pinned or not. Only for process shutdown.
func (m *Manager) Close() error {
	m.mu.Lock()
	var victims []*entry
	for k, e := range m.entries {
		if e.loading {
			continue
		}
		delete(m.entries, k)
		m.usedMB -= e.memMB
		victims = append(victims, e)
	}
	m.mu.Unlock()
	closeRuntimes(victims)
	m.updateGauges()
	return nil
}

// Status reports current residency accounting for the system API.
func (m *Manager) Status() types.ResidencyStatus {
	m.mu.Lock()
	resident := make([]types.ResidentModel, 0, len(m.entries))
	for _, e := range m.entries {
		if e.loading {
			continue
		}
		resident = append(resident, types.ResidentModel{
			ModelKey: e.key.String(),
			MemMB:    e.memMB,
			RefCount: e.refCount,
			LastUsed: e.lastUsed.Unix(),
		})
	}
	st := types.ResidencyStatus{
		BudgetMB:  m.budgetMB,
		MarginMB:  m.marginMB,
		UsedMB:    m.usedMB,
		Loads:     m.loads.Load(),
		Evictions: m.evictions.Load(),
		Resident:  resident,
	}
	m.mu.Unlock()
	return st
}

func closeRuntimes(victims []*entry) {
	for _, v := range victims {
		if v.rt != nil {
			_ = v.rt.Close()
		}
	}
}
