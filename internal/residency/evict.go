package residency

// evictUntilFitsLocked removes idle residents, strict LRU with
// insertion-order tie-break, until requiredMB fits under budget + margin.
// Callers hold m.mu; returned victims must be closed after unlocking.
// Models with holders, and entries still loading, are never touched. If
// evicting every idle model still cannot satisfy the budget, nothing is
// evicted and a retryable no-evictable error is returned.
func (m *Manager) evictUntilFitsLocked(requiredMB int) ([]*entry, error) {
	if m.budgetMB <= 0 {
		return nil, nil
	}
	evictable := 0
	for _, e := range m.entries {
		if !e.loading && e.refCount == 0 {
			evictable += e.memMB
		}
	}
	if m.usedMB-evictable+requiredMB+m.marginMB > m.budgetMB {
		return nil, errNoEvictable{requiredMB: requiredMB}
	}

	var victims []*entry
	for m.usedMB+requiredMB+m.marginMB > m.budgetMB {
		var lru *entry
		for _, e := range m.entries {
			if e.loading || e.refCount > 0 {
				continue
			}
			if lru == nil || e.lastUsed.Before(lru.lastUsed) ||
				(e.lastUsed.Equal(lru.lastUsed) && e.seq < lru.seq) {
				lru = e
			}
		}
		if lru == nil {
			// Unreachable given the feasibility check above.
			return victims, errNoEvictable{requiredMB: requiredMB}
		}
		delete(m.entries, lru.key.String())
		m.usedMB -= lru.memMB
		victims = append(victims, lru)
	}
	if len(victims) > 0 {
		m.evictions.Add(uint64(len(victims)))
		evictionsTotal.Add(float64(len(victims)))
	}
	return victims, nil
}
