package residency

import "strconv"

// errNoEvictable signals that every resident model is pinned and the
// budget cannot be satisfied. Retryable: holders will release.
type errNoEvictable struct{ requiredMB int }

func (e errNoEvictable) Error() string {
	return "no evictable model: need " + strconv.Itoa(e.requiredMB) + " MB but all residents are in use"
}

// IsNoEvictable reports whether err indicates all models are pinned.
func IsNoEvictable(err error) bool {
	_, ok := err.(errNoEvictable)
	return ok
}
