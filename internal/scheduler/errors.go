package scheduler

// capacityExceededError signals that the pending queue is full. The
// submission left no trace; clients should back off and retry.
type capacityExceededError struct{ depth int }

func (e capacityExceededError) Error() string {
	return "queue capacity exceeded"
}

// ErrCapacityExceeded constructs the backpressure rejection error.
func ErrCapacityExceeded(depth int) error { return capacityExceededError{depth: depth} }

// IsCapacityExceeded reports whether err is a queue-full rejection.
func IsCapacityExceeded(err error) bool {
	_, ok := err.(capacityExceededError)
	return ok
}

// notFoundError signals an unknown task or batch id.
type notFoundError struct{ id string }

func (e notFoundError) Error() string { return "task not found: " + e.id }

// ErrNotFound constructs an unknown-id error.
func ErrNotFound(id string) error { return notFoundError{id: id} }

// IsNotFound reports whether err indicates an unknown id.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// notCancelableError signals a cancel attempt on a task that already
// left the queued state.
type notCancelableError struct{ id string }

func (e notCancelableError) Error() string {
	return "task not cancelable: " + e.id + " is no longer queued"
}

// ErrNotCancelable constructs a cancel-too-late error.
func ErrNotCancelable(id string) error { return notCancelableError{id: id} }

// IsNotCancelable reports whether err indicates the task already started
// or finished.
func IsNotCancelable(err error) bool {
	_, ok := err.(notCancelableError)
	return ok
}
