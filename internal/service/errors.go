package service

// notFoundError signals an unknown task or batch id.
type notFoundError struct{ what, id string }

func (e notFoundError) Error() string { return e.what + " not found: " + e.id }

// ErrNotFound constructs an unknown-id error.
func ErrNotFound(what, id string) error { return notFoundError{what: what, id: id} }

// IsNotFound reports whether err indicates an unknown id.
func IsNotFound(err error) bool {
	_, ok := err.(notFoundError)
	return ok
}

// notReadyError signals a result read before the owning task or batch
// reached a terminal state. Clients keep polling.
type notReadyError struct{ id string }

func (e notReadyError) Error() string { return "results not ready: " + e.id }

// ErrNotReady constructs a poll-again error.
func ErrNotReady(id string) error { return notReadyError{id: id} }

// IsNotReady reports whether err means the caller should poll again.
func IsNotReady(err error) bool {
	_, ok := err.(notReadyError)
	return ok
}

// badUploadError signals a rejected upload: wrong extension, empty file.
type badUploadError struct{ msg string }

func (e badUploadError) Error() string { return e.msg }

// ErrBadUpload constructs an invalid-upload error.
func ErrBadUpload(msg string) error { return badUploadError{msg: msg} }

// IsBadUpload reports whether err indicates a rejected upload.
func IsBadUpload(err error) bool {
	_, ok := err.(badUploadError)
	return ok
}
