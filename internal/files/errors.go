package files

import "errors"

// Errors returned by Service. Callers match them with errors.Is; the
// wrapped message adds detail that is safe to show the caller.
var (
	ErrInvalidID  = errors.New("invalid id")
	ErrBadRequest = errors.New("bad request")
	ErrNotFound   = errors.New("file not found")
	ErrForbidden  = errors.New("access denied")
	ErrConflict   = errors.New("conflict")
)
