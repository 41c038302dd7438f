// Package metadata holds what the File Tree Repository implementations
// share.
package metadata

import "errors"

// ErrNotFound is returned when no node has the requested id.
var ErrNotFound = errors.New("node not found")
