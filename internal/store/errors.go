package store

import "errors"

// ErrNotFound is returned when a node or edge does not exist.
var ErrNotFound = errors.New("not found")
