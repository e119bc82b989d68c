package store

import "errors"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a create violates a uniqueness constraint
// (duplicate username or duplicate (openid, app_id) pair).
var ErrConflict = errors.New("conflict")
