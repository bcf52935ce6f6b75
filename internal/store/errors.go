// Package store holds what the storage backends share: the sentinel errors
// they return. The conformance suite every backend runs lives in storetest.
package store

import "errors"

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("duplicate record")
)
