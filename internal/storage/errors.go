package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrorKind separates faults the caller may retry from faults it must not.
type ErrorKind int

const (
	// KindPermanent covers constraint violations, malformed data and any
	// fault retrying cannot fix.
	KindPermanent ErrorKind = iota
	// KindTransient covers backend-busy, lock contention and network
	// faults that a short backoff usually clears.
	KindTransient
)

func (k ErrorKind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// Error is the tagged fault returned by persistence adapters. Callers
// branch on Kind instead of matching message substrings.
type Error struct {
	Kind ErrorKind
	Op   string // repository operation, e.g. "insert record"
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a storage fault worth retrying.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindTransient
}
