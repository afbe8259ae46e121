package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a session id is unknown to the registry or the store.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateSession is returned when a session is created twice with the same id.
	ErrDuplicateSession = errors.New("session already exists")
	// ErrMalformedLog is returned when an action log has timestamps out of order.
	ErrMalformedLog = errors.New("malformed action log")
)

// PersistenceError wraps a session store I/O failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError unless it is nil or one of the domain sentinels.
func Persistence(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicateSession) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
