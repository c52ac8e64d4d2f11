/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package storage

import (
	"fmt"
)

// Error wraps a backend failure with the operation and backend name,
// so that callers can log a useful diagnostic without parsing messages.
type Error struct {
	Op      string
	Backend string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %s: %s", e.Backend, e.Op, e.Err.Error())
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a storage Error.
func NewError(backend, op string, err error) *Error {
	return &Error{Op: op, Backend: backend, Err: err}
}
