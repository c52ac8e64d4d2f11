/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
)

// AlgorithmError indicates that a state variant does not match the algorithm
// that was asked to operate on it. It is a construction bug: in a correct
// configuration the resolved rule and the stored state always agree.
// The error aborts only the specific decision, never the process.
type AlgorithmError struct {
	Want AlgorithmKind
	Got  AlgorithmKind
}

// Error implements the error interface.
func (e *AlgorithmError) Error() string {
	return fmt.Sprintf("algorithm state mismatch: want %q, got %q", e.Want, e.Got)
}

func checkStateKind(st *State, want AlgorithmKind) error {
	if st.Algorithm != want {
		return &AlgorithmError{Want: want, Got: st.Algorithm}
	}
	return nil
}
