// Package apperr defines the closed error taxonomy used across the circle
// engine. Callers branch on Kind, never on message text.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// KindValidation covers malformed or mismatched input, e.g. a
	// contribution whose amount differs from the circle's. Rejected
	// synchronously, no side effect.
	KindValidation Kind = "validation"
	// KindStateConflict covers operations attempted from a state that does
	// not permit them: joining an active circle, duplicate contribution,
	// circle at capacity. The caller must re-fetch state.
	KindStateConflict Kind = "state_conflict"
	// KindInsufficientFunds is raised when a debit would take a wallet
	// balance negative.
	KindInsufficientFunds Kind = "insufficient_funds"
	// KindNotFound covers lookups of entities that do not exist or that the
	// caller may not see.
	KindNotFound Kind = "not_found"
	// KindTransient covers external failures worth retrying with backoff,
	// e.g. a payout provider timeout.
	KindTransient Kind = "transient"
	// KindInconsistency marks a broken storage invariant (ledger legs that
	// do not sum to zero, a completed cycle with pending contributions).
	// Fatal for the entity; the operation halts rather than guessing a
	// repair.
	KindInconsistency Kind = "inconsistency"
)

type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the Kind carried by err, or "" when err is not an apperr.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
