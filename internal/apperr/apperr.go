// Package apperr defines the error taxonomy shared across the core.
// Every error carries a Kind (mapped to an HTTP status at the API edge)
// and a short machine-readable code suitable for client dispatch.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	// Validation: malformed request, rejected before touching state.
	Validation Kind = iota
	// Auth: missing or invalid caller identity.
	Auth
	// NotFound: unknown match/account/transaction.
	NotFound
	// StateConflict: wrong turn, wrong status, quota exceeded. No state
	// change occurred; safe to retry after re-reading.
	StateConflict
	// Imbalance: ledger entries do not sum to zero. A programming-contract
	// violation inside the core, never induced by external input.
	Imbalance
	// Internal: everything else.
	Internal
)

type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Code + ": " + e.Msg
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind and, when the target carries one, Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || t.Code == e.Code)
}

func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: err.Error(), Err: err}
}

// Common sentinels. Match with errors.Is.
var (
	ErrNotFound      = &Error{Kind: NotFound, Code: "not_found"}
	ErrUnauthorized  = &Error{Kind: Auth, Code: "unauthorized"}
	ErrNotOpen       = &Error{Kind: StateConflict, Code: "not_open"}
	ErrSelfJoin      = &Error{Kind: StateConflict, Code: "self_join"}
	ErrWrongState    = &Error{Kind: StateConflict, Code: "wrong_state"}
	ErrNotYourTurn   = &Error{Kind: StateConflict, Code: "not_your_turn"}
	ErrIllegalMove   = &Error{Kind: StateConflict, Code: "illegal_move"}
	ErrGameOver      = &Error{Kind: StateConflict, Code: "game_over"}
	ErrQuotaExceeded = &Error{Kind: StateConflict, Code: "quota_exceeded"}
	ErrNotBound      = &Error{Kind: StateConflict, Code: "not_a_player"}
	ErrInsufficient  = &Error{Kind: StateConflict, Code: "insufficient_funds"}
	ErrVersionStale  = &Error{Kind: StateConflict, Code: "version_conflict"}
	ErrImbalance     = &Error{Kind: Imbalance, Code: "unbalanced_entries"}
)

// CodeOf extracts the machine code, falling back to "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// HTTPStatus maps a Kind to a status code.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case Validation:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case StateConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
