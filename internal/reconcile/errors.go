package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noah-isme/paybridge/internal/erp"
	"github.com/noah-isme/paybridge/internal/lock"
	"github.com/noah-isme/paybridge/internal/payment"
)

// Kind classifies why reconciling an event failed.
type Kind string

const (
	KindConfiguration     Kind = "configuration"
	KindInvalidPayload    Kind = "invalid_payload"
	KindInvalidSignature  Kind = "invalid_signature"
	KindNotFound          Kind = "not_found"
	KindIntegrityConflict Kind = "integrity_conflict"
	KindStateConflict     Kind = "state_conflict"
	KindCollaborator      Kind = "collaborator_failure"
)

// Error is returned by every operation in this package.
type Error struct {
	Kind      Kind
	Op        string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or the empty Kind when err did not come
// from this package.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsRetryable reports whether redelivering the same event may succeed.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return err != nil
}

func newError(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// collaboratorFailure wraps an error raised by the ERP store, the lock or the
// provider. Documents that vanished mid-flight are reported as not found.
func collaboratorFailure(op, message string, err error) *Error {
	if errors.Is(err, erp.ErrNotFound) {
		return newError(KindNotFound, op, message, err)
	}
	e := newError(KindCollaborator, op, message, err)
	e.Retryable = transient(err)
	return e
}

// transient reports whether err is likely to clear on its own. Unknown errors
// count as transient: applying an event twice is harmless.
func transient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, lock.ErrNotAcquired), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, erp.ErrConflict), errors.Is(err, erp.ErrInvalidDocStatus):
		return false
	case errors.Is(err, payment.ErrMissingCredentials):
		return false
	}
	var pe *payment.Error
	if errors.As(err, &pe) {
		return pe.Temporary()
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "40", "53", "57":
			return true
		default:
			return false
		}
	}
	return true
}
