package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	// Ingest-time rejections. No command is stored when these are returned.
	ErrInstanceNotFound   = errors.New("instance not found")
	ErrAccountNotFound    = errors.New("account not found")
	ErrActionNotSupported = errors.New("action not supported")

	// Business-rule rejections. Terminal.
	ErrTooFewEntries          = errors.New("transaction requires at least two entries")
	ErrUnbalancedByCurrency   = errors.New("debit and credit sums differ for a currency")
	ErrCurrencyMismatch       = errors.New("entry currency does not match account currency")
	ErrCrossInstance          = errors.New("entry account belongs to a different instance")
	ErrIllegalTransition      = errors.New("illegal transaction status transition")
	ErrNegativeAvailable      = errors.New("available balance would go negative")
	ErrUpdateTargetMissing    = errors.New("update target transaction does not exist")
	ErrUpdateTargetNotPending = errors.New("update target transaction is not pending")

	// Concurrency signals. Retried automatically; never terminal by themselves.
	ErrPendingUpdateInFlight = errors.New("another update for this pending transaction is in flight")
	ErrStaleRow              = errors.New("stale row: optimistic lock version changed")
	ErrAlreadyClaimed        = errors.New("queue item already claimed")

	// Infra.
	ErrDuplicateCommand = errors.New("duplicate command")
	ErrNotFound         = errors.New("not found")
	ErrTransientDB      = errors.New("transient database error")
)

// DuplicateCommandError carries the id of the previously stored command so
// callers can treat a replay as success and look up the prior result.
type DuplicateCommandError struct {
	ExistingID uuid.UUID
}

func (e *DuplicateCommandError) Error() string {
	return fmt.Sprintf("duplicate command: already stored as %s", e.ExistingID)
}

func (e *DuplicateCommandError) Unwrap() error { return ErrDuplicateCommand }

// ValidationError is a changeset-style field->messages error.
type ValidationError struct {
	Fields map[string][]string
}

func NewValidationError() *ValidationError {
	return &ValidationError{Fields: map[string][]string{}}
}

func (e *ValidationError) Add(field, msg string) *ValidationError {
	e.Fields[field] = append(e.Fields[field], msg)
	return e
}

func (e *ValidationError) Empty() bool { return len(e.Fields) == 0 }

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("validation failed:")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s: %s;", k, strings.Join(e.Fields[k], ", "))
	}
	return strings.TrimSuffix(b.String(), ";")
}

// IsTerminal reports whether err is a business-rule rejection that no amount
// of retrying can fix. Terminal failures dead-letter immediately.
func IsTerminal(err error) bool {
	switch {
	case errors.Is(err, ErrTooFewEntries),
		errors.Is(err, ErrUnbalancedByCurrency),
		errors.Is(err, ErrCurrencyMismatch),
		errors.Is(err, ErrCrossInstance),
		errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrNegativeAvailable),
		errors.Is(err, ErrUpdateTargetMissing),
		errors.Is(err, ErrUpdateTargetNotPending),
		errors.Is(err, ErrAccountNotFound):
		return true
	}
	return false
}

// IsValidation reports whether err is a structured validation failure whose
// retry policy is decided by the on_error option rather than the error kind.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
