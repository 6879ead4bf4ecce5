package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// EntryView abstracts over persisted entries and in-flight change sets so the
// validator never depends on a concrete entry representation.
type EntryView interface {
	EntryAccountID() uuid.UUID
	EntrySide() EntrySide
	EntryAmount() int64
	EntryCurrency() string
}

// AccountLookup is a side-effect-free view over preloaded account rows.
type AccountLookup func(id uuid.UUID) (*Account, bool)

// ValidateEntries enforces the double-entry invariants for a set of entries
// destined for one transaction: at least two entries, per-currency
// debit=credit, entry currency matches its account, and every account in the
// same instance. It reads accounts but mutates nothing.
func ValidateEntries(instanceID uuid.UUID, entries []EntryView, accounts AccountLookup) error {
	if len(entries) < 2 {
		return fmt.Errorf("%w: got %d", ErrTooFewEntries, len(entries))
	}

	debits := map[string]int64{}
	credits := map[string]int64{}

	for _, e := range entries {
		if e.EntryAmount() < 0 {
			return NewValidationError().Add("entries.amount", "must be non-negative")
		}

		acc, ok := accounts(e.EntryAccountID())
		if !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, e.EntryAccountID())
		}
		if acc.InstanceID != instanceID {
			return fmt.Errorf("%w: account %s", ErrCrossInstance, acc.Address)
		}
		if acc.Currency != e.EntryCurrency() {
			return fmt.Errorf("%w: entry %s vs account %s (%s)",
				ErrCurrencyMismatch, e.EntryCurrency(), acc.Currency, acc.Address)
		}

		if e.EntrySide() == EntryDebit {
			debits[e.EntryCurrency()] += e.EntryAmount()
		} else {
			credits[e.EntryCurrency()] += e.EntryAmount()
		}
	}

	for cur, d := range debits {
		if c := credits[cur]; d != c {
			return fmt.Errorf("%w: %s debit=%d credit=%d", ErrUnbalancedByCurrency, cur, d, c)
		}
	}
	for cur, c := range credits {
		if _, seen := debits[cur]; !seen && c != 0 {
			return fmt.Errorf("%w: %s debit=0 credit=%d", ErrUnbalancedByCurrency, cur, c)
		}
	}
	return nil
}

// ValidateTransition enforces the transaction status state machine.
func ValidateTransition(from, to TransactionStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// TransitionFor maps a status change to its balance transition.
func TransitionFor(from, to TransactionStatus) (BalanceTransition, error) {
	switch {
	case from == TransactionPending && to == TransactionPosted:
		return TransitionPendingToPosted, nil
	case from == TransactionPending && to == TransactionArchived:
		return TransitionPendingToArchived, nil
	}
	return "", fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
