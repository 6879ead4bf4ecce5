package domain

import "fmt"

// BalanceTransition names the balance effect of projecting an entry.
type BalanceTransition string

const (
	TransitionPosted            BalanceTransition = "posted"
	TransitionPending           BalanceTransition = "pending"
	TransitionPendingToPosted   BalanceTransition = "pending_to_posted"
	TransitionPendingToArchived BalanceTransition = "pending_to_archived"
)

// BalanceSet is an account's full balance state.
type BalanceSet struct {
	Posted    Balance
	Pending   Balance
	Available int64
}

// SignToEntrySide translates a signed amount into an entry side using
// account polarity: a positive amount grows the account on its normal side.
func SignToEntrySide(normal NormalSide, amount int64) EntrySide {
	if normal == NormalDebit {
		if amount >= 0 {
			return EntryDebit
		}
		return EntryCredit
	}
	if amount >= 0 {
		return EntryCredit
	}
	return EntryDebit
}

func signedAmount(normal NormalSide, b Balance) int64 {
	if normal == NormalDebit {
		return b.Debit - b.Credit
	}
	return b.Credit - b.Debit
}

func addToBalance(normal NormalSide, b Balance, side EntrySide, amount int64) Balance {
	if side == EntryDebit {
		b.Debit += amount
	} else {
		b.Credit += amount
	}
	b.Amount = signedAmount(normal, b)
	return b
}

func subFromBalance(normal NormalSide, b Balance, side EntrySide, amount int64) Balance {
	if side == EntryDebit {
		b.Debit -= amount
	} else {
		b.Credit -= amount
	}
	b.Amount = signedAmount(normal, b)
	return b
}

// ApplyEntry applies one entry to a balance set for the given transition and
// returns the new set. Pure: the input set is never mutated.
//
// Available is maintained as posted.amount + min(0, pending.amount): holds
// reduce available, but incoming pending funds never increase it.
//
// Returns ErrNegativeAvailable when allowNegative is false and the resulting
// available would be negative.
func ApplyEntry(normal NormalSide, allowNegative bool, bal BalanceSet, e EntryView, tr BalanceTransition) (BalanceSet, error) {
	amt := e.EntryAmount()
	side := e.EntrySide()

	switch tr {
	case TransitionPosted:
		bal.Posted = addToBalance(normal, bal.Posted, side, amt)
	case TransitionPending:
		bal.Pending = addToBalance(normal, bal.Pending, side, amt)
	case TransitionPendingToPosted:
		bal.Pending = subFromBalance(normal, bal.Pending, side, amt)
		bal.Posted = addToBalance(normal, bal.Posted, side, amt)
	case TransitionPendingToArchived:
		bal.Pending = subFromBalance(normal, bal.Pending, side, amt)
	default:
		return bal, fmt.Errorf("unknown balance transition %q", tr)
	}

	if bal.Posted.Debit < 0 || bal.Posted.Credit < 0 || bal.Pending.Debit < 0 || bal.Pending.Credit < 0 {
		return bal, fmt.Errorf("balance column underflow applying %s/%d in %s", side, amt, tr)
	}

	bal.Available = bal.Posted.Amount
	if bal.Pending.Amount < 0 {
		bal.Available += bal.Pending.Amount
	}

	if !allowNegative && bal.Available < 0 {
		return bal, fmt.Errorf("%w: available=%d", ErrNegativeAvailable, bal.Available)
	}
	return bal, nil
}
