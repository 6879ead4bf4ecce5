package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAccounts(instanceID uuid.UUID) (map[uuid.UUID]*Account, *Account, *Account) {
	cash := &Account{
		ID: uuid.New(), InstanceID: instanceID, Address: "cash:op",
		Type: AccountAsset, NormalSide: NormalDebit, Currency: "EUR",
	}
	equity := &Account{
		ID: uuid.New(), InstanceID: instanceID, Address: "equity:cap",
		Type: AccountEquity, NormalSide: NormalCredit, Currency: "EUR",
	}
	return map[uuid.UUID]*Account{cash.ID: cash, equity.ID: equity}, cash, equity
}

func lookup(m map[uuid.UUID]*Account) AccountLookup {
	return func(id uuid.UUID) (*Account, bool) {
		a, ok := m[id]
		return a, ok
	}
}

func views(entries ...Entry) []EntryView {
	out := make([]EntryView, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	return out
}

func TestValidateEntriesBalanced(t *testing.T) {
	inst := uuid.New()
	accs, cash, equity := testAccounts(inst)

	err := ValidateEntries(inst, views(
		Entry{AccountID: cash.ID, Side: EntryDebit, Amount: 100_000, Currency: "EUR"},
		Entry{AccountID: equity.ID, Side: EntryCredit, Amount: 100_000, Currency: "EUR"},
	), lookup(accs))
	require.NoError(t, err)
}

func TestValidateEntriesTooFew(t *testing.T) {
	inst := uuid.New()
	accs, cash, _ := testAccounts(inst)

	err := ValidateEntries(inst, views(
		Entry{AccountID: cash.ID, Side: EntryDebit, Amount: 100, Currency: "EUR"},
	), lookup(accs))
	assert.ErrorIs(t, err, ErrTooFewEntries)
}

func TestValidateEntriesUnbalanced(t *testing.T) {
	inst := uuid.New()
	accs, cash, equity := testAccounts(inst)

	err := ValidateEntries(inst, views(
		Entry{AccountID: cash.ID, Side: EntryDebit, Amount: 100, Currency: "EUR"},
		Entry{AccountID: equity.ID, Side: EntryCredit, Amount: 50, Currency: "EUR"},
	), lookup(accs))
	assert.ErrorIs(t, err, ErrUnbalancedByCurrency)
}

func TestValidateEntriesUnbalancedPerCurrency(t *testing.T) {
	inst := uuid.New()
	accs, cash, equity := testAccounts(inst)
	usd := &Account{ID: uuid.New(), InstanceID: inst, Address: "cash:usd", Type: AccountAsset, NormalSide: NormalDebit, Currency: "USD"}
	usd2 := &Account{ID: uuid.New(), InstanceID: inst, Address: "rev:usd", Type: AccountRevenue, NormalSide: NormalCredit, Currency: "USD"}
	accs[usd.ID] = usd
	accs[usd2.ID] = usd2

	// EUR balances, USD does not.
	err := ValidateEntries(inst, views(
		Entry{AccountID: cash.ID, Side: EntryDebit, Amount: 100, Currency: "EUR"},
		Entry{AccountID: equity.ID, Side: EntryCredit, Amount: 100, Currency: "EUR"},
		Entry{AccountID: usd.ID, Side: EntryDebit, Amount: 70, Currency: "USD"},
		Entry{AccountID: usd2.ID, Side: EntryCredit, Amount: 30, Currency: "USD"},
	), lookup(accs))
	assert.ErrorIs(t, err, ErrUnbalancedByCurrency)
}

func TestValidateEntriesCurrencyMismatch(t *testing.T) {
	inst := uuid.New()
	accs, cash, equity := testAccounts(inst)

	err := ValidateEntries(inst, views(
		Entry{AccountID: cash.ID, Side: EntryDebit, Amount: 100, Currency: "USD"},
		Entry{AccountID: equity.ID, Side: EntryCredit, Amount: 100, Currency: "USD"},
	), lookup(accs))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestValidateEntriesCrossInstance(t *testing.T) {
	inst := uuid.New()
	accs, cash, equity := testAccounts(inst)
	equity.InstanceID = uuid.New()

	err := ValidateEntries(inst, views(
		Entry{AccountID: cash.ID, Side: EntryDebit, Amount: 100, Currency: "EUR"},
		Entry{AccountID: equity.ID, Side: EntryCredit, Amount: 100, Currency: "EUR"},
	), lookup(accs))
	assert.ErrorIs(t, err, ErrCrossInstance)
}

func TestValidateEntriesAccountNotFound(t *testing.T) {
	inst := uuid.New()
	accs, cash, _ := testAccounts(inst)

	err := ValidateEntries(inst, views(
		Entry{AccountID: cash.ID, Side: EntryDebit, Amount: 100, Currency: "EUR"},
		Entry{AccountID: uuid.New(), Side: EntryCredit, Amount: 100, Currency: "EUR"},
	), lookup(accs))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, ValidateTransition(TransactionPending, TransactionPosted))
	require.NoError(t, ValidateTransition(TransactionPending, TransactionArchived))

	assert.ErrorIs(t, ValidateTransition(TransactionPosted, TransactionArchived), ErrIllegalTransition)
	assert.ErrorIs(t, ValidateTransition(TransactionArchived, TransactionPosted), ErrIllegalTransition)
	assert.ErrorIs(t, ValidateTransition(TransactionPosted, TransactionPending), ErrIllegalTransition)
}

func TestTransitionFor(t *testing.T) {
	tr, err := TransitionFor(TransactionPending, TransactionPosted)
	require.NoError(t, err)
	assert.Equal(t, TransitionPendingToPosted, tr)

	tr, err = TransitionFor(TransactionPending, TransactionArchived)
	require.NoError(t, err)
	assert.Equal(t, TransitionPendingToArchived, tr)

	_, err = TransitionFor(TransactionPosted, TransactionArchived)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}
