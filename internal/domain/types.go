package domain

import (
	"time"

	"github.com/google/uuid"
)

// AccountType classifies an account within the standard five-type chart.
type AccountType string

const (
	AccountAsset     AccountType = "asset"
	AccountLiability AccountType = "liability"
	AccountEquity    AccountType = "equity"
	AccountRevenue   AccountType = "revenue"
	AccountExpense   AccountType = "expense"
)

func (t AccountType) Valid() bool {
	switch t {
	case AccountAsset, AccountLiability, AccountEquity, AccountRevenue, AccountExpense:
		return true
	}
	return false
}

// NormalSide is the side on which an account's balance grows.
type NormalSide string

const (
	NormalDebit  NormalSide = "debit"
	NormalCredit NormalSide = "credit"
)

// NormalSideFor derives polarity from the account type:
// asset/expense are debit-normal, liability/equity/revenue are credit-normal.
func NormalSideFor(t AccountType) NormalSide {
	switch t {
	case AccountAsset, AccountExpense:
		return NormalDebit
	default:
		return NormalCredit
	}
}

// EntrySide is one side of a double-entry posting.
type EntrySide string

const (
	EntryDebit  EntrySide = "debit"
	EntryCredit EntrySide = "credit"
)

// TransactionStatus lifecycle: pending -> posted, pending -> archived.
// posted and archived are terminal.
type TransactionStatus string

const (
	TransactionPending  TransactionStatus = "pending"
	TransactionPosted   TransactionStatus = "posted"
	TransactionArchived TransactionStatus = "archived"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionPending, TransactionPosted, TransactionArchived:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal status transition.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	if s != TransactionPending {
		return false
	}
	return next == TransactionPosted || next == TransactionArchived
}

// CommandAction is the set of supported external intents.
type CommandAction string

const (
	ActionCreateTransaction CommandAction = "create_transaction"
	ActionUpdateTransaction CommandAction = "update_transaction"
	ActionCreateAccount     CommandAction = "create_account"
	ActionUpdateAccount     CommandAction = "update_account"
)

func (a CommandAction) Valid() bool {
	switch a {
	case ActionCreateTransaction, ActionUpdateTransaction, ActionCreateAccount, ActionUpdateAccount:
		return true
	}
	return false
}

// IsUpdate reports whether the action targets a previously created record.
func (a CommandAction) IsUpdate() bool {
	return a == ActionUpdateTransaction || a == ActionUpdateAccount
}

// QueueStatus is the scheduling state of a command queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueProcessed  QueueStatus = "processed"
	QueueFailed     QueueStatus = "failed"
	QueueOCCTimeout QueueStatus = "occ_timeout"
	QueueDeadLetter QueueStatus = "dead_letter"
)

// Balance is one debit/credit pair. Amount is signed by account polarity:
// debit-normal accounts carry debit-credit, credit-normal carry credit-debit.
type Balance struct {
	Debit  int64 `json:"debit"`
	Credit int64 `json:"credit"`
	Amount int64 `json:"amount"`
}

// Instance is a tenant: a closed accounting world owning every other row.
type Instance struct {
	ID         uuid.UUID      `json:"id"`
	Address    string         `json:"address"`
	Config     map[string]any `json:"config"`
	Metadata   map[string]any `json:"metadata"`
	InsertedAt time.Time      `json:"inserted_at"`
}

// Account is a named, typed, currency-scoped ledger slot.
// Available = Posted.Amount + min(0, Pending.Amount) at every commit boundary.
type Account struct {
	ID            uuid.UUID      `json:"id"`
	InstanceID    uuid.UUID      `json:"instance_id"`
	Address       string         `json:"address"`
	Name          string         `json:"name"`
	Type          AccountType    `json:"type"`
	NormalSide    NormalSide     `json:"normal_side"`
	Currency      string         `json:"currency"`
	AllowNegative bool           `json:"allow_negative"`
	Posted        Balance        `json:"posted"`
	Pending       Balance        `json:"pending"`
	Available     int64          `json:"available"`
	LockVersion   int64          `json:"lock_version"`
	Metadata      map[string]any `json:"metadata"`
	InsertedAt    time.Time      `json:"inserted_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Entry is one side of a posting. Immutable once its transaction is posted.
type Entry struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	AccountID     uuid.UUID `json:"account_id"`
	Side          EntrySide `json:"side"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
}

// Entry satisfies EntryView so validators can treat persisted entries and
// in-flight change sets uniformly.
func (e Entry) EntryAccountID() uuid.UUID { return e.AccountID }
func (e Entry) EntrySide() EntrySide      { return e.Side }
func (e Entry) EntryAmount() int64        { return e.Amount }
func (e Entry) EntryCurrency() string     { return e.Currency }

// Transaction is a balanced set of at least two entries.
type Transaction struct {
	ID          uuid.UUID         `json:"id"`
	InstanceID  uuid.UUID         `json:"instance_id"`
	Status      TransactionStatus `json:"status"`
	EffectiveAt time.Time         `json:"effective_at"`
	PostedAt    *time.Time        `json:"posted_at,omitempty"`
	Metadata    map[string]any    `json:"metadata"`
	Entries     []Entry           `json:"entries"`
	InsertedAt  time.Time         `json:"inserted_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// BalanceHistoryEntry is an append-only snapshot written on every successful
// balance mutation.
type BalanceHistoryEntry struct {
	ID            uuid.UUID `json:"id"`
	AccountID     uuid.UUID `json:"account_id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Posted        Balance   `json:"posted"`
	Pending       Balance   `json:"pending"`
	Available     int64     `json:"available"`
	InsertedAt    time.Time `json:"inserted_at"`
}

// Command is an immutable record of an external intent, addressed
// idempotently by its HMAC fingerprint.
type Command struct {
	ID              uuid.UUID     `json:"id"`
	InstanceID      uuid.UUID     `json:"instance_id"`
	Action          CommandAction `json:"action"`
	Source          string        `json:"source"`
	SourceIdempk    string        `json:"source_idempk"`
	UpdateIdempk    string        `json:"update_idempk,omitempty"`
	UpdateSource    string        `json:"update_source,omitempty"`
	Payload         []byte        `json:"payload"`
	IdempotencyHash string        `json:"idempotency_hash"`
	InsertedAt      time.Time     `json:"inserted_at"`
}

// QueueError is one element of a queue item's append-only error list.
type QueueError struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// QueueItem is the scheduling record attached 1:1 to a command.
type QueueItem struct {
	CommandID             uuid.UUID     `json:"command_id"`
	InstanceID            uuid.UUID     `json:"instance_id"`
	Action                CommandAction `json:"action"`
	Status                QueueStatus   `json:"status"`
	RetryCount            int           `json:"retry_count"`
	NextRetryAfter        *time.Time    `json:"next_retry_after,omitempty"`
	ProcessorID           string        `json:"processor_id,omitempty"`
	ProcessingStartedAt   *time.Time    `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time    `json:"processing_completed_at,omitempty"`
	Errors                []QueueError  `json:"errors"`
	RowVersion            int64         `json:"row_version"`
	InsertedAt            time.Time     `json:"inserted_at"`
}

// JournalEvent is the immutable audit row for one successful projection.
// At most one exists per command.
type JournalEvent struct {
	ID            uuid.UUID `json:"id"`
	CommandID     uuid.UUID `json:"command_id"`
	InstanceID    uuid.UUID `json:"instance_id"`
	Kind          string    `json:"kind"`
	PayloadDigest string    `json:"payload_digest"`
	InsertedAt    time.Time `json:"inserted_at"`
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

// Clamped applies defaults and an upper bound.
func (p Page) Clamped() Page {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 500 {
		p.Limit = 500
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
