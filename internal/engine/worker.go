package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/metrics"
	"ledger-engine/internal/store"
)

// Workers translate claimed commands into atomic DB workflows. The OCC retry
// loop lives here: the store builds and runs one DB transaction, the worker
// inspects the failure kind and retries stale-row conflicts with exponential
// backoff.
type Workers struct {
	st  *store.Store
	cfg Config
	log *zap.Logger
}

func NewWorkers(st *store.Store, cfg Config, log *zap.Logger) *Workers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Workers{st: st, cfg: cfg.WithDefaults(), log: log}
}

// Result is the projection produced by a successful command execution.
type Result struct {
	Transaction  *domain.Transaction
	Account      *domain.Account
	JournalEvent *domain.JournalEvent
}

// Execute dispatches a command to its handler and reports metrics.
func (w *Workers) Execute(ctx context.Context, cmd *domain.Command) (*Result, error) {
	start := time.Now()
	res, err := w.execute(ctx, cmd)
	metrics.ProcessingDuration.WithLabelValues(string(cmd.Action)).Observe(time.Since(start).Seconds())
	return res, err
}

func (w *Workers) execute(ctx context.Context, cmd *domain.Command) (*Result, error) {
	switch cmd.Action {
	case domain.ActionCreateTransaction:
		return w.createTransaction(ctx, cmd)
	case domain.ActionUpdateTransaction:
		return w.updateTransaction(ctx, cmd)
	case domain.ActionCreateAccount:
		return w.createAccount(ctx, cmd)
	case domain.ActionUpdateAccount:
		return w.updateAccount(ctx, cmd)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrActionNotSupported, cmd.Action)
}

func (w *Workers) createTransaction(ctx context.Context, cmd *domain.Command) (*Result, error) {
	payload, err := decodeTransactionPayload(cmd.Payload)
	if err != nil {
		return nil, err
	}
	if payload.Status != domain.TransactionPending && payload.Status != domain.TransactionPosted {
		return nil, domain.NewValidationError().Add("status", "must be pending or posted on create")
	}

	entries, accounts, err := w.translateEntries(ctx, cmd.InstanceID, payload.Entries)
	if err != nil {
		return nil, err
	}
	if err := domain.ValidateEntries(cmd.InstanceID, asViews(entries), mapLookup(accounts)); err != nil {
		return nil, err
	}

	effectiveAt, err := parseEffectiveAt(payload.EffectiveAt)
	if err != nil {
		return nil, err
	}

	var (
		txn *domain.Transaction
		je  *domain.JournalEvent
	)
	err = w.withOCCRetry(ctx, cmd, func() error {
		var err error
		txn, je, err = w.st.CreateTransaction(ctx, store.CreateTransactionParams{
			Command:     cmd,
			Status:      payload.Status,
			EffectiveAt: effectiveAt,
			Metadata:    payload.Metadata,
			Entries:     cloneEntries(entries),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Transaction: txn, JournalEvent: je}, nil
}

func (w *Workers) updateTransaction(ctx context.Context, cmd *domain.Command) (*Result, error) {
	payload, err := decodeTransactionPayload(cmd.Payload)
	if err != nil {
		return nil, err
	}

	target, err := w.st.FindTransactionByCreateSource(ctx, cmd.InstanceID, cmd.Source, cmd.SourceIdempk)
	if err != nil {
		return nil, err
	}
	if target.Status != domain.TransactionPending {
		return nil, fmt.Errorf("%w: transaction %s is %s", domain.ErrUpdateTargetNotPending, target.ID, target.Status)
	}

	// Single-writer guard: at most one open update chain per pending
	// transaction. Held for the duration of this attempt.
	if err := w.st.InsertPendingLookup(ctx, cmd.InstanceID, target.ID); err != nil {
		return nil, err
	}
	defer func() {
		if err := w.st.DeletePendingLookup(context.WithoutCancel(ctx), target.ID); err != nil {
			w.log.Warn("pending lookup cleanup failed",
				zap.String("transaction_id", target.ID.String()), zap.Error(err))
		}
	}()

	var replacement []domain.Entry
	if len(payload.Entries) > 0 {
		var accounts map[uuid.UUID]*domain.Account
		replacement, accounts, err = w.translateEntries(ctx, cmd.InstanceID, payload.Entries)
		if err != nil {
			return nil, err
		}
		if err := domain.ValidateEntries(cmd.InstanceID, asViews(replacement), mapLookup(accounts)); err != nil {
			return nil, err
		}
	}

	var (
		txn *domain.Transaction
		je  *domain.JournalEvent
	)
	err = w.withOCCRetry(ctx, cmd, func() error {
		var err error
		txn, je, err = w.st.UpdateTransaction(ctx, store.UpdateTransactionParams{
			Command:            cmd,
			TransactionID:      target.ID,
			NewStatus:          payload.Status,
			ReplacementEntries: cloneEntries(replacement),
			Metadata:           payload.Metadata,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Transaction: txn, JournalEvent: je}, nil
}

func (w *Workers) createAccount(ctx context.Context, cmd *domain.Command) (*Result, error) {
	payload, verr := decodeAccountPayload(cmd.Payload)
	if verr != nil {
		return nil, verr
	}

	ve := domain.NewValidationError()
	if payload.Address == "" {
		ve.Add("address", "is required")
	}
	if !payload.Type.Valid() {
		ve.Add("type", "must be one of asset, liability, equity, revenue, expense")
	}
	if len(payload.Currency) != 3 {
		ve.Add("currency", "must be a 3-letter ISO code")
	}
	if !ve.Empty() {
		return nil, ve
	}

	allowNegative := false
	if payload.AllowNegative != nil {
		allowNegative = *payload.AllowNegative
	}

	// Pure insert: no OCC retries configured for account creation.
	acc, je, err := w.st.CreateAccountProjection(ctx, cmd, store.CreateAccountParams{
		InstanceID:    cmd.InstanceID,
		Address:       payload.Address,
		Name:          payload.Name,
		Type:          payload.Type,
		Currency:      payload.Currency,
		AllowNegative: allowNegative,
		Metadata:      payload.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Account: acc, JournalEvent: je}, nil
}

func (w *Workers) updateAccount(ctx context.Context, cmd *domain.Command) (*Result, error) {
	payload, verr := decodeAccountPayload(cmd.Payload)
	if verr != nil {
		return nil, verr
	}
	if payload.Address == "" {
		return nil, domain.NewValidationError().Add("address", "is required")
	}

	params := store.UpdateAccountParams{
		AllowNegative: payload.AllowNegative,
		Metadata:      payload.Metadata,
	}
	if payload.Name != "" {
		params.Name = &payload.Name
	}

	var (
		acc *domain.Account
		je  *domain.JournalEvent
	)
	err := w.withOCCRetry(ctx, cmd, func() error {
		var err error
		acc, je, err = w.st.UpdateAccountProjection(ctx, cmd, payload.Address, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Result{Account: acc, JournalEvent: je}, nil
}

// withOCCRetry runs fn up to MaxRetries times, backing off on ErrStaleRow.
// Exhaustion surfaces the last stale-row error; the processor records it as
// occ_timeout.
func (w *Workers) withOCCRetry(ctx context.Context, cmd *domain.Command, fn func() error) error {
	var err error
	for attempt := 1; attempt <= w.cfg.MaxRetries; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, domain.ErrStaleRow) {
			return err
		}
		metrics.OCCRetries.Inc()
		w.log.Debug("stale row, retrying",
			zap.String("command_id", cmd.ID.String()),
			zap.Int("attempt", attempt))
		if attempt < w.cfg.MaxRetries {
			if serr := sleepCtx(ctx, w.cfg.occBackoff(attempt)); serr != nil {
				return serr
			}
		}
	}
	return err
}

// translateEntries resolves account addresses and converts signed amounts to
// debit/credit entries using account polarity.
func (w *Workers) translateEntries(ctx context.Context, instanceID uuid.UUID, inputs []domain.SignedEntryInput) ([]domain.Entry, map[uuid.UUID]*domain.Account, error) {
	entries := make([]domain.Entry, 0, len(inputs))
	accounts := map[uuid.UUID]*domain.Account{}

	for _, in := range inputs {
		if in.Amount == math.MinInt64 {
			return nil, nil, domain.NewValidationError().Add("entries.amount", "out of range")
		}
		acc, err := w.st.GetAccountByAddress(ctx, instanceID, in.AccountAddress)
		if err != nil {
			return nil, nil, err
		}
		accounts[acc.ID] = acc

		amt := in.Amount
		if amt < 0 {
			amt = -amt
		}
		entries = append(entries, domain.Entry{
			AccountID: acc.ID,
			Side:      domain.SignToEntrySide(acc.NormalSide, in.Amount),
			Amount:    amt,
			Currency:  in.Currency,
		})
	}
	return entries, accounts, nil
}

func decodeTransactionPayload(raw []byte) (*domain.TransactionPayload, error) {
	var p domain.TransactionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, domain.NewValidationError().Add("payload", "invalid transaction payload: "+err.Error())
	}
	if !p.Status.Valid() {
		return nil, domain.NewValidationError().Add("status", "must be pending, posted, or archived")
	}
	return &p, nil
}

func decodeAccountPayload(raw []byte) (*domain.AccountPayload, error) {
	var p domain.AccountPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, domain.NewValidationError().Add("payload", "invalid account payload: "+err.Error())
	}
	return &p, nil
}

func parseEffectiveAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, domain.NewValidationError().Add("effective_at", "must be RFC 3339")
	}
	return t.UTC(), nil
}

func asViews(entries []domain.Entry) []domain.EntryView {
	out := make([]domain.EntryView, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	return out
}

func mapLookup(m map[uuid.UUID]*domain.Account) domain.AccountLookup {
	return func(id uuid.UUID) (*domain.Account, bool) {
		a, ok := m[id]
		return a, ok
	}
}

func cloneEntries(entries []domain.Entry) []domain.Entry {
	if entries == nil {
		return nil
	}
	out := make([]domain.Entry, len(entries))
	copy(out, entries)
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
