package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ledger-engine/internal/domain"
)

// CreateTransactionParams describes a fully translated transaction: entries
// already carry explicit debit/credit sides.
type CreateTransactionParams struct {
	Command     *domain.Command
	Status      domain.TransactionStatus
	EffectiveAt time.Time
	Metadata    map[string]any
	Entries     []domain.Entry
}

// CreateTransaction runs the whole projection as one DB transaction: insert
// the transaction row and its entries, reload every involved account, apply
// the balance deltas under OCC, append balance history, and write the journal
// event plus its link-job row. Any OCC miss rolls back everything and
// surfaces ErrStaleRow.
func (s *Store) CreateTransaction(ctx context.Context, p CreateTransactionParams) (*domain.Transaction, *domain.JournalEvent, error) {
	if p.Status != domain.TransactionPending && p.Status != domain.TransactionPosted {
		return nil, nil, fmt.Errorf("%w: transactions are created pending or posted", domain.ErrIllegalTransition)
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, nil, wrapDB(err)
	}
	defer tx.Rollback(ctx)

	accounts, err := s.loadAccountsTx(ctx, tx, entryAccountIDs(p.Entries))
	if err != nil {
		return nil, nil, err
	}
	if err := domain.ValidateEntries(p.Command.InstanceID, entryViews(p.Entries), mapLookup(accounts)); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	effectiveAt := p.EffectiveAt
	if effectiveAt.IsZero() {
		effectiveAt = now
	}

	txn := &domain.Transaction{
		ID:          uuid.New(),
		InstanceID:  p.Command.InstanceID,
		Status:      p.Status,
		EffectiveAt: effectiveAt,
		Metadata:    p.Metadata,
	}
	if p.Status == domain.TransactionPosted {
		txn.PostedAt = &now
	}

	metaJSON, err := marshalJSONB(p.Metadata)
	if err != nil {
		return nil, nil, err
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.table("transactions")+`
		   (id, instance_id, status, effective_at, posted_at, metadata, created_by_command_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 RETURNING inserted_at, updated_at`,
		txn.ID, txn.InstanceID, txn.Status, txn.EffectiveAt, txn.PostedAt, metaJSON, p.Command.ID,
	).Scan(&txn.InsertedAt, &txn.UpdatedAt)
	if err != nil {
		return nil, nil, wrapDB(err)
	}

	for i := range p.Entries {
		p.Entries[i].ID = uuid.New()
		p.Entries[i].TransactionID = txn.ID
		if err := s.insertEntryTx(ctx, tx, p.Entries[i]); err != nil {
			return nil, nil, err
		}
	}
	txn.Entries = p.Entries

	transition := domain.TransitionPosted
	if p.Status == domain.TransactionPending {
		transition = domain.TransitionPending
	}
	if err := s.applyEntriesTx(ctx, tx, accounts, p.Entries, transition, txn.ID); err != nil {
		return nil, nil, err
	}

	je, err := s.insertJournalEventTx(ctx, tx, p.Command, "transaction."+string(p.Status), txn)
	if err != nil {
		return nil, nil, err
	}
	if err := s.enqueueLinkJobTx(ctx, tx, je, []uuid.UUID{txn.ID}, entryAccountIDs(p.Entries)); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, wrapDB(err)
	}
	return txn, je, nil
}

// UpdateTransactionParams restatuses a pending transaction and, when the
// target status is posted, may replace its entries wholesale.
type UpdateTransactionParams struct {
	Command            *domain.Command
	TransactionID      uuid.UUID
	NewStatus          domain.TransactionStatus
	ReplacementEntries []domain.Entry
	Metadata           map[string]any
}

// UpdateTransaction transitions a pending transaction under the same atomic
// regime as CreateTransaction. Entry replacement is a full
// reverse-and-reapply: the original pending effects are reversed, the
// replacement entries are applied posted.
func (s *Store) UpdateTransaction(ctx context.Context, p UpdateTransactionParams) (*domain.Transaction, *domain.JournalEvent, error) {
	if len(p.ReplacementEntries) > 0 && p.NewStatus != domain.TransactionPosted {
		return nil, nil, domain.NewValidationError().
			Add("entries", "may only be replaced when transitioning to posted")
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, nil, wrapDB(err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.getTransactionTx(ctx, tx, p.TransactionID)
	if err != nil {
		return nil, nil, err
	}
	if err := domain.ValidateTransition(txn.Status, p.NewStatus); err != nil {
		return nil, nil, err
	}

	replacing := len(p.ReplacementEntries) > 0

	ids := entryAccountIDs(txn.Entries)
	if replacing {
		ids = append(ids, entryAccountIDs(p.ReplacementEntries)...)
	}
	accounts, err := s.loadAccountsTx(ctx, tx, dedupe(ids))
	if err != nil {
		return nil, nil, err
	}

	if replacing {
		if err := domain.ValidateEntries(txn.InstanceID, entryViews(p.ReplacementEntries), mapLookup(accounts)); err != nil {
			return nil, nil, err
		}
		// Reverse the original hold, then apply the replacement as posted.
		if err := s.applyEntriesTx(ctx, tx, accounts, txn.Entries, domain.TransitionPendingToArchived, txn.ID); err != nil {
			return nil, nil, err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM `+s.table("entries")+` WHERE transaction_id = $1`, txn.ID,
		); err != nil {
			return nil, nil, wrapDB(err)
		}
		for i := range p.ReplacementEntries {
			p.ReplacementEntries[i].ID = uuid.New()
			p.ReplacementEntries[i].TransactionID = txn.ID
			if err := s.insertEntryTx(ctx, tx, p.ReplacementEntries[i]); err != nil {
				return nil, nil, err
			}
		}
		if err := s.applyEntriesTx(ctx, tx, accounts, p.ReplacementEntries, domain.TransitionPosted, txn.ID); err != nil {
			return nil, nil, err
		}
		txn.Entries = p.ReplacementEntries
	} else {
		transition, err := domain.TransitionFor(txn.Status, p.NewStatus)
		if err != nil {
			return nil, nil, err
		}
		if err := s.applyEntriesTx(ctx, tx, accounts, txn.Entries, transition, txn.ID); err != nil {
			return nil, nil, err
		}
	}

	txn.Status = p.NewStatus
	if p.Metadata != nil {
		txn.Metadata = p.Metadata
	}
	var postedAt *time.Time
	if p.NewStatus == domain.TransactionPosted {
		now := time.Now().UTC()
		postedAt = &now
	}
	txn.PostedAt = postedAt

	metaJSON, err := marshalJSONB(txn.Metadata)
	if err != nil {
		return nil, nil, err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE `+s.table("transactions")+`
		    SET status = $1, posted_at = $2, metadata = $3, updated_at = now()
		  WHERE id = $4 AND status = 'pending'`,
		txn.Status, txn.PostedAt, metaJSON, txn.ID,
	)
	if err != nil {
		return nil, nil, wrapDB(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil, fmt.Errorf("%w: transaction %s", domain.ErrUpdateTargetNotPending, txn.ID)
	}

	je, err := s.insertJournalEventTx(ctx, tx, p.Command, "transaction."+string(p.NewStatus), txn)
	if err != nil {
		return nil, nil, err
	}
	if err := s.enqueueLinkJobTx(ctx, tx, je, []uuid.UUID{txn.ID}, entryAccountIDs(txn.Entries)); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, wrapDB(err)
	}
	return txn, je, nil
}

// applyEntriesTx folds all entries for each account through the balance
// arithmetic and persists one conditional update per account.
func (s *Store) applyEntriesTx(ctx context.Context, tx pgx.Tx, accounts map[uuid.UUID]*domain.Account, entries []domain.Entry, transition domain.BalanceTransition, txnID uuid.UUID) error {
	touched := map[uuid.UUID]domain.BalanceSet{}
	order := make([]uuid.UUID, 0, len(accounts))

	for _, e := range entries {
		acc, ok := accounts[e.AccountID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrAccountNotFound, e.AccountID)
		}
		bal, seen := touched[acc.ID]
		if !seen {
			bal = domain.BalanceSet{Posted: acc.Posted, Pending: acc.Pending, Available: acc.Available}
			order = append(order, acc.ID)
		}
		next, err := domain.ApplyEntry(acc.NormalSide, acc.AllowNegative, bal, e, transition)
		if err != nil {
			return err
		}
		touched[acc.ID] = next
	}

	for _, id := range order {
		acc := accounts[id]
		bal := touched[id]
		if err := s.applyBalanceTx(ctx, tx, acc, bal, txnID); err != nil {
			return err
		}
		// Keep the in-memory row in step so a later apply in the same DB
		// transaction matches the bumped lock_version.
		acc.LockVersion++
		acc.Posted = bal.Posted
		acc.Pending = bal.Pending
		acc.Available = bal.Available
	}
	return nil
}

func (s *Store) insertEntryTx(ctx context.Context, tx pgx.Tx, e domain.Entry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("entries")+` (id, transaction_id, account_id, side, amount, currency)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.TransactionID, e.AccountID, e.Side, e.Amount, e.Currency,
	)
	return wrapDB(err)
}

// GetTransaction loads a transaction with its entries.
func (s *Store) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer tx.Rollback(ctx)

	txn, err := s.getTransactionTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return txn, tx.Commit(ctx)
}

func (s *Store) getTransactionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Transaction, error) {
	var (
		txn      domain.Transaction
		metaJSON []byte
	)
	err := tx.QueryRow(ctx,
		`SELECT id, instance_id, status, effective_at, posted_at, metadata, inserted_at, updated_at
		   FROM `+s.table("transactions")+` WHERE id = $1`, id,
	).Scan(&txn.ID, &txn.InstanceID, &txn.Status, &txn.EffectiveAt, &txn.PostedAt,
		&metaJSON, &txn.InsertedAt, &txn.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
		}
		return nil, wrapDB(err)
	}
	txn.Metadata = unmarshalJSONB(metaJSON)

	rows, err := tx.Query(ctx,
		`SELECT id, transaction_id, account_id, side, amount, currency
		   FROM `+s.table("entries")+` WHERE transaction_id = $1 ORDER BY inserted_at, id`, id,
	)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Side, &e.Amount, &e.Currency); err != nil {
			return nil, err
		}
		txn.Entries = append(txn.Entries, e)
	}
	return &txn, rows.Err()
}

// FindTransactionByCreateSource resolves the transaction projected by the
// create_transaction command with the given source tuple. Used to locate the
// target of an update_transaction command.
func (s *Store) FindTransactionByCreateSource(ctx context.Context, instanceID uuid.UUID, source, sourceIdempk string) (*domain.Transaction, error) {
	var id uuid.UUID
	err := s.db.QueryRow(ctx,
		`SELECT t.id
		   FROM `+s.table("transactions")+` t
		   JOIN `+s.table("commands")+` c ON c.id = t.created_by_command_id
		  WHERE c.instance_id = $1 AND c.action = 'create_transaction'
		    AND c.source = $2 AND c.source_idempk = $3`,
		instanceID, source, sourceIdempk,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: source=%s source_idempk=%s", domain.ErrUpdateTargetMissing, source, sourceIdempk)
		}
		return nil, wrapDB(err)
	}
	return s.GetTransaction(ctx, id)
}

func entryAccountIDs(entries []domain.Entry) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.AccountID)
	}
	return dedupe(ids)
}

func entryViews(entries []domain.Entry) []domain.EntryView {
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

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := map[uuid.UUID]struct{}{}
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
