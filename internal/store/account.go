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

const accountColumns = `id, instance_id, address, name, type, normal_side, currency, allow_negative,
	posted_debit, posted_credit, pending_debit, pending_credit, available, lock_version,
	metadata, inserted_at, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanAccount(row scannable) (*domain.Account, error) {
	var (
		acc      domain.Account
		metaJSON []byte
	)
	err := row.Scan(
		&acc.ID, &acc.InstanceID, &acc.Address, &acc.Name, &acc.Type, &acc.NormalSide,
		&acc.Currency, &acc.AllowNegative,
		&acc.Posted.Debit, &acc.Posted.Credit, &acc.Pending.Debit, &acc.Pending.Credit,
		&acc.Available, &acc.LockVersion, &metaJSON, &acc.InsertedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.Metadata = unmarshalJSONB(metaJSON)

	// Signed amounts are derived, not stored.
	if acc.NormalSide == domain.NormalDebit {
		acc.Posted.Amount = acc.Posted.Debit - acc.Posted.Credit
		acc.Pending.Amount = acc.Pending.Debit - acc.Pending.Credit
	} else {
		acc.Posted.Amount = acc.Posted.Credit - acc.Posted.Debit
		acc.Pending.Amount = acc.Pending.Credit - acc.Pending.Debit
	}
	return &acc, nil
}

// CreateAccountParams are the writable attributes of a new account.
type CreateAccountParams struct {
	InstanceID    uuid.UUID
	Address       string
	Name          string
	Type          domain.AccountType
	Currency      string
	AllowNegative bool
	Metadata      map[string]any
}

func (s *Store) createAccountTx(ctx context.Context, tx pgx.Tx, p CreateAccountParams) (*domain.Account, error) {
	metaJSON, err := marshalJSONB(p.Metadata)
	if err != nil {
		return nil, err
	}

	acc := &domain.Account{
		ID:            uuid.New(),
		InstanceID:    p.InstanceID,
		Address:       p.Address,
		Name:          p.Name,
		Type:          p.Type,
		NormalSide:    domain.NormalSideFor(p.Type),
		Currency:      p.Currency,
		AllowNegative: p.AllowNegative,
		Metadata:      p.Metadata,
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.table("accounts")+`
		   (id, instance_id, address, name, type, normal_side, currency, allow_negative, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 RETURNING inserted_at, updated_at`,
		acc.ID, acc.InstanceID, acc.Address, acc.Name, acc.Type, acc.NormalSide,
		acc.Currency, acc.AllowNegative, metaJSON,
	).Scan(&acc.InsertedAt, &acc.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.NewValidationError().Add("address", "already taken in this instance")
		}
		return nil, wrapDB(err)
	}
	return acc, nil
}

func (s *Store) GetAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.getAccount(ctx, s.db, "id = $1", id)
}

func (s *Store) GetAccountByAddress(ctx context.Context, instanceID uuid.UUID, address string) (*domain.Account, error) {
	acc, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM `+s.table("accounts")+`
		  WHERE instance_id = $1 AND address = $2`,
		instanceID, address,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, address)
		}
		return nil, wrapDB(err)
	}
	return acc, nil
}

func (s *Store) getAccountTxByAddress(ctx context.Context, tx pgx.Tx, instanceID uuid.UUID, address string) (*domain.Account, error) {
	acc, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM `+s.table("accounts")+`
		  WHERE instance_id = $1 AND address = $2`,
		instanceID, address,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, address)
		}
		return nil, wrapDB(err)
	}
	return acc, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getAccount(ctx context.Context, q rowQuerier, where string, arg any) (*domain.Account, error) {
	acc, err := scanAccount(q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM `+s.table("accounts")+` WHERE `+where, arg,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", domain.ErrAccountNotFound, arg)
		}
		return nil, wrapDB(err)
	}
	return acc, nil
}

// loadAccountsTx reads the given accounts inside tx, capturing the
// lock_version each subsequent conditional update must match.
func (s *Store) loadAccountsTx(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+accountColumns+` FROM `+s.table("accounts")+` WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	out := map[uuid.UUID]*domain.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[acc.ID] = acc
	}
	return out, rows.Err()
}

// ListAccounts pages through an instance's accounts by address.
func (s *Store) ListAccounts(ctx context.Context, instanceID uuid.UUID, page domain.Page) ([]*domain.Account, error) {
	page = page.Clamped()
	sql, args, err := qb.Select(accountColumns).
		From(s.table("accounts")).
		Where("instance_id = ?", instanceID).
		OrderBy("address").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// BalanceHistory pages the append-only snapshots for an account, newest first.
func (s *Store) BalanceHistory(ctx context.Context, accountID uuid.UUID, page domain.Page) ([]*domain.BalanceHistoryEntry, error) {
	acc, err := s.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	page = page.Clamped()
	sql, args, err := qb.Select("id, account_id, transaction_id, posted_debit, posted_credit, pending_debit, pending_credit, available, inserted_at").
		From(s.table("balance_history_entries")).
		Where("account_id = ?", accountID).
		OrderBy("inserted_at DESC", "id").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var out []*domain.BalanceHistoryEntry
	for rows.Next() {
		var h domain.BalanceHistoryEntry
		if err := rows.Scan(
			&h.ID, &h.AccountID, &h.TransactionID,
			&h.Posted.Debit, &h.Posted.Credit, &h.Pending.Debit, &h.Pending.Credit,
			&h.Available, &h.InsertedAt,
		); err != nil {
			return nil, err
		}
		if acc.NormalSide == domain.NormalDebit {
			h.Posted.Amount = h.Posted.Debit - h.Posted.Credit
			h.Pending.Amount = h.Pending.Debit - h.Pending.Credit
		} else {
			h.Posted.Amount = h.Posted.Credit - h.Posted.Debit
			h.Pending.Amount = h.Pending.Credit - h.Pending.Debit
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

// applyBalanceTx writes an account's new balance set under OCC and appends
// the balance history snapshot. The WHERE on lock_version is the optimistic
// check: zero rows affected means another writer got there first.
func (s *Store) applyBalanceTx(ctx context.Context, tx pgx.Tx, acc *domain.Account, bal domain.BalanceSet, transactionID uuid.UUID) error {
	tag, err := tx.Exec(ctx,
		`UPDATE `+s.table("accounts")+`
		    SET posted_debit = $1, posted_credit = $2,
		        pending_debit = $3, pending_credit = $4,
		        available = $5, lock_version = lock_version + 1, updated_at = now()
		  WHERE id = $6 AND lock_version = $7`,
		bal.Posted.Debit, bal.Posted.Credit, bal.Pending.Debit, bal.Pending.Credit,
		bal.Available, acc.ID, acc.LockVersion,
	)
	if err != nil {
		return wrapDB(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s version %d", domain.ErrStaleRow, acc.Address, acc.LockVersion)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO `+s.table("balance_history_entries")+`
		   (id, account_id, transaction_id, posted_debit, posted_credit, pending_debit, pending_credit, available)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		uuid.New(), acc.ID, transactionID,
		bal.Posted.Debit, bal.Posted.Credit, bal.Pending.Debit, bal.Pending.Credit, bal.Available,
	)
	return wrapDB(err)
}

// UpdateAccountParams are the mutable attributes of an existing account.
// Balances are never updated directly.
type UpdateAccountParams struct {
	Name          *string
	AllowNegative *bool
	Metadata      map[string]any
}

func (s *Store) updateAccountTx(ctx context.Context, tx pgx.Tx, acc *domain.Account, p UpdateAccountParams) (*domain.Account, error) {
	updated := *acc
	if p.Name != nil {
		updated.Name = *p.Name
	}
	if p.AllowNegative != nil {
		updated.AllowNegative = *p.AllowNegative
	}
	if p.Metadata != nil {
		updated.Metadata = p.Metadata
	}

	metaJSON, err := marshalJSONB(updated.Metadata)
	if err != nil {
		return nil, err
	}

	var updatedAt time.Time
	err = tx.QueryRow(ctx,
		`UPDATE `+s.table("accounts")+`
		    SET name = $1, allow_negative = $2, metadata = $3,
		        lock_version = lock_version + 1, updated_at = now()
		  WHERE id = $4 AND lock_version = $5
		  RETURNING updated_at`,
		updated.Name, updated.AllowNegative, metaJSON, acc.ID, acc.LockVersion,
	).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s version %d", domain.ErrStaleRow, acc.Address, acc.LockVersion)
		}
		return nil, wrapDB(err)
	}

	updated.LockVersion++
	updated.UpdatedAt = updatedAt
	return &updated, nil
}
