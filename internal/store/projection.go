package store

import (
	"context"

	"github.com/google/uuid"

	"ledger-engine/internal/domain"
)

// CreateAccountProjection inserts an account together with its journal event
// and link job in one DB transaction. A pure insert: no OCC involved.
func (s *Store) CreateAccountProjection(ctx context.Context, cmd *domain.Command, p CreateAccountParams) (*domain.Account, *domain.JournalEvent, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, nil, wrapDB(err)
	}
	defer tx.Rollback(ctx)

	acc, err := s.createAccountTx(ctx, tx, p)
	if err != nil {
		return nil, nil, err
	}

	je, err := s.insertJournalEventTx(ctx, tx, cmd, "account.created", acc)
	if err != nil {
		return nil, nil, err
	}
	if err := s.enqueueLinkJobTx(ctx, tx, je, nil, []uuid.UUID{acc.ID}); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, wrapDB(err)
	}
	return acc, je, nil
}

// UpdateAccountProjection updates an account's descriptive attributes
// (never balances) under OCC, with journal event and link job.
func (s *Store) UpdateAccountProjection(ctx context.Context, cmd *domain.Command, address string, p UpdateAccountParams) (*domain.Account, *domain.JournalEvent, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, nil, wrapDB(err)
	}
	defer tx.Rollback(ctx)

	acc, err := s.getAccountTxByAddress(ctx, tx, cmd.InstanceID, address)
	if err != nil {
		return nil, nil, err
	}

	updated, err := s.updateAccountTx(ctx, tx, acc, p)
	if err != nil {
		return nil, nil, err
	}

	je, err := s.insertJournalEventTx(ctx, tx, cmd, "account.updated", updated)
	if err != nil {
		return nil, nil, err
	}
	if err := s.enqueueLinkJobTx(ctx, tx, je, nil, []uuid.UUID{updated.ID}); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, wrapDB(err)
	}
	return updated, je, nil
}
