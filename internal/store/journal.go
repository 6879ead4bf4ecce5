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

// insertJournalEventTx writes the immutable audit row inside the projection's
// DB transaction, so no successful projection can lack its trail. The unique
// constraint on command_id is the at-most-once-commit guard.
func (s *Store) insertJournalEventTx(ctx context.Context, tx pgx.Tx, cmd *domain.Command, kind string, payload any) (*domain.JournalEvent, error) {
	digest, err := domain.CanonicalDigest(payload)
	if err != nil {
		return nil, err
	}

	je := &domain.JournalEvent{
		ID:            uuid.New(),
		CommandID:     cmd.ID,
		InstanceID:    cmd.InstanceID,
		Kind:          kind,
		PayloadDigest: digest,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.table("journal_events")+` (id, command_id, instance_id, kind, payload_digest)
		 VALUES ($1,$2,$3,$4,$5)
		 RETURNING inserted_at`,
		je.ID, je.CommandID, je.InstanceID, je.Kind, je.PayloadDigest,
	).Scan(&je.InsertedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: command %s already journaled", domain.ErrStaleRow, cmd.ID)
		}
		return nil, wrapDB(err)
	}
	return je, nil
}

// GetJournalEventByCommand returns the audit row for a command, if any.
func (s *Store) GetJournalEventByCommand(ctx context.Context, commandID uuid.UUID) (*domain.JournalEvent, error) {
	var je domain.JournalEvent
	err := s.db.QueryRow(ctx,
		`SELECT id, command_id, instance_id, kind, payload_digest, inserted_at
		   FROM `+s.table("journal_events")+` WHERE command_id = $1`, commandID,
	).Scan(&je.ID, &je.CommandID, &je.InstanceID, &je.Kind, &je.PayloadDigest, &je.InsertedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: journal event for command %s", domain.ErrNotFound, commandID)
		}
		return nil, wrapDB(err)
	}
	return &je, nil
}

// LinkJob is one pending fan-out of link rows for a journal event.
type LinkJob struct {
	ID             uuid.UUID
	JournalEventID uuid.UUID
	CommandID      uuid.UUID
	TransactionIDs []uuid.UUID
	AccountIDs     []uuid.UUID
	Attempts       int
}

// enqueueLinkJobTx records the fan-out work durably in the same DB
// transaction as the journal event. Delivery is at-least-once; the link
// tables dedupe on their primary keys.
func (s *Store) enqueueLinkJobTx(ctx context.Context, tx pgx.Tx, je *domain.JournalEvent, transactionIDs, accountIDs []uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("journal_link_jobs")+`
		   (id, journal_event_id, command_id, transaction_ids, account_ids)
		 VALUES ($1,$2,$3,$4,$5)`,
		uuid.New(), je.ID, je.CommandID, transactionIDs, accountIDs,
	)
	return wrapDB(err)
}

// ClaimDueLinkJobs locks up to limit due jobs for this process.
// SKIP LOCKED keeps concurrent runners from fighting over rows.
func (s *Store) ClaimDueLinkJobs(ctx context.Context, tx pgx.Tx, limit int) ([]LinkJob, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, journal_event_id, command_id, transaction_ids, account_ids, attempts
		   FROM `+s.table("journal_link_jobs")+`
		  WHERE completed_at IS NULL AND next_attempt_at <= now()
		  ORDER BY inserted_at
		  LIMIT $1
		  FOR UPDATE SKIP LOCKED`, limit,
	)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var jobs []LinkJob
	for rows.Next() {
		var j LinkJob
		if err := rows.Scan(&j.ID, &j.JournalEventID, &j.CommandID, &j.TransactionIDs, &j.AccountIDs, &j.Attempts); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RunLinkJob inserts the link rows for one job idempotently and marks the job
// complete. Called inside the claiming transaction.
func (s *Store) RunLinkJob(ctx context.Context, tx pgx.Tx, j LinkJob) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("journal_event_command_links")+` (journal_event_id, command_id)
		 VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		j.JournalEventID, j.CommandID,
	); err != nil {
		return wrapDB(err)
	}
	for _, txnID := range j.TransactionIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table("journal_event_transaction_links")+` (journal_event_id, transaction_id)
			 VALUES ($1,$2) ON CONFLICT DO NOTHING`,
			j.JournalEventID, txnID,
		); err != nil {
			return wrapDB(err)
		}
	}
	for _, accID := range j.AccountIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.table("journal_event_account_links")+` (journal_event_id, account_id)
			 VALUES ($1,$2) ON CONFLICT DO NOTHING`,
			j.JournalEventID, accID,
		); err != nil {
			return wrapDB(err)
		}
	}

	_, err := tx.Exec(ctx,
		`UPDATE `+s.table("journal_link_jobs")+`
		    SET completed_at = now(), attempts = attempts + 1
		  WHERE id = $1`, j.ID,
	)
	return wrapDB(err)
}

// RescheduleLinkJob pushes a failed job's next attempt out. Best effort: the
// job row survives process crashes.
func (s *Store) RescheduleLinkJob(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	_, err := s.db.Exec(ctx,
		`UPDATE `+s.table("journal_link_jobs")+`
		    SET attempts = attempts + 1, next_attempt_at = now() + $2
		  WHERE id = $1`, jobID, delay,
	)
	return wrapDB(err)
}
