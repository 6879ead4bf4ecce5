package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ledger-engine/internal/domain"
)

const commandColumns = `id, instance_id, action, source, source_idempk,
	COALESCE(update_idempk,''), COALESCE(update_source,''), payload, idempotency_hash, inserted_at`

const queueColumns = `command_id, instance_id, action, status, retry_count, next_retry_after,
	COALESCE(processor_id,''), processing_started_at, processing_completed_at, errors, row_version, inserted_at`

// claimableWhere selects items a processor may take: fresh ones, and
// failed/occ_timeout ones whose retry delay has elapsed.
const claimableWhere = `(status = 'pending'
	OR (status IN ('failed','occ_timeout') AND next_retry_after IS NOT NULL AND next_retry_after <= now()))`

func scanCommand(row scannable) (*domain.Command, error) {
	var cmd domain.Command
	err := row.Scan(
		&cmd.ID, &cmd.InstanceID, &cmd.Action, &cmd.Source, &cmd.SourceIdempk,
		&cmd.UpdateIdempk, &cmd.UpdateSource, &cmd.Payload, &cmd.IdempotencyHash, &cmd.InsertedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cmd, nil
}

func scanQueueItem(row scannable) (*domain.QueueItem, error) {
	var (
		item    domain.QueueItem
		errJSON []byte
	)
	err := row.Scan(
		&item.CommandID, &item.InstanceID, &item.Action, &item.Status, &item.RetryCount,
		&item.NextRetryAfter, &item.ProcessorID, &item.ProcessingStartedAt,
		&item.ProcessingCompletedAt, &errJSON, &item.RowVersion, &item.InsertedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(errJSON) > 0 {
		_ = json.Unmarshal(errJSON, &item.Errors)
	}
	return &item, nil
}

// CreateCommand persists a command and its pending queue item atomically.
// The unique (instance_id, idempotency_hash) constraint makes replays return
// a DuplicateCommandError carrying the original command id.
func (s *Store) CreateCommand(ctx context.Context, cmd *domain.Command) (*domain.Command, *domain.QueueItem, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, nil, wrapDB(err)
	}
	defer tx.Rollback(ctx)

	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO `+s.table("commands")+`
		   (id, instance_id, action, source, source_idempk, update_idempk, update_source, payload, idempotency_hash)
		 VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),NULLIF($7,''),$8,$9)
		 ON CONFLICT (instance_id, idempotency_hash) DO NOTHING`,
		cmd.ID, cmd.InstanceID, cmd.Action, cmd.Source, cmd.SourceIdempk,
		cmd.UpdateIdempk, cmd.UpdateSource, cmd.Payload, cmd.IdempotencyHash,
	)
	if err != nil {
		return nil, nil, wrapDB(err)
	}

	if tag.RowsAffected() == 0 {
		var existingID uuid.UUID
		err := tx.QueryRow(ctx,
			`SELECT id FROM `+s.table("commands")+`
			  WHERE instance_id = $1 AND idempotency_hash = $2`,
			cmd.InstanceID, cmd.IdempotencyHash,
		).Scan(&existingID)
		if err != nil {
			return nil, nil, wrapDB(err)
		}
		return nil, nil, &domain.DuplicateCommandError{ExistingID: existingID}
	}

	item := &domain.QueueItem{
		CommandID:  cmd.ID,
		InstanceID: cmd.InstanceID,
		Action:     cmd.Action,
		Status:     domain.QueuePending,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO `+s.table("command_queue_items")+` (command_id, instance_id, action)
		 VALUES ($1,$2,$3)
		 RETURNING inserted_at`,
		item.CommandID, item.InstanceID, item.Action,
	).Scan(&item.InsertedAt)
	if err != nil {
		return nil, nil, wrapDB(err)
	}

	err = tx.QueryRow(ctx,
		`SELECT inserted_at FROM `+s.table("commands")+` WHERE id = $1`, cmd.ID,
	).Scan(&cmd.InsertedAt)
	if err != nil {
		return nil, nil, wrapDB(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, wrapDB(err)
	}
	return cmd, item, nil
}

func (s *Store) GetCommand(ctx context.Context, id uuid.UUID) (*domain.Command, error) {
	cmd, err := scanCommand(s.db.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM `+s.table("commands")+` WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: command %s", domain.ErrNotFound, id)
		}
		return nil, wrapDB(err)
	}
	return cmd, nil
}

// FindCommandBySource locates a command by its external identity tuple.
func (s *Store) FindCommandBySource(ctx context.Context, instanceID uuid.UUID, action domain.CommandAction, source, sourceIdempk string) (*domain.Command, error) {
	cmd, err := scanCommand(s.db.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM `+s.table("commands")+`
		  WHERE instance_id = $1 AND action = $2 AND source = $3 AND source_idempk = $4
		  ORDER BY inserted_at LIMIT 1`,
		instanceID, action, source, sourceIdempk,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: command %s/%s/%s", domain.ErrNotFound, action, source, sourceIdempk)
		}
		return nil, wrapDB(err)
	}
	return cmd, nil
}

// CommandFilter narrows ListCommands.
type CommandFilter struct {
	Action domain.CommandAction
	Source string
}

// ListCommands pages a tenant's commands, newest first.
func (s *Store) ListCommands(ctx context.Context, instanceID uuid.UUID, f CommandFilter, page domain.Page) ([]*domain.Command, error) {
	page = page.Clamped()
	q := qb.Select(commandColumns).
		From(s.table("commands")).
		Where("instance_id = ?", instanceID).
		OrderBy("inserted_at DESC", "id").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset))
	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}
	if f.Source != "" {
		q = q.Where("source = ?", f.Source)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var out []*domain.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

func (s *Store) GetQueueItem(ctx context.Context, commandID uuid.UUID) (*domain.QueueItem, error) {
	item, err := scanQueueItem(s.db.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM `+s.table("command_queue_items")+` WHERE command_id = $1`, commandID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: queue item %s", domain.ErrNotFound, commandID)
		}
		return nil, wrapDB(err)
	}
	return item, nil
}

// ListQueueItems pages a tenant's queue items, optionally by status.
func (s *Store) ListQueueItems(ctx context.Context, instanceID uuid.UUID, status domain.QueueStatus, page domain.Page) ([]*domain.QueueItem, error) {
	page = page.Clamped()
	q := qb.Select(queueColumns).
		From(s.table("command_queue_items")).
		Where("instance_id = ?", instanceID).
		OrderBy("inserted_at", "command_id").
		Limit(uint64(page.Limit)).
		Offset(uint64(page.Offset))
	if status != "" {
		q = q.Where(sq.Eq{"status": status})
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var out []*domain.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// NextClaimable returns the oldest claimable item for a tenant, or nil.
func (s *Store) NextClaimable(ctx context.Context, instanceID uuid.UUID) (*domain.QueueItem, error) {
	item, err := scanQueueItem(s.db.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM `+s.table("command_queue_items")+`
		  WHERE instance_id = $1 AND `+claimableWhere+`
		  ORDER BY inserted_at, command_id
		  LIMIT 1`, instanceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapDB(err)
	}
	return item, nil
}

// ClaimableInstances lists tenants that currently have claimable work.
func (s *Store) ClaimableInstances(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT instance_id FROM `+s.table("command_queue_items")+` WHERE `+claimableWhere,
	)
	if err != nil {
		return nil, wrapDB(err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Claim atomically takes an item for a processor. The WHERE on status,
// next_retry_after, and row_version makes the DB the authoritative exclusion:
// zero rows affected means someone else won.
func (s *Store) Claim(ctx context.Context, item *domain.QueueItem, processorID string) (*domain.QueueItem, error) {
	claimed, err := scanQueueItem(s.db.QueryRow(ctx,
		`UPDATE `+s.table("command_queue_items")+`
		    SET status = 'processing', processor_id = $1, processing_started_at = now(),
		        retry_count = retry_count + 1, next_retry_after = NULL,
		        row_version = row_version + 1
		  WHERE command_id = $2 AND row_version = $3 AND `+claimableWhere+`
		  RETURNING `+queueColumns,
		processorID, item.CommandID, item.RowVersion,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: item %s", domain.ErrAlreadyClaimed, item.CommandID)
		}
		return nil, wrapDB(err)
	}
	return claimed, nil
}

// MarkProcessed finishes an item successfully.
func (s *Store) MarkProcessed(ctx context.Context, item *domain.QueueItem) error {
	_, err := s.db.Exec(ctx,
		`UPDATE `+s.table("command_queue_items")+`
		    SET status = 'processed', processing_completed_at = now(), row_version = row_version + 1
		  WHERE command_id = $1`, item.CommandID,
	)
	return wrapDB(err)
}

// MarkFailed appends the error and either schedules a retry (failed or
// occ_timeout with next_retry_after) or, when retryAt is nil, dead-letters.
func (s *Store) MarkFailed(ctx context.Context, item *domain.QueueItem, kind domain.QueueStatus, message string, retryAt *time.Time) error {
	if kind != domain.QueueFailed && kind != domain.QueueOCCTimeout {
		return fmt.Errorf("mark failed with non-failure status %q", kind)
	}

	errJSON, err := json.Marshal(domain.QueueError{Timestamp: time.Now().UTC(), Message: message})
	if err != nil {
		return err
	}

	status := kind
	if retryAt == nil {
		status = domain.QueueDeadLetter
	}

	_, err = s.db.Exec(ctx,
		`UPDATE `+s.table("command_queue_items")+`
		    SET status = $1, next_retry_after = $2,
		        processing_completed_at = CASE WHEN $1 = 'dead_letter' THEN now() ELSE NULL END,
		        errors = errors || $3::jsonb,
		        row_version = row_version + 1
		  WHERE command_id = $4`,
		status, retryAt, errJSON, item.CommandID,
	)
	return wrapDB(err)
}

// MarkDeadLetter terminates an item immediately, recording the error.
// Used for terminal business-rule failures and the on_error=fail policy.
func (s *Store) MarkDeadLetter(ctx context.Context, item *domain.QueueItem, message string) error {
	errJSON, err := json.Marshal(domain.QueueError{Timestamp: time.Now().UTC(), Message: message})
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`UPDATE `+s.table("command_queue_items")+`
		    SET status = 'dead_letter', next_retry_after = NULL,
		        processing_completed_at = now(),
		        errors = errors || $1::jsonb,
		        row_version = row_version + 1
		  WHERE command_id = $2`,
		errJSON, item.CommandID,
	)
	return wrapDB(err)
}

// InsertPendingLookup opens the single-writer guard for a pending
// transaction's update chain.
func (s *Store) InsertPendingLookup(ctx context.Context, instanceID, transactionID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO `+s.table("pending_transaction_lookup")+` (transaction_id, instance_id)
		 VALUES ($1,$2)`,
		transactionID, instanceID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: transaction %s", domain.ErrPendingUpdateInFlight, transactionID)
	}
	return wrapDB(err)
}

// DeletePendingLookup closes the guard. Safe to call when no row exists.
func (s *Store) DeletePendingLookup(ctx context.Context, transactionID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM `+s.table("pending_transaction_lookup")+` WHERE transaction_id = $1`,
		transactionID,
	)
	return wrapDB(err)
}
