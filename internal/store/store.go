package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"ledger-engine/internal/domain"
)

const uniqueViolationCode = "23505"

// Store is the persistence layer: instances, accounts, transactions,
// commands, queue items, and journal rows, all under one schema prefix.
type Store struct {
	db     *pgxpool.Pool
	schema string
	log    *zap.Logger
}

func New(db *pgxpool.Pool, schema string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, schema: schema, log: log}
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.db }

func (s *Store) table(name string) string { return s.schema + "." + name }

// qb is the shared squirrel builder with Postgres placeholders.
var qb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	return s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// wrapDB classifies low-level pgx errors so the scheduler can retry
// connection-level failures without inspecting driver types.
func wrapDB(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 = connection exception, 40 = transaction rollback
		// (serialization failure, deadlock). Both are worth a retry.
		class := ""
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		if class == "08" || class == "40" {
			return fmt.Errorf("%w: %v", domain.ErrTransientDB, err)
		}
	}
	return err
}

func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func unmarshalJSONB(b []byte) map[string]any {
	m := map[string]any{}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &m)
	}
	return m
}
