package store_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/store"
)

func mustDSN(t *testing.T) string {
	t.Helper()
	v := strings.TrimSpace(os.Getenv("LEDGER_DB_DSN"))
	if v == "" {
		t.Skipf("missing LEDGER_DB_DSN env var")
	}
	return v
}

func newTestStore(t *testing.T) (*store.Store, *domain.Instance) {
	t.Helper()
	dsn := mustDSN(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	schema := "ledger_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	require.NoError(t, store.Migrate(ctx, pool, schema))
	t.Cleanup(func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer dcancel()
		_, _ = pool.Exec(dctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		pool.Close()
	})

	st := store.New(pool, schema, zap.NewNop())
	inst, err := st.CreateInstance(ctx, "tenant-"+uuid.NewString(), nil, nil)
	require.NoError(t, err)
	return st, inst
}

func newCommand(inst *domain.Instance, idempk string) *domain.Command {
	return &domain.Command{
		InstanceID:   inst.ID,
		Action:       domain.ActionCreateTransaction,
		Source:       "test",
		SourceIdempk: idempk,
		Payload:      []byte(`{"status":"posted","entries":[]}`),
		IdempotencyHash: domain.IdempotencyHash(
			[]byte("test-secret"), domain.ActionCreateTransaction, inst.Address,
			"test", idempk, "", "",
		),
	}
}

func TestCreateCommandIsIdempotent(t *testing.T) {
	st, inst := newTestStore(t)
	ctx := context.Background()

	first, item, err := st.CreateCommand(ctx, newCommand(inst, "k-1"))
	require.NoError(t, err)
	require.Equal(t, domain.QueuePending, item.Status)
	require.Equal(t, first.ID, item.CommandID)

	_, _, err = st.CreateCommand(ctx, newCommand(inst, "k-1"))
	var dup *domain.DuplicateCommandError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, first.ID, dup.ExistingID)

	// Only one queue item exists.
	items, err := st.ListQueueItems(ctx, inst.ID, "", domain.Page{})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestClaimIsExclusive(t *testing.T) {
	st, inst := newTestStore(t)
	ctx := context.Background()

	_, item, err := st.CreateCommand(ctx, newCommand(inst, "k-1"))
	require.NoError(t, err)

	claimed, err := st.Claim(ctx, item, "proc-a")
	require.NoError(t, err)
	require.Equal(t, domain.QueueProcessing, claimed.Status)
	require.Equal(t, "proc-a", claimed.ProcessorID)
	require.Equal(t, 1, claimed.RetryCount)
	require.NotNil(t, claimed.ProcessingStartedAt)

	// A second claimer holding the stale row must lose.
	_, err = st.Claim(ctx, item, "proc-b")
	require.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

func TestNextClaimableFollowsInsertionOrder(t *testing.T) {
	st, inst := newTestStore(t)
	ctx := context.Background()

	c1, _, err := st.CreateCommand(ctx, newCommand(inst, "k-1"))
	require.NoError(t, err)
	c2, _, err := st.CreateCommand(ctx, newCommand(inst, "k-2"))
	require.NoError(t, err)

	next, err := st.NextClaimable(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, c1.ID, next.CommandID)

	claimed, err := st.Claim(ctx, next, "proc-a")
	require.NoError(t, err)
	require.NoError(t, st.MarkProcessed(ctx, claimed))

	next, err = st.NextClaimable(ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, c2.ID, next.CommandID)
}

func TestClaimableInstancesReportsPendingTenants(t *testing.T) {
	st, inst := newTestStore(t)
	ctx := context.Background()

	ids, err := st.ClaimableInstances(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	_, _, err = st.CreateCommand(ctx, newCommand(inst, "k-1"))
	require.NoError(t, err)

	ids, err = st.ClaimableInstances(ctx)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{inst.ID}, ids)
}

func TestMarkFailedSchedulesRetry(t *testing.T) {
	st, inst := newTestStore(t)
	ctx := context.Background()

	_, item, err := st.CreateCommand(ctx, newCommand(inst, "k-1"))
	require.NoError(t, err)

	claimed, err := st.Claim(ctx, item, "proc-a")
	require.NoError(t, err)

	// Retry in the future: not claimable yet.
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.MarkFailed(ctx, claimed, domain.QueueFailed, "boom", &future))

	next, err := st.NextClaimable(ctx, inst.ID)
	require.NoError(t, err)
	require.Nil(t, next)

	got, err := st.GetQueueItem(ctx, claimed.CommandID)
	require.NoError(t, err)
	require.Equal(t, domain.QueueFailed, got.Status)
	require.Len(t, got.Errors, 1)
	require.Equal(t, "boom", got.Errors[0].Message)

	// Elapsed retry delay makes it claimable again.
	past := time.Now().UTC().Add(-time.Second)
	require.NoError(t, st.MarkFailed(ctx, got, domain.QueueOCCTimeout, "stale", &past))

	next, err = st.NextClaimable(ctx, inst.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, domain.QueueOCCTimeout, next.Status)
	require.Len(t, next.Errors, 2)
}

func TestMarkFailedWithoutRetryDeadLetters(t *testing.T) {
	st, inst := newTestStore(t)
	ctx := context.Background()

	_, item, err := st.CreateCommand(ctx, newCommand(inst, "k-1"))
	require.NoError(t, err)

	claimed, err := st.Claim(ctx, item, "proc-a")
	require.NoError(t, err)
	require.NoError(t, st.MarkFailed(ctx, claimed, domain.QueueFailed, "gave up", nil))

	got, err := st.GetQueueItem(ctx, claimed.CommandID)
	require.NoError(t, err)
	require.Equal(t, domain.QueueDeadLetter, got.Status)
	require.NotNil(t, got.ProcessingCompletedAt)

	next, err := st.NextClaimable(ctx, inst.ID)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestPendingLookupIsSingleWriter(t *testing.T) {
	st, inst := newTestStore(t)
	ctx := context.Background()

	txnID := uuid.New()
	require.NoError(t, st.InsertPendingLookup(ctx, inst.ID, txnID))

	err := st.InsertPendingLookup(ctx, inst.ID, txnID)
	require.ErrorIs(t, err, domain.ErrPendingUpdateInFlight)

	require.NoError(t, st.DeletePendingLookup(ctx, txnID))
	require.NoError(t, st.InsertPendingLookup(ctx, inst.ID, txnID))
}

func TestInstanceAddressIsUnique(t *testing.T) {
	st, inst := newTestStore(t)
	ctx := context.Background()

	_, err := st.CreateInstance(ctx, inst.Address, nil, nil)
	require.Error(t, err)
	require.True(t, domain.IsValidation(err))
}
