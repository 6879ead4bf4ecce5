package ingest_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/engine"
	"ledger-engine/internal/ingest"
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

type testEnv struct {
	pool    *pgxpool.Pool
	st      *store.Store
	workers *engine.Workers
	ing     *ingest.Ingestor
	cfg     engine.Config
	schema  string
	inst    *domain.Instance
}

func newTestEnv(t *testing.T, cfg engine.Config) *testEnv {
	t.Helper()
	dsn := mustDSN(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pcfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	pcfg.MaxConns = 20
	pcfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	// One throwaway schema per test keeps runs independent on a shared DB.
	schema := "ledger_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	require.NoError(t, store.Migrate(ctx, pool, schema))
	t.Cleanup(func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer dcancel()
		_, _ = pool.Exec(dctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		pool.Close()
	})

	cfg.SchemaPrefix = schema
	if cfg.IdempotencySecret == nil {
		cfg.IdempotencySecret = []byte("test-secret")
	}
	cfg = cfg.WithDefaults()

	st := store.New(pool, schema, zap.NewNop())
	workers := engine.NewWorkers(st, cfg, zap.NewNop())
	ing := ingest.New(st, workers, cfg, zap.NewNop())

	inst, err := st.CreateInstance(ctx, "tenant-"+uuid.NewString(), nil, nil)
	require.NoError(t, err)

	return &testEnv{pool: pool, st: st, workers: workers, ing: ing, cfg: cfg, schema: schema, inst: inst}
}

func fastCfg() engine.Config {
	return engine.Config{
		PollInterval:   20 * time.Millisecond,
		MaxRetries:     5,
		BaseRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:  100 * time.Millisecond,
		ProcessorName:  "test",
	}
}

func (e *testEnv) createAccount(t *testing.T, address string, typ domain.AccountType, allowNegative bool) *domain.Account {
	t.Helper()
	payload, err := json.Marshal(domain.AccountPayload{
		Address:       address,
		Type:          typ,
		Currency:      "EUR",
		AllowNegative: &allowNegative,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, _, err := e.ing.SubmitSync(ctx, domain.CommandRequest{
		InstanceAddress: e.inst.Address,
		Action:          domain.ActionCreateAccount,
		Source:          "test",
		SourceIdempk:    "acct-" + address,
		Payload:         payload,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Account)
	return res.Account
}

func (e *testEnv) submitTxn(t *testing.T, source, idempk string, status domain.TransactionStatus, entries ...domain.SignedEntryInput) (*engine.Result, error) {
	t.Helper()
	payload, err := json.Marshal(domain.TransactionPayload{Status: status, Entries: entries})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, _, err := e.ing.SubmitSync(ctx, domain.CommandRequest{
		InstanceAddress: e.inst.Address,
		Action:          domain.ActionCreateTransaction,
		Source:          source,
		SourceIdempk:    idempk,
		Payload:         payload,
	})
	return res, err
}

func (e *testEnv) updateTxn(t *testing.T, source, idempk, updateIdempk string, status domain.TransactionStatus, entries ...domain.SignedEntryInput) (*engine.Result, error) {
	t.Helper()
	payload, err := json.Marshal(domain.TransactionPayload{Status: status, Entries: entries})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, _, err := e.ing.SubmitSync(ctx, domain.CommandRequest{
		InstanceAddress: e.inst.Address,
		Action:          domain.ActionUpdateTransaction,
		Source:          source,
		SourceIdempk:    idempk,
		UpdateIdempk:    updateIdempk,
		Payload:         payload,
	})
	return res, err
}

func (e *testEnv) account(t *testing.T, address string) *domain.Account {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acc, err := e.st.GetAccountByAddress(ctx, e.inst.ID, address)
	require.NoError(t, err)
	return acc
}

func entry(address string, amount int64) domain.SignedEntryInput {
	return domain.SignedEntryInput{AccountAddress: address, Amount: amount, Currency: "EUR"}
}

func TestPostedTransactionMovesBalances(t *testing.T) {
	e := newTestEnv(t, fastCfg())

	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)
	e.createAccount(t, "receivable", domain.AccountAsset, false)

	// Mint working capital.
	res, err := e.submitTxn(t, "test", "mint-1", domain.TransactionPosted,
		entry("cash", 10000), entry("capital", 10000))
	require.NoError(t, err)
	require.Equal(t, domain.TransactionPosted, res.Transaction.Status)
	require.NotNil(t, res.Transaction.PostedAt)
	require.NotNil(t, res.JournalEvent)

	// Move part of it between assets.
	_, err = e.submitTxn(t, "test", "pmt-1", domain.TransactionPosted,
		entry("cash", -2500), entry("receivable", 2500))
	require.NoError(t, err)

	cash := e.account(t, "cash")
	require.Equal(t, int64(10000), cash.Posted.Debit)
	require.Equal(t, int64(2500), cash.Posted.Credit)
	require.Equal(t, int64(7500), cash.Posted.Amount)
	require.Equal(t, int64(7500), cash.Available)
	require.Equal(t, int64(0), cash.Pending.Amount)

	recv := e.account(t, "receivable")
	require.Equal(t, int64(2500), recv.Posted.Amount)
	require.Equal(t, int64(2500), recv.Available)

	capital := e.account(t, "capital")
	require.Equal(t, domain.NormalCredit, capital.NormalSide)
	require.Equal(t, int64(10000), capital.Posted.Amount)

	// Every balance mutation leaves a history row.
	ctx := context.Background()
	history, err := e.st.BalanceHistory(ctx, cash.ID, domain.Page{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, int64(7500), history[0].Available)
}

func TestPendingHoldThenPost(t *testing.T) {
	e := newTestEnv(t, fastCfg())

	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)
	e.createAccount(t, "ops", domain.AccountExpense, false)

	_, err := e.submitTxn(t, "test", "mint-1", domain.TransactionPosted,
		entry("cash", 10000), entry("capital", 10000))
	require.NoError(t, err)

	// Pending outflow holds available without touching posted.
	res, err := e.submitTxn(t, "orders", "ord-1", domain.TransactionPending,
		entry("cash", -4000), entry("ops", 4000))
	require.NoError(t, err)
	require.Equal(t, domain.TransactionPending, res.Transaction.Status)

	cash := e.account(t, "cash")
	require.Equal(t, int64(10000), cash.Posted.Amount)
	require.Equal(t, int64(-4000), cash.Pending.Amount)
	require.Equal(t, int64(6000), cash.Available)

	// Restatus to posted: the hold converts to a posted movement.
	upd, err := e.updateTxn(t, "orders", "ord-1", "capture-1", domain.TransactionPosted)
	require.NoError(t, err)
	require.Equal(t, domain.TransactionPosted, upd.Transaction.Status)
	require.NotNil(t, upd.Transaction.PostedAt)

	cash = e.account(t, "cash")
	require.Equal(t, int64(6000), cash.Posted.Amount)
	require.Equal(t, int64(0), cash.Pending.Amount)
	require.Equal(t, int64(6000), cash.Available)

	ops := e.account(t, "ops")
	require.Equal(t, int64(4000), ops.Posted.Amount)
	require.Equal(t, int64(0), ops.Pending.Amount)
}

func TestPendingArchiveReleasesHold(t *testing.T) {
	e := newTestEnv(t, fastCfg())

	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)
	e.createAccount(t, "ops", domain.AccountExpense, false)

	_, err := e.submitTxn(t, "test", "mint-1", domain.TransactionPosted,
		entry("cash", 5000), entry("capital", 5000))
	require.NoError(t, err)

	_, err = e.submitTxn(t, "orders", "ord-1", domain.TransactionPending,
		entry("cash", -3000), entry("ops", 3000))
	require.NoError(t, err)
	require.Equal(t, int64(2000), e.account(t, "cash").Available)

	upd, err := e.updateTxn(t, "orders", "ord-1", "void-1", domain.TransactionArchived)
	require.NoError(t, err)
	require.Equal(t, domain.TransactionArchived, upd.Transaction.Status)
	require.Nil(t, upd.Transaction.PostedAt)

	cash := e.account(t, "cash")
	require.Equal(t, int64(5000), cash.Posted.Amount)
	require.Equal(t, int64(0), cash.Pending.Amount)
	require.Equal(t, int64(5000), cash.Available)

	// Terminal: a second transition must be rejected.
	_, err = e.updateTxn(t, "orders", "ord-1", "late-capture", domain.TransactionPosted)
	require.ErrorIs(t, err, domain.ErrUpdateTargetNotPending)
}

func TestEntryReplacementOnCapture(t *testing.T) {
	e := newTestEnv(t, fastCfg())

	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)
	e.createAccount(t, "ops", domain.AccountExpense, false)

	_, err := e.submitTxn(t, "test", "mint-1", domain.TransactionPosted,
		entry("cash", 5000), entry("capital", 5000))
	require.NoError(t, err)

	// Authorize 3000, capture only 1200.
	_, err = e.submitTxn(t, "orders", "ord-1", domain.TransactionPending,
		entry("cash", -3000), entry("ops", 3000))
	require.NoError(t, err)

	upd, err := e.updateTxn(t, "orders", "ord-1", "capture-1", domain.TransactionPosted,
		entry("cash", -1200), entry("ops", 1200))
	require.NoError(t, err)
	require.Len(t, upd.Transaction.Entries, 2)

	cash := e.account(t, "cash")
	require.Equal(t, int64(3800), cash.Posted.Amount)
	require.Equal(t, int64(0), cash.Pending.Amount)
	require.Equal(t, int64(3800), cash.Available)

	require.Equal(t, int64(1200), e.account(t, "ops").Posted.Amount)
}

func TestDuplicateCommandReturnsExistingID(t *testing.T) {
	e := newTestEnv(t, fastCfg())

	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)

	first, err := e.submitTxn(t, "test", "mint-1", domain.TransactionPosted,
		entry("cash", 1000), entry("capital", 1000))
	require.NoError(t, err)

	// Same identity tuple, replayed.
	_, err = e.submitTxn(t, "test", "mint-1", domain.TransactionPosted,
		entry("cash", 1000), entry("capital", 1000))
	var dup *domain.DuplicateCommandError
	require.ErrorAs(t, err, &dup)
	require.NotEqual(t, uuid.Nil, dup.ExistingID)

	// No double application.
	require.Equal(t, int64(1000), e.account(t, "cash").Posted.Amount)

	je, jerr := e.st.GetJournalEventByCommand(context.Background(), dup.ExistingID)
	require.NoError(t, jerr)
	require.Equal(t, first.JournalEvent.ID, je.ID)
}

func TestUnbalancedTransactionDeadLetters(t *testing.T) {
	e := newTestEnv(t, fastCfg())

	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)

	_, err := e.submitTxn(t, "test", "bad-1", domain.TransactionPosted,
		entry("cash", 100), entry("capital", 200))
	require.ErrorIs(t, err, domain.ErrUnbalancedByCurrency)

	// The command is durably recorded with a dead-lettered queue item.
	ctx := context.Background()
	cmd, err := e.st.FindCommandBySource(ctx, e.inst.ID, domain.ActionCreateTransaction, "test", "bad-1")
	require.NoError(t, err)

	item, err := e.st.GetQueueItem(ctx, cmd.ID)
	require.NoError(t, err)
	require.Equal(t, domain.QueueDeadLetter, item.Status)
	require.NotEmpty(t, item.Errors)
	require.Contains(t, item.Errors[len(item.Errors)-1].Message, "differ")

	// No projection happened.
	require.Equal(t, int64(0), e.account(t, "cash").Posted.Amount)
	_, err = e.st.GetJournalEventByCommand(ctx, cmd.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNegativeAvailableRejected(t *testing.T) {
	e := newTestEnv(t, fastCfg())

	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)
	e.createAccount(t, "ops", domain.AccountExpense, false)

	_, err := e.submitTxn(t, "test", "mint-1", domain.TransactionPosted,
		entry("cash", 500), entry("capital", 500))
	require.NoError(t, err)

	_, err = e.submitTxn(t, "test", "overdraft-1", domain.TransactionPosted,
		entry("cash", -600), entry("ops", 600))
	require.ErrorIs(t, err, domain.ErrNegativeAvailable)

	require.Equal(t, int64(500), e.account(t, "cash").Available)
}

func TestAllowNegativePermitsOverdraft(t *testing.T) {
	e := newTestEnv(t, fastCfg())

	e.createAccount(t, "settlement", domain.AccountAsset, true)
	e.createAccount(t, "ops", domain.AccountExpense, false)

	_, err := e.submitTxn(t, "test", "draw-1", domain.TransactionPosted,
		entry("settlement", -300), entry("ops", 300))
	require.NoError(t, err)

	require.Equal(t, int64(-300), e.account(t, "settlement").Available)
}

func TestConcurrentTransfersOnSharedAccount(t *testing.T) {
	cfg := fastCfg()
	cfg.MaxRetries = 10
	e := newTestEnv(t, cfg)

	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)
	e.createAccount(t, "receivable", domain.AccountAsset, false)

	_, err := e.submitTxn(t, "test", "mint-1", domain.TransactionPosted,
		entry("cash", 10000), entry("capital", 10000))
	require.NoError(t, err)

	const n = 8
	const amt = int64(10)

	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, errs[i] = e.submitTxn(t, "conc", fmt.Sprintf("pmt-%d", i), domain.TransactionPosted,
				entry("cash", -amt), entry("receivable", amt))
		}()
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "transfer %d", i)
	}

	require.Equal(t, int64(10000)-n*amt, e.account(t, "cash").Posted.Amount)
	require.Equal(t, n*amt, e.account(t, "receivable").Posted.Amount)
}

func TestMonitorProcessesEnqueuedCommands(t *testing.T) {
	e := newTestEnv(t, fastCfg())

	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)

	payload, err := json.Marshal(domain.TransactionPayload{
		Status:  domain.TransactionPosted,
		Entries: []domain.SignedEntryInput{entry("cash", 700), entry("capital", 700)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cmd, item, err := e.ing.Enqueue(ctx, domain.CommandRequest{
		InstanceAddress: e.inst.Address,
		Action:          domain.ActionCreateTransaction,
		Source:          "async",
		SourceIdempk:    "mint-1",
		Payload:         payload,
	})
	require.NoError(t, err)
	require.Equal(t, domain.QueuePending, item.Status)

	mon := engine.NewMonitor(e.st, e.workers, e.cfg, zap.NewNop())
	mon.Start(ctx)
	defer mon.Stop()

	waitForStatus(t, e.st, cmd.ID, domain.QueueProcessed)

	require.Equal(t, int64(700), e.account(t, "cash").Posted.Amount)

	je, err := e.st.GetJournalEventByCommand(ctx, cmd.ID)
	require.NoError(t, err)

	// Link fan-out is asynchronous but durable.
	links := engine.NewLinkRunner(e.st, e.cfg, zap.NewNop())
	links.Drain(ctx)

	var linked int
	err = e.pool.QueryRow(ctx,
		"SELECT count(*) FROM "+e.schema+".journal_event_command_links WHERE journal_event_id = $1",
		je.ID,
	).Scan(&linked)
	require.NoError(t, err)
	require.Equal(t, 1, linked)
}

func TestMonitorDeadLettersTerminalFailures(t *testing.T) {
	e := newTestEnv(t, fastCfg())

	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)

	payload, err := json.Marshal(domain.TransactionPayload{
		Status:  domain.TransactionPosted,
		Entries: []domain.SignedEntryInput{entry("cash", 100), entry("capital", 999)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cmd, _, err := e.ing.Enqueue(ctx, domain.CommandRequest{
		InstanceAddress: e.inst.Address,
		Action:          domain.ActionCreateTransaction,
		Source:          "async",
		SourceIdempk:    "bad-1",
		Payload:         payload,
	})
	require.NoError(t, err)

	mon := engine.NewMonitor(e.st, e.workers, e.cfg, zap.NewNop())
	mon.Start(ctx)
	defer mon.Stop()

	item := waitForStatus(t, e.st, cmd.ID, domain.QueueDeadLetter)
	require.NotEmpty(t, item.Errors)
}

func TestIngestRejectsUnknownAccount(t *testing.T) {
	e := newTestEnv(t, fastCfg())
	e.createAccount(t, "cash", domain.AccountAsset, false)

	_, err := e.submitTxn(t, "test", "ghost-1", domain.TransactionPosted,
		entry("cash", 100), entry("nope", 100))
	require.ErrorIs(t, err, domain.ErrAccountNotFound)

	// Rejected at ingest: nothing durable was written.
	_, err = e.st.FindCommandBySource(context.Background(), e.inst.ID, domain.ActionCreateTransaction, "test", "ghost-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateWithoutTargetRejectedAtIngest(t *testing.T) {
	e := newTestEnv(t, fastCfg())
	e.createAccount(t, "cash", domain.AccountAsset, false)
	e.createAccount(t, "capital", domain.AccountEquity, false)

	_, err := e.updateTxn(t, "orders", "never-created", "u-1", domain.TransactionPosted)
	require.ErrorIs(t, err, domain.ErrUpdateTargetMissing)
}

func waitForStatus(t *testing.T, st *store.Store, commandID uuid.UUID, want domain.QueueStatus) *domain.QueueItem {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		item, err := st.GetQueueItem(context.Background(), commandID)
		require.NoError(t, err)
		if item.Status == want {
			return item
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("queue item %s never reached %s", commandID, want)
	return nil
}
