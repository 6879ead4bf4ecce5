// ledger-verify audits a live ledger database for double-entry invariants:
// per-currency debit/credit equality, the available-balance identity, and
// overdraft limits. Exit code 0 means every check passed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	var (
		dsn    = flag.String("dsn", os.Getenv("LEDGER_DB_DSN"), "Postgres DSN (defaults to LEDGER_DB_DSN)")
		schema = flag.String("schema", "double_entry_ledger", "schema prefix the ledger tables live under")
	)
	flag.Parse()

	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "missing -dsn")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(2)
	}
	defer pool.Close()

	failures := 0
	failures += checkBalancedBooks(ctx, pool, *schema)
	failures += checkTransactionEntries(ctx, pool, *schema)
	failures += checkAvailableIdentity(ctx, pool, *schema)
	failures += checkOverdrafts(ctx, pool, *schema)

	if failures > 0 {
		fmt.Fprintf(os.Stderr, "FAIL: %d invariant violation(s)\n", failures)
		os.Exit(1)
	}
	fmt.Println("OK: all invariants hold")
}

// checkBalancedBooks verifies that posted and pending debits equal credits for
// every instance and currency, summed over account balances.
func checkBalancedBooks(ctx context.Context, pool *pgxpool.Pool, schema string) int {
	rows, err := pool.Query(ctx, `
		SELECT instance_id, currency,
		       SUM(posted_debit) - SUM(posted_credit)   AS posted_skew,
		       SUM(pending_debit) - SUM(pending_credit) AS pending_skew
		  FROM `+schema+`.accounts
		 GROUP BY instance_id, currency
		HAVING SUM(posted_debit) <> SUM(posted_credit)
		    OR SUM(pending_debit) <> SUM(pending_credit)`)
	if err != nil {
		fmt.Fprintln(os.Stderr, "balanced books query:", err)
		return 1
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var instanceID, currency string
		var postedSkew, pendingSkew int64
		if err := rows.Scan(&instanceID, &currency, &postedSkew, &pendingSkew); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "FAIL: unbalanced books instance=%s currency=%s posted_skew=%d pending_skew=%d\n",
			instanceID, currency, postedSkew, pendingSkew)
		n++
	}
	return n
}

// checkTransactionEntries verifies that every non-archived transaction's
// entries balance per currency.
func checkTransactionEntries(ctx context.Context, pool *pgxpool.Pool, schema string) int {
	rows, err := pool.Query(ctx, `
		SELECT e.transaction_id, e.currency,
		       SUM(CASE WHEN e.side = 'debit'  THEN e.amount ELSE 0 END) -
		       SUM(CASE WHEN e.side = 'credit' THEN e.amount ELSE 0 END) AS skew
		  FROM `+schema+`.entries e
		  JOIN `+schema+`.transactions t ON t.id = e.transaction_id
		 WHERE t.status <> 'archived'
		 GROUP BY e.transaction_id, e.currency
		HAVING SUM(CASE WHEN e.side = 'debit'  THEN e.amount ELSE 0 END) <>
		       SUM(CASE WHEN e.side = 'credit' THEN e.amount ELSE 0 END)`)
	if err != nil {
		fmt.Fprintln(os.Stderr, "transaction entries query:", err)
		return 1
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var txnID, currency string
		var skew int64
		if err := rows.Scan(&txnID, &currency, &skew); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "FAIL: unbalanced transaction=%s currency=%s skew=%d\n", txnID, currency, skew)
		n++
	}
	return n
}

// checkAvailableIdentity verifies available = posted + least(0, pending) per
// account, with posted and pending signed by account polarity.
func checkAvailableIdentity(ctx context.Context, pool *pgxpool.Pool, schema string) int {
	rows, err := pool.Query(ctx, `
		SELECT id, address, available,
		       CASE WHEN normal_side = 'debit'
		            THEN posted_debit - posted_credit
		            ELSE posted_credit - posted_debit END
		     + LEAST(0, CASE WHEN normal_side = 'debit'
		            THEN pending_debit - pending_credit
		            ELSE pending_credit - pending_debit END) AS expected
		  FROM `+schema+`.accounts
		 WHERE available <> CASE WHEN normal_side = 'debit'
		            THEN posted_debit - posted_credit
		            ELSE posted_credit - posted_debit END
		     + LEAST(0, CASE WHEN normal_side = 'debit'
		            THEN pending_debit - pending_credit
		            ELSE pending_credit - pending_debit END)`)
	if err != nil {
		fmt.Fprintln(os.Stderr, "available identity query:", err)
		return 1
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id, address string
		var available, expected int64
		if err := rows.Scan(&id, &address, &available, &expected); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "FAIL: available identity broken account=%s (%s) stored=%d expected=%d\n",
			id, address, available, expected)
		n++
	}
	return n
}

// checkOverdrafts flags accounts below zero available without the
// allow_negative escape hatch.
func checkOverdrafts(ctx context.Context, pool *pgxpool.Pool, schema string) int {
	rows, err := pool.Query(ctx, `
		SELECT id, address, available
		  FROM `+schema+`.accounts
		 WHERE available < 0 AND NOT allow_negative`)
	if err != nil {
		fmt.Fprintln(os.Stderr, "overdraft query:", err)
		return 1
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id, address string
		var available int64
		if err := rows.Scan(&id, &address, &available); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "FAIL: overdrawn account=%s (%s) available=%d\n", id, address, available)
		n++
	}
	return n
}
