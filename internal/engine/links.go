package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledger-engine/internal/metrics"
	"ledger-engine/internal/store"
)

const linkBatchSize = 100

// LinkRunner drains the durable journal_link_jobs table and materializes the
// link rows. Best-effort with at-least-once delivery: the link tables' primary
// keys dedupe, so replays are harmless, and a missing link row never
// invalidates its journal event.
type LinkRunner struct {
	st  *store.Store
	cfg Config
	log *zap.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewLinkRunner(st *store.Store, cfg Config, log *zap.Logger) *LinkRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &LinkRunner{st: st, cfg: cfg.WithDefaults(), log: log, quit: make(chan struct{})}
}

func (r *LinkRunner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()
		for {
			r.drain(ctx)
			select {
			case <-ctx.Done():
				return
			case <-r.quit:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (r *LinkRunner) Stop() {
	close(r.quit)
	r.wg.Wait()
}

// Drain runs link jobs until none are due. Exported for tests and for the
// sync ingestion path, which wants links materialized promptly.
func (r *LinkRunner) Drain(ctx context.Context) {
	r.drain(ctx)
}

func (r *LinkRunner) drain(ctx context.Context) {
	for {
		n, err := r.runBatch(ctx)
		if err != nil {
			r.log.Warn("link job batch failed", zap.Error(err))
			return
		}
		if n < linkBatchSize {
			return
		}
	}
}

func (r *LinkRunner) runBatch(ctx context.Context) (int, error) {
	tx, err := r.st.Pool().Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	jobs, err := r.st.ClaimDueLinkJobs(ctx, tx, linkBatchSize)
	if err != nil {
		return 0, err
	}

	for _, j := range jobs {
		if err := r.st.RunLinkJob(ctx, tx, j); err != nil {
			// Reschedule outside the batch transaction so one bad job
			// cannot wedge the rest forever.
			tx.Rollback(ctx)
			metrics.LinkJobs.WithLabelValues("retried").Inc()
			delay := Backoff(r.cfg.BaseRetryDelay, r.cfg.MaxRetryDelay, j.Attempts+1)
			if rerr := r.st.RescheduleLinkJob(ctx, j.ID, delay); rerr != nil {
				r.log.Warn("link job reschedule failed", zap.Error(rerr))
			}
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	for range jobs {
		metrics.LinkJobs.WithLabelValues("done").Inc()
	}
	return len(jobs), nil
}
