package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/metrics"
	"ledger-engine/internal/store"
)

// Processor is the cooperative, single-threaded per-tenant task. It claims
// the oldest claimable queue item for its instance, dispatches it to the
// matching worker, and records the outcome. When no work is found it idles
// one poll interval and exits; the monitor respawns it when work arrives.
type Processor struct {
	instanceID uuid.UUID
	st         *store.Store
	workers    *Workers
	cfg        Config
	log        *zap.Logger
	quit       chan struct{}
}

func newProcessor(instanceID uuid.UUID, st *store.Store, workers *Workers, cfg Config, log *zap.Logger) *Processor {
	return &Processor{
		instanceID: instanceID,
		st:         st,
		workers:    workers,
		cfg:        cfg,
		log:        log.With(zap.String("instance_id", instanceID.String())),
		quit:       make(chan struct{}),
	}
}

func (p *Processor) processorID() string {
	return fmt.Sprintf("%s/%s", p.cfg.ProcessorName, p.instanceID)
}

func (p *Processor) stop() { close(p.quit) }

func (p *Processor) run(ctx context.Context) {
	metrics.ActiveProcessors.Inc()
	defer metrics.ActiveProcessors.Dec()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		default:
		}

		item, err := p.st.NextClaimable(ctx, p.instanceID)
		if err != nil {
			p.log.Warn("next claimable query failed", zap.Error(err))
			if !p.idle(ctx) {
				return
			}
			continue
		}
		if item == nil {
			// Idle once, then exit. The monitor respawns us when work
			// arrives, so an empty queue never pins a goroutine.
			p.idle(ctx)
			return
		}

		claimed, err := p.st.Claim(ctx, item, p.processorID())
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyClaimed) {
				metrics.ClaimConflicts.Inc()
				continue
			}
			p.log.Warn("claim failed", zap.Error(err))
			continue
		}

		p.process(ctx, claimed)
	}
}

func (p *Processor) process(ctx context.Context, item *domain.QueueItem) {
	cmd, err := p.st.GetCommand(ctx, item.CommandID)
	if err != nil {
		p.log.Error("claimed item has no command", zap.String("command_id", item.CommandID.String()), zap.Error(err))
		SettleItem(ctx, p.st, p.cfg, item, err)
		return
	}

	_, execErr := p.workers.Execute(ctx, cmd)
	status := SettleItem(ctx, p.st, p.cfg, item, execErr)

	if execErr != nil {
		p.log.Info("command failed",
			zap.String("command_id", cmd.ID.String()),
			zap.String("action", string(cmd.Action)),
			zap.String("status", string(status)),
			zap.Error(execErr))
	} else {
		p.log.Debug("command processed",
			zap.String("command_id", cmd.ID.String()),
			zap.String("action", string(cmd.Action)))
	}
}

// idle sleeps one poll interval; false means we were told to stop.
func (p *Processor) idle(ctx context.Context) bool {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.quit:
		return false
	case <-t.C:
		return true
	}
}

// SettleItem records a worker outcome on the queue item and returns the final
// status. Classification:
//
//   - nil: processed.
//   - stale row (OCC retries exhausted): occ_timeout, retryable.
//   - pending-update-in-flight and transient DB errors: failed, retryable.
//   - terminal business-rule rejections: dead_letter immediately.
//   - validation failures: per the on_error policy.
//
// Retryable failures dead-letter once retry_count reaches max_retries.
func SettleItem(ctx context.Context, st *store.Store, cfg Config, item *domain.QueueItem, execErr error) domain.QueueStatus {
	// Outcome bookkeeping must survive caller cancellation.
	ctx = context.WithoutCancel(ctx)
	log := zap.L()

	action := string(item.Action)
	finish := func(status domain.QueueStatus, err error) domain.QueueStatus {
		if err != nil {
			log.Error("queue item settlement failed",
				zap.String("command_id", item.CommandID.String()), zap.Error(err))
		}
		metrics.CommandsProcessed.WithLabelValues(action, string(status)).Inc()
		return status
	}

	if execErr == nil {
		return finish(domain.QueueProcessed, st.MarkProcessed(ctx, item))
	}

	var kind domain.QueueStatus
	retryable := true
	switch {
	case errors.Is(execErr, domain.ErrStaleRow):
		kind = domain.QueueOCCTimeout
	case errors.Is(execErr, domain.ErrPendingUpdateInFlight),
		errors.Is(execErr, domain.ErrTransientDB):
		kind = domain.QueueFailed
	case domain.IsValidation(execErr):
		kind = domain.QueueFailed
		retryable = cfg.OnError == OnErrorRetry
	case domain.IsTerminal(execErr):
		kind = domain.QueueFailed
		retryable = false
	default:
		kind = domain.QueueFailed
	}

	if !retryable {
		return finish(domain.QueueDeadLetter, st.MarkDeadLetter(ctx, item, execErr.Error()))
	}

	if item.RetryCount >= cfg.MaxRetries {
		return finish(domain.QueueDeadLetter, st.MarkFailed(ctx, item, kind, execErr.Error(), nil))
	}
	retryAt := time.Now().UTC().Add(cfg.scheduleBackoff(item.RetryCount))
	return finish(kind, st.MarkFailed(ctx, item, kind, execErr.Error(), &retryAt))
}
