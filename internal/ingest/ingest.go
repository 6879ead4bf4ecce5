// Package ingest normalizes inbound requests into typed commands, enforces
// idempotency, and runs or enqueues them.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"ledger-engine/internal/domain"
	"ledger-engine/internal/engine"
	"ledger-engine/internal/store"
)

// Ingestor is the front door of the command pipeline.
type Ingestor struct {
	st       *store.Store
	workers  *engine.Workers
	cfg      engine.Config
	validate *validator.Validate
	log      *zap.Logger
}

func New(st *store.Store, workers *engine.Workers, cfg engine.Config, log *zap.Logger) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		st:       st,
		workers:  workers,
		cfg:      cfg.WithDefaults(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
	}
}

// Enqueue durably records the command and leaves it for the monitor.
func (i *Ingestor) Enqueue(ctx context.Context, req domain.CommandRequest) (*domain.Command, *domain.QueueItem, error) {
	cmd, err := i.normalize(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	return i.st.CreateCommand(ctx, cmd)
}

// SubmitSync records the command and executes it inline on the caller's
// goroutine, claiming the queue item first so a concurrently polling monitor
// cannot double-run it. The projection result is returned directly.
func (i *Ingestor) SubmitSync(ctx context.Context, req domain.CommandRequest) (*engine.Result, *domain.Command, error) {
	cmd, err := i.normalize(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	stored, item, err := i.st.CreateCommand(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	claimed, err := i.st.Claim(ctx, item, i.cfg.ProcessorName+"/sync")
	if err != nil {
		// Lost the race to a processor; the command is durably queued, so
		// the caller can poll for the async result.
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			return nil, stored, nil
		}
		return nil, stored, err
	}

	res, execErr := i.workers.Execute(ctx, stored)
	engine.SettleItem(ctx, i.st, i.cfg, claimed, execErr)
	if execErr != nil {
		return nil, stored, execErr
	}
	return res, stored, nil
}

// normalize validates the request shape and resolves everything that must
// reject at ingest time: unsupported actions, unknown instances, unknown
// accounts. No command is stored when it fails.
func (i *Ingestor) normalize(ctx context.Context, req domain.CommandRequest) (*domain.Command, error) {
	if err := i.validate.Struct(req); err != nil {
		ve := domain.NewValidationError()
		var ferrs validator.ValidationErrors
		if errors.As(err, &ferrs) {
			for _, fe := range ferrs {
				ve.Add(fe.Field(), "failed "+fe.Tag()+" validation")
			}
			return nil, ve
		}
		return nil, err
	}

	if !req.Action.Valid() {
		return nil, fmt.Errorf("%w: %s", domain.ErrActionNotSupported, req.Action)
	}
	if req.Action.IsUpdate() && req.UpdateIdempk == "" {
		return nil, domain.NewValidationError().Add("update_idempk", "is required for update actions")
	}

	inst, err := i.st.GetInstanceByAddress(ctx, req.InstanceAddress)
	if err != nil {
		return nil, err
	}

	if err := i.checkPayload(ctx, inst, req); err != nil {
		return nil, err
	}

	return &domain.Command{
		InstanceID:   inst.ID,
		Action:       req.Action,
		Source:       req.Source,
		SourceIdempk: req.SourceIdempk,
		UpdateIdempk: req.UpdateIdempk,
		UpdateSource: req.UpdateSource,
		Payload:      []byte(req.Payload),
		IdempotencyHash: domain.IdempotencyHash(
			i.cfg.IdempotencySecret, req.Action, inst.Address,
			req.Source, req.SourceIdempk, req.UpdateSource, req.UpdateIdempk,
		),
	}, nil
}

// checkPayload performs the ingest-time checks only. Business-rule
// validation (balancing, transitions, negative available) happens in the
// worker so async failures are recorded with the command.
func (i *Ingestor) checkPayload(ctx context.Context, inst *domain.Instance, req domain.CommandRequest) error {
	switch req.Action {
	case domain.ActionCreateTransaction, domain.ActionUpdateTransaction:
		var p domain.TransactionPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return domain.NewValidationError().Add("payload", "invalid transaction payload: "+err.Error())
		}
		for _, e := range p.Entries {
			if _, err := i.st.GetAccountByAddress(ctx, inst.ID, e.AccountAddress); err != nil {
				return err
			}
		}
		if req.Action == domain.ActionUpdateTransaction {
			txn, err := i.st.FindTransactionByCreateSource(ctx, inst.ID, req.Source, req.SourceIdempk)
			if err != nil {
				return err
			}
			if txn.Status != domain.TransactionPending {
				return fmt.Errorf("%w: transaction %s is %s", domain.ErrUpdateTargetNotPending, txn.ID, txn.Status)
			}
		}
	case domain.ActionCreateAccount, domain.ActionUpdateAccount:
		var p domain.AccountPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return domain.NewValidationError().Add("payload", "invalid account payload: "+err.Error())
		}
		if req.Action == domain.ActionUpdateAccount {
			if _, err := i.st.GetAccountByAddress(ctx, inst.ID, p.Address); err != nil {
				return err
			}
		}
	}
	return nil
}
