package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ledger-engine/internal/domain"
)

// CreateInstance registers a tenant. Addresses are globally unique.
func (s *Store) CreateInstance(ctx context.Context, address string, config, metadata map[string]any) (*domain.Instance, error) {
	cfgJSON, err := marshalJSONB(config)
	if err != nil {
		return nil, err
	}
	metaJSON, err := marshalJSONB(metadata)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	row := s.db.QueryRow(ctx,
		`INSERT INTO `+s.table("instances")+` (id, address, config, metadata)
		 VALUES ($1,$2,$3,$4)
		 RETURNING inserted_at`,
		id, address, cfgJSON, metaJSON,
	)

	inst := &domain.Instance{ID: id, Address: address, Config: config, Metadata: metadata}
	if err := row.Scan(&inst.InsertedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, domain.NewValidationError().Add("address", "already taken")
		}
		return nil, wrapDB(err)
	}
	return inst, nil
}

// GetInstanceByAddress resolves a tenant by its human key.
func (s *Store) GetInstanceByAddress(ctx context.Context, address string) (*domain.Instance, error) {
	return s.getInstance(ctx, "address = $1", address)
}

func (s *Store) GetInstanceByID(ctx context.Context, id uuid.UUID) (*domain.Instance, error) {
	return s.getInstance(ctx, "id = $1", id)
}

func (s *Store) getInstance(ctx context.Context, where string, arg any) (*domain.Instance, error) {
	var (
		inst     domain.Instance
		cfgJSON  []byte
		metaJSON []byte
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, address, config, metadata, inserted_at
		   FROM `+s.table("instances")+` WHERE `+where,
		arg,
	).Scan(&inst.ID, &inst.Address, &cfgJSON, &metaJSON, &inst.InsertedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", domain.ErrInstanceNotFound, arg)
		}
		return nil, wrapDB(err)
	}
	inst.Config = unmarshalJSONB(cfgJSON)
	inst.Metadata = unmarshalJSONB(metaJSON)
	return &inst, nil
}
