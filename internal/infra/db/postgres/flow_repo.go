package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"

	"consultation-client/internal/domain"
	"consultation-client/internal/domain/model"
	"consultation-client/internal/domain/ports/repository"
)

// DB is the subset of *pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Compile-time check
var _ repository.FlowRepository = (*FlowRepo)(nil)

// FlowRepo stores one JSONB record per user. A save carrying an older
// version than the stored row is ignored, so a slow writer cannot roll a
// flow back.
type FlowRepo struct {
	db DB
}

func NewFlowRepo(db DB) *FlowRepo {
	return &FlowRepo{db: db}
}

func (r *FlowRepo) Get(ctx context.Context, userID string) (*model.Flow, error) {
	const sql = `SELECT record FROM consult_flows WHERE user_id = $1`

	var raw []byte
	if err := r.db.QueryRow(ctx, sql, userID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, wrap("get flow", err)
	}
	var flow model.Flow
	if err := json.Unmarshal(raw, &flow); err != nil {
		return nil, fmt.Errorf("decode flow %s: %w", userID, err)
	}
	return &flow, nil
}

func (r *FlowRepo) Save(ctx context.Context, flow *model.Flow) error {
	const sql = `
INSERT INTO consult_flows (user_id, flow_id, record, version, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id) DO UPDATE
SET flow_id = EXCLUDED.flow_id,
    record = EXCLUDED.record,
    version = EXCLUDED.version,
    updated_at = EXCLUDED.updated_at
WHERE consult_flows.version <= EXCLUDED.version`

	if flow == nil || flow.UserID == "" {
		return fmt.Errorf("%w: flow without user", domain.ErrValidation)
	}
	data, err := json.Marshal(flow)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, sql, flow.UserID, flow.ID, data, flow.Version, flow.UpdatedAt)
	return wrap("save flow", err)
}

func (r *FlowRepo) Delete(ctx context.Context, userID string) error {
	const sql = `DELETE FROM consult_flows WHERE user_id = $1`
	_, err := r.db.Exec(ctx, sql, userID)
	return wrap("delete flow", err)
}

// undefinedTable is the SQLSTATE postgres returns for a missing relation.
const undefinedTable = "42P01"

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return fmt.Errorf("%s: table consult_flows is missing (run with store.migrate=true): %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
