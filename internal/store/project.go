package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stacktide.app/collector/internal/model"
)

type projectStore struct {
	pool *pgxpool.Pool
}

// NewProjectStore creates a new ProjectStore backed by Postgres.
func NewProjectStore(pool *pgxpool.Pool) ProjectStore {
	return &projectStore{pool: pool}
}

func (s *projectStore) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, is_deleted,
			usage_hourly_total, usage_hourly_blocked, usage_hourly_too_big,
			usage_monthly_total, usage_monthly_blocked, usage_monthly_too_big,
			usage_last_saved_at, created_at, updated_at
		 FROM projects WHERE id = $1`, id)

	var p model.Project
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.IsDeleted,
		&p.Usage.HourlyTotal, &p.Usage.HourlyBlocked, &p.Usage.HourlyTooBig,
		&p.Usage.MonthlyTotal, &p.Usage.MonthlyBlocked, &p.Usage.MonthlyTooBig,
		&p.Usage.LastSavedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *projectStore) SaveUsage(ctx context.Context, id int64, usage model.UsageInfo) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET
			usage_hourly_total = $2, usage_hourly_blocked = $3, usage_hourly_too_big = $4,
			usage_monthly_total = $5, usage_monthly_blocked = $6, usage_monthly_too_big = $7,
			usage_last_saved_at = now(), updated_at = now()
		 WHERE id = $1`,
		id, usage.HourlyTotal, usage.HourlyBlocked, usage.HourlyTooBig,
		usage.MonthlyTotal, usage.MonthlyBlocked, usage.MonthlyTooBig)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
