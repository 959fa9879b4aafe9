package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stacktide.app/collector/internal/model"
)

type organizationStore struct {
	pool *pgxpool.Pool
}

// NewOrganizationStore creates a new OrganizationStore backed by Postgres.
func NewOrganizationStore(pool *pgxpool.Pool) OrganizationStore {
	return &organizationStore{pool: pool}
}

func (s *organizationStore) GetByID(ctx context.Context, id int64) (*model.Organization, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, max_events_per_month, is_suspended, is_deleted,
			usage_hourly_total, usage_hourly_blocked, usage_hourly_too_big,
			usage_monthly_total, usage_monthly_blocked, usage_monthly_too_big,
			usage_last_saved_at, created_at, updated_at
		 FROM organizations WHERE id = $1`, id)

	var org model.Organization
	err := row.Scan(&org.ID, &org.Name, &org.MaxEventsPerMonth, &org.IsSuspended, &org.IsDeleted,
		&org.Usage.HourlyTotal, &org.Usage.HourlyBlocked, &org.Usage.HourlyTooBig,
		&org.Usage.MonthlyTotal, &org.Usage.MonthlyBlocked, &org.Usage.MonthlyTooBig,
		&org.Usage.LastSavedAt, &org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

func (s *organizationStore) SaveUsage(ctx context.Context, id int64, usage model.UsageInfo) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET
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
