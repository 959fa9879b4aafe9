package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"stacktide.app/collector/internal/model"
)

const uniqueViolation = "23505"

type stackStore struct {
	pool *pgxpool.Pool
}

// NewStackStore creates a new StackStore backed by Postgres.
func NewStackStore(pool *pgxpool.Pool) StackStore {
	return &stackStore{pool: pool}
}

const stackColumns = `id, organization_id, project_id, signature_hash, signature_info, title, type,
	tags, first_occurrence, last_occurrence, total_occurrences, fixed_in_version, date_fixed,
	is_regressed, is_hidden, created_at, updated_at`

func (s *stackStore) GetByID(ctx context.Context, id int64) (*model.Stack, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stackColumns+` FROM stacks WHERE id = $1`, id)
	return scanStack(row)
}

func (s *stackStore) GetBySignatureHash(ctx context.Context, projectID int64, hash string) (*model.Stack, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stackColumns+` FROM stacks WHERE project_id = $1 AND signature_hash = $2`,
		projectID, hash)
	return scanStack(row)
}

func (s *stackStore) Add(ctx context.Context, stack *model.Stack) error {
	info, err := json.Marshal(stack.SignatureInfo)
	if err != nil {
		return fmt.Errorf("marshal signature info: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO stacks (id, organization_id, project_id, signature_hash, signature_info,
			title, type, tags, first_occurrence, last_occurrence, total_occurrences,
			fixed_in_version, date_fixed, is_regressed, is_hidden, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now())`,
		stack.ID, stack.OrganizationID, stack.ProjectID, stack.SignatureHash, info,
		stack.Title, stack.Type, stack.Tags, stack.FirstOccurrence, stack.LastOccurrence,
		stack.TotalOccurrences, stack.FixedInVersion, stack.DateFixed,
		stack.IsRegressed, stack.IsHidden)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *stackStore) AddBatch(ctx context.Context, stacks []*model.Stack) error {
	if len(stacks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, stack := range stacks {
		info, err := json.Marshal(stack.SignatureInfo)
		if err != nil {
			return fmt.Errorf("marshal signature info: %w", err)
		}
		batch.Queue(
			`INSERT INTO stacks (id, organization_id, project_id, signature_hash, signature_info,
				title, type, tags, first_occurrence, last_occurrence, total_occurrences,
				fixed_in_version, date_fixed, is_regressed, is_hidden, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now(), now())`,
			stack.ID, stack.OrganizationID, stack.ProjectID, stack.SignatureHash, info,
			stack.Title, stack.Type, stack.Tags, stack.FirstOccurrence, stack.LastOccurrence,
			stack.TotalOccurrences, stack.FixedInVersion, stack.DateFixed,
			stack.IsRegressed, stack.IsHidden)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close() //nolint:errcheck

	for range stacks {
		if _, err := results.Exec(); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return ErrConflict
			}
			return err
		}
	}
	return nil
}

func (s *stackStore) SaveBatch(ctx context.Context, stacks []*model.Stack) error {
	if len(stacks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, stack := range stacks {
		batch.Queue(
			`UPDATE stacks SET title = $2, tags = $3, first_occurrence = $4, last_occurrence = $5,
				total_occurrences = $6, fixed_in_version = $7, date_fixed = $8,
				is_regressed = $9, is_hidden = $10, updated_at = now()
			 WHERE id = $1`,
			stack.ID, stack.Title, stack.Tags, stack.FirstOccurrence, stack.LastOccurrence,
			stack.TotalOccurrences, stack.FixedInVersion, stack.DateFixed,
			stack.IsRegressed, stack.IsHidden)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close() //nolint:errcheck

	for range stacks {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStack(row rowScanner) (*model.Stack, error) {
	var (
		stack model.Stack
		info  []byte
	)
	err := row.Scan(&stack.ID, &stack.OrganizationID, &stack.ProjectID, &stack.SignatureHash,
		&info, &stack.Title, &stack.Type, &stack.Tags, &stack.FirstOccurrence,
		&stack.LastOccurrence, &stack.TotalOccurrences, &stack.FixedInVersion,
		&stack.DateFixed, &stack.IsRegressed, &stack.IsHidden, &stack.CreatedAt, &stack.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(info) > 0 {
		if err := json.Unmarshal(info, &stack.SignatureInfo); err != nil {
			return nil, fmt.Errorf("unmarshal signature info: %w", err)
		}
	}
	return &stack, nil
}
