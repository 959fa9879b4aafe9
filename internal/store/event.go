package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stacktide.app/collector/internal/model"
)

type eventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by Postgres.
func NewEventStore(pool *pgxpool.Pool) EventStore {
	return &eventStore{pool: pool}
}

const eventColumns = `id, organization_id, project_id, stack_id, type, source, message, date,
	tags, session_id, identity, identity_name, version, client_ip, reference_id, data,
	is_fixed, is_hidden, is_first_occurrence, session_last_activity, session_is_closed, has_error`

const eventInsert = `INSERT INTO events (id, organization_id, project_id, stack_id, type, source,
	message, date, tags, session_id, identity, identity_name, version, client_ip, reference_id,
	data, is_fixed, is_hidden, is_first_occurrence, session_last_activity, session_is_closed, has_error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

func (s *eventStore) GetByID(ctx context.Context, id int64) (*model.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)

	var e model.Event
	err := row.Scan(&e.ID, &e.OrganizationID, &e.ProjectID, &e.StackID, &e.Type, &e.Source,
		&e.Message, &e.Date, &e.Tags, &e.SessionID, &e.Identity, &e.IdentityName, &e.Version,
		&e.ClientIP, &e.ReferenceID, &e.Data, &e.IsFixed, &e.IsHidden, &e.IsFirstOccurrence,
		&e.SessionLastActivity, &e.SessionIsClosed, &e.HasError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *eventStore) Add(ctx context.Context, event *model.Event) error {
	_, err := s.pool.Exec(ctx, eventInsert, eventArgs(event)...)
	return err
}

func (s *eventStore) AddBatch(ctx context.Context, events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, event := range events {
		batch.Queue(eventInsert, eventArgs(event)...)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close() //nolint:errcheck

	for range events {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (s *eventStore) UpdateSessionStart(ctx context.Context, eventID int64, lastActivity time.Time, isClosed, hasError bool) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET
			session_last_activity = GREATEST(session_last_activity, $2),
			session_is_closed = session_is_closed OR $3,
			has_error = has_error OR $4
		 WHERE id = $1 AND type = $5`,
		eventID, lastActivity, isClosed, hasError, model.TypeSessionStart)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func eventArgs(e *model.Event) []any {
	return []any{
		e.ID, e.OrganizationID, e.ProjectID, e.StackID, e.Type, e.Source, e.Message, e.Date,
		e.Tags, e.SessionID, e.Identity, e.IdentityName, e.Version, e.ClientIP, e.ReferenceID,
		e.Data, e.IsFixed, e.IsHidden, e.IsFirstOccurrence, e.SessionLastActivity,
		e.SessionIsClosed, e.HasError,
	}
}
