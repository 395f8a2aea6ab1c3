package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	grid "memgrid/pkg/errors"
	"memgrid/pkg/models"

	"github.com/jackc/pgx/v5"
)

// SessionRepo implements ports.SessionRepository.
type SessionRepo struct {
	db *DB
}

func NewSessionRepo(db *DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Save(ctx context.Context, session *models.Session) error {
	assignments, err := json.Marshal(session.Assignments)
	if err != nil {
		return fmt.Errorf("encoding layer assignments: %w", err)
	}

	sql, args, err := r.db.Builder.
		Insert("sessions").
		Columns("id", "model_ref", "status", "device_ids", "assignments",
			"gpu_layers", "context_size", "started_at", "stopped_at").
		Values(session.ID, session.ModelRef, session.Status, session.DeviceIDs,
			assignments, session.GPULayers, session.ContextSize,
			session.StartedAt, session.StoppedAt).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			assignments = EXCLUDED.assignments,
			stopped_at = EXCLUDED.stopped_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building session upsert: %w", err)
	}

	if _, err := r.db.Pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}

	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	sql, args, err := r.db.Builder.
		Select("id", "model_ref", "status", "device_ids", "assignments",
			"gpu_layers", "context_size", "started_at", "stopped_at").
		From("sessions").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session select: %w", err)
	}

	session, err := scanSession(r.db.Pool.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, grid.WithKind(grid.KindNotFound, grid.ErrNoSession)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	return session, nil
}

func (r *SessionRepo) List(ctx context.Context) ([]*models.Session, error) {
	sql, args, err := r.db.Builder.
		Select("id", "model_ref", "status", "device_ids", "assignments",
			"gpu_layers", "context_size", "started_at", "stopped_at").
		From("sessions").
		OrderBy("started_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building session list: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		session     models.Session
		assignments []byte
	)

	err := row.Scan(&session.ID, &session.ModelRef, &session.Status,
		&session.DeviceIDs, &assignments, &session.GPULayers,
		&session.ContextSize, &session.StartedAt, &session.StoppedAt)
	if err != nil {
		return nil, err
	}

	if len(assignments) > 0 {
		if err := json.Unmarshal(assignments, &session.Assignments); err != nil {
			return nil, fmt.Errorf("decoding layer assignments: %w", err)
		}
	}

	return &session, nil
}
