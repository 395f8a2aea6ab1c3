package postgres

import (
	"context"
	"errors"
	"fmt"

	grid "memgrid/pkg/errors"
	"memgrid/pkg/models"

	"github.com/jackc/pgx/v5"
)

var roleColumns = []string{
	"id", "name", "max_memory_mb", "can_pull_models", "trust_level", "builtin", "created_at",
}

// RoleRepo implements ports.RoleRepository.
type RoleRepo struct {
	db *DB
}

func NewRoleRepo(db *DB) *RoleRepo {
	return &RoleRepo{db: db}
}

func (r *RoleRepo) Upsert(ctx context.Context, role *models.Role) error {
	sql, args, err := r.db.Builder.
		Insert("roles").
		Columns(roleColumns...).
		Values(role.ID, role.Name, role.MaxMemoryMB, role.CanPullModels,
			role.TrustLevel, role.Builtin, role.CreatedAt).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			max_memory_mb = EXCLUDED.max_memory_mb,
			can_pull_models = EXCLUDED.can_pull_models,
			trust_level = EXCLUDED.trust_level`).
		ToSql()
	if err != nil {
		return fmt.Errorf("building role upsert: %w", err)
	}

	if _, err := r.db.Pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("upserting role: %w", err)
	}

	return nil
}

func (r *RoleRepo) Get(ctx context.Context, id string) (*models.Role, error) {
	sql, args, err := r.db.Builder.
		Select(roleColumns...).
		From("roles").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building role select: %w", err)
	}

	var role models.Role
	err = r.db.Pool.QueryRow(ctx, sql, args...).Scan(&role.ID, &role.Name,
		&role.MaxMemoryMB, &role.CanPullModels, &role.TrustLevel,
		&role.Builtin, &role.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, grid.NewRoleNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning role: %w", err)
	}

	return &role, nil
}

func (r *RoleRepo) List(ctx context.Context) ([]*models.Role, error) {
	sql, args, err := r.db.Builder.
		Select(roleColumns...).
		From("roles").
		OrderBy("trust_level DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building role list: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	var roles []*models.Role
	for rows.Next() {
		var role models.Role
		if err := rows.Scan(&role.ID, &role.Name, &role.MaxMemoryMB,
			&role.CanPullModels, &role.TrustLevel, &role.Builtin,
			&role.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning role row: %w", err)
		}
		roles = append(roles, &role)
	}

	return roles, rows.Err()
}

func (r *RoleRepo) Delete(ctx context.Context, id string) error {
	sql, args, err := r.db.Builder.
		Delete("roles").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("building role delete: %w", err)
	}

	tag, err := r.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("deleting role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return grid.NewRoleNotFound(id)
	}

	return nil
}
