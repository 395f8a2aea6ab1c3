package postgres

import (
	"context"
	"fmt"

	"memgrid/pkg/models"
)

// AllocationRepo implements ports.AllocationRepository.
type AllocationRepo struct {
	db *DB
}

func NewAllocationRepo(db *DB) *AllocationRepo {
	return &AllocationRepo{db: db}
}

func (r *AllocationRepo) Append(ctx context.Context, alloc *models.Allocation) error {
	sql, args, err := r.db.Builder.
		Insert("allocations").
		Columns("id", "device_id", "memory_mb", "provider", "granted_at", "revoked_at").
		Values(alloc.ID, alloc.DeviceID, alloc.MemoryMB, alloc.Provider,
			alloc.GrantedAt, alloc.RevokedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building allocation insert: %w", err)
	}

	if _, err := r.db.Pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("recording allocation: %w", err)
	}

	return nil
}

func (r *AllocationRepo) ListForDevice(ctx context.Context, deviceID string) ([]*models.Allocation, error) {
	sql, args, err := r.db.Builder.
		Select("id", "device_id", "memory_mb", "provider", "granted_at", "revoked_at").
		From("allocations").
		Where("device_id = ?", deviceID).
		OrderBy("granted_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building allocation list: %w", err)
	}

	rows, err := r.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing allocations: %w", err)
	}
	defer rows.Close()

	var allocs []*models.Allocation
	for rows.Next() {
		var alloc models.Allocation
		if err := rows.Scan(&alloc.ID, &alloc.DeviceID, &alloc.MemoryMB,
			&alloc.Provider, &alloc.GrantedAt, &alloc.RevokedAt); err != nil {
			return nil, fmt.Errorf("scanning allocation row: %w", err)
		}
		allocs = append(allocs, &alloc)
	}

	return allocs, rows.Err()
}

func (r *AllocationRepo) DeleteForDevice(ctx context.Context, deviceID string) error {
	sql, args, err := r.db.Builder.
		Delete("allocations").
		Where("device_id = ?", deviceID).
		ToSql()
	if err != nil {
		return fmt.Errorf("building allocation delete: %w", err)
	}

	if _, err := r.db.Pool.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("deleting allocations: %w", err)
	}

	return nil
}
