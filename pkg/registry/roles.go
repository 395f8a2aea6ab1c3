package registry

import (
	"context"
	"fmt"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/errors"
	"memgrid/pkg/models"
	"memgrid/pkg/ports"

	"github.com/google/uuid"
)

// RoleService manages permission roles. The three built-in roles are
// seeded at startup and cannot be deleted.
type RoleService struct {
	roles ports.RoleRepository
	clock func() time.Time
}

func NewRoleService(roles ports.RoleRepository) *RoleService {
	return &RoleService{
		roles: roles,
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// EnsureBuiltins seeds the built-in roles. Seeding is idempotent and
// overwrites any drift in the built-in definitions.
func (s *RoleService) EnsureBuiltins(ctx context.Context) error {
	builtins := []*models.Role{
		{
			ID:            defaults.RoleAdmin,
			Name:          "Admin",
			MaxMemoryMB:   1 << 20, // 1 TB, effectively unbounded on a LAN host
			CanPullModels: true,
			TrustLevel:    100,
			Builtin:       true,
			CreatedAt:     s.clock(),
		},
		{
			ID:            defaults.RoleUser,
			Name:          "User",
			MaxMemoryMB:   32 * 1024,
			CanPullModels: true,
			TrustLevel:    50,
			Builtin:       true,
			CreatedAt:     s.clock(),
		},
		{
			ID:            defaults.RoleGuest,
			Name:          "Guest",
			MaxMemoryMB:   4 * 1024,
			CanPullModels: false,
			TrustLevel:    10,
			Builtin:       true,
			CreatedAt:     s.clock(),
		},
	}

	for _, role := range builtins {
		if err := s.roles.Upsert(ctx, role); err != nil {
			return fmt.Errorf("seeding built-in role %s: %w", role.ID, err)
		}
	}

	return nil
}

// Create adds a custom role.
func (s *RoleService) Create(ctx context.Context, name string, maxMemoryMB int64,
	canPullModels bool, trustLevel int,
) (*models.Role, error) {
	if name == "" {
		return nil, errors.WithKind(errors.KindValidation, errors.ErrRoleNameRequired)
	}
	if maxMemoryMB < 0 {
		return nil, errors.WithKind(errors.KindValidation,
			fmt.Errorf("role quota must not be negative, got %d", maxMemoryMB))
	}

	role := &models.Role{
		ID:            uuid.NewString(),
		Name:          name,
		MaxMemoryMB:   maxMemoryMB,
		CanPullModels: canPullModels,
		TrustLevel:    trustLevel,
		CreatedAt:     s.clock(),
	}

	if err := s.roles.Upsert(ctx, role); err != nil {
		return nil, fmt.Errorf("creating role %s: %w", name, err)
	}

	return role, nil
}

// Update modifies a role's limits. Built-in roles can be tuned but keep
// their identity.
func (s *RoleService) Update(ctx context.Context, id string, maxMemoryMB int64,
	canPullModels bool, trustLevel int,
) (*models.Role, error) {
	role, err := s.roles.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if maxMemoryMB < 0 {
		return nil, errors.WithKind(errors.KindValidation,
			fmt.Errorf("role quota must not be negative, got %d", maxMemoryMB))
	}

	role.MaxMemoryMB = maxMemoryMB
	role.CanPullModels = canPullModels
	role.TrustLevel = trustLevel

	if err := s.roles.Upsert(ctx, role); err != nil {
		return nil, fmt.Errorf("updating role %s: %w", id, err)
	}

	return role, nil
}

// Delete removes a custom role. Built-in roles are rejected.
func (s *RoleService) Delete(ctx context.Context, id string) error {
	role, err := s.roles.Get(ctx, id)
	if err != nil {
		return err
	}

	if role.Builtin {
		return errors.WithKind(errors.KindConflict, errors.ErrBuiltinRole)
	}

	return s.roles.Delete(ctx, id)
}

// Get returns a single role.
func (s *RoleService) Get(ctx context.Context, id string) (*models.Role, error) {
	return s.roles.Get(ctx, id)
}

// List returns all roles, most trusted first.
func (s *RoleService) List(ctx context.Context) ([]*models.Role, error) {
	return s.roles.List(ctx)
}
