package ports

import (
	"context"

	"memgrid/pkg/models"
)

// DeviceRepository is the port definition for device persistence. Devices
// are unique on their network address.
type DeviceRepository interface {
	// CreateIfAbsent atomically inserts the device unless one with the same
	// address exists. It returns the stored record and whether a new row
	// was created. Concurrent registrations of the same address must
	// collapse to a single record.
	CreateIfAbsent(ctx context.Context, device *models.Device) (*models.Device, bool, error)
	// Get returns the device with the given ID.
	Get(ctx context.Context, id string) (*models.Device, error)
	// GetByAddress returns the device with the given address, or nil.
	GetByAddress(ctx context.Context, address string) (*models.Device, error)
	// List returns all known devices, newest first.
	List(ctx context.Context) ([]*models.Device, error)
	// Update persists the supplied device record.
	Update(ctx context.Context, device *models.Device) error
	// Delete removes the device record.
	Delete(ctx context.Context, id string) error
}

// RoleRepository is the port definition for role persistence.
type RoleRepository interface {
	// Upsert inserts or updates the role.
	Upsert(ctx context.Context, role *models.Role) error
	// Get returns the role with the given ID.
	Get(ctx context.Context, id string) (*models.Role, error)
	// List returns all roles ordered by descending trust level.
	List(ctx context.Context) ([]*models.Role, error)
	// Delete removes the role.
	Delete(ctx context.Context, id string) error
}

// AllocationRepository records the append-only grant/revoke history.
type AllocationRepository interface {
	// Append records a grant.
	Append(ctx context.Context, alloc *models.Allocation) error
	// ListForDevice returns a device's history, newest first.
	ListForDevice(ctx context.Context, deviceID string) ([]*models.Allocation, error)
	// DeleteForDevice removes a device's history, used when the device
	// record itself is removed.
	DeleteForDevice(ctx context.Context, deviceID string) error
}

// SessionRepository persists inference session history.
type SessionRepository interface {
	// Save inserts or updates the session record.
	Save(ctx context.Context, session *models.Session) error
	// Get returns the session with the given ID.
	Get(ctx context.Context, id string) (*models.Session, error)
	// List returns all sessions, newest first.
	List(ctx context.Context) ([]*models.Session, error)
}
