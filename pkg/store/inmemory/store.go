// Package inmemory provides map-backed repository implementations used for
// single-host runs and tests. The device map is keyed by address so that
// concurrent registrations of the same address collapse to one record
// without a separate existence check.
package inmemory

import (
	"context"
	"sort"
	"sync"

	"memgrid/pkg/errors"
	"memgrid/pkg/models"
)

// DeviceStore implements ports.DeviceRepository.
type DeviceStore struct {
	mu        sync.Mutex
	byAddress map[string]*models.Device
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{byAddress: make(map[string]*models.Device)}
}

// CreateIfAbsent implements ports.DeviceRepository. The insert and the
// existence check happen under one lock, which is the in-memory equivalent
// of INSERT ... ON CONFLICT DO NOTHING.
func (s *DeviceStore) CreateIfAbsent(_ context.Context, device *models.Device) (*models.Device, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byAddress[device.Address]; ok {
		clone := *existing
		return &clone, false, nil
	}

	clone := *device
	s.byAddress[device.Address] = &clone

	result := clone

	return &result, true, nil
}

func (s *DeviceStore) Get(_ context.Context, id string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, device := range s.byAddress {
		if device.ID == id {
			clone := *device
			return &clone, nil
		}
	}

	return nil, errors.NewDeviceNotFound(id)
}

func (s *DeviceStore) GetByAddress(_ context.Context, address string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device, ok := s.byAddress[address]
	if !ok {
		return nil, nil
	}

	clone := *device

	return &clone, nil
}

func (s *DeviceStore) List(_ context.Context) ([]*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]*models.Device, 0, len(s.byAddress))
	for _, device := range s.byAddress {
		clone := *device
		devices = append(devices, &clone)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.After(devices[j].CreatedAt)
	})

	return devices, nil
}

func (s *DeviceStore) Update(_ context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byAddress[device.Address]
	if !ok || existing.ID != device.ID {
		return errors.NewDeviceNotFound(device.ID)
	}

	clone := *device
	s.byAddress[device.Address] = &clone

	return nil
}

func (s *DeviceStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for address, device := range s.byAddress {
		if device.ID == id {
			delete(s.byAddress, address)
			return nil
		}
	}

	return errors.NewDeviceNotFound(id)
}

// RoleStore implements ports.RoleRepository.
type RoleStore struct {
	mu    sync.Mutex
	roles map[string]*models.Role
}

func NewRoleStore() *RoleStore {
	return &RoleStore{roles: make(map[string]*models.Role)}
}

func (s *RoleStore) Upsert(_ context.Context, role *models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *role
	s.roles[role.ID] = &clone

	return nil
}

func (s *RoleStore) Get(_ context.Context, id string) (*models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, ok := s.roles[id]
	if !ok {
		return nil, errors.NewRoleNotFound(id)
	}

	clone := *role

	return &clone, nil
}

func (s *RoleStore) List(_ context.Context) ([]*models.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	roles := make([]*models.Role, 0, len(s.roles))
	for _, role := range s.roles {
		clone := *role
		roles = append(roles, &clone)
	}

	sort.Slice(roles, func(i, j int) bool {
		return roles[i].TrustLevel > roles[j].TrustLevel
	})

	return roles, nil
}

func (s *RoleStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[id]; !ok {
		return errors.NewRoleNotFound(id)
	}

	delete(s.roles, id)

	return nil
}

// AllocationStore implements ports.AllocationRepository.
type AllocationStore struct {
	mu     sync.Mutex
	grants []*models.Allocation
}

func NewAllocationStore() *AllocationStore {
	return &AllocationStore{}
}

func (s *AllocationStore) Append(_ context.Context, alloc *models.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *alloc
	s.grants = append(s.grants, &clone)

	return nil
}

func (s *AllocationStore) ListForDevice(_ context.Context, deviceID string) ([]*models.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Allocation
	for _, grant := range s.grants {
		if grant.DeviceID == deviceID {
			clone := *grant
			out = append(out, &clone)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].GrantedAt.After(out[j].GrantedAt)
	})

	return out, nil
}

func (s *AllocationStore) DeleteForDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.grants[:0]
	for _, grant := range s.grants {
		if grant.DeviceID != deviceID {
			kept = append(kept, grant)
		}
	}
	s.grants = kept

	return nil
}

// SessionStore implements ports.SessionRepository.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*models.Session)}
}

func (s *SessionStore) Save(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *session
	s.sessions[session.ID] = &clone

	return nil
}

func (s *SessionStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, errors.WithKind(errors.KindNotFound, errors.ErrNoSession)
	}

	clone := *session

	return &clone, nil
}

func (s *SessionStore) List(_ context.Context) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		clone := *session
		sessions = append(sessions, &clone)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})

	return sessions, nil
}
