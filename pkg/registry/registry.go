// Package registry owns the device approval state machine. All status
// transitions for a device are serialized through the registry's lock;
// network probing happens elsewhere and reports back through MarkOffline,
// MarkOnline and UpdateReported.
package registry

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/errors"
	"memgrid/pkg/events"
	"memgrid/pkg/log"
	"memgrid/pkg/models"
	"memgrid/pkg/ports"

	"github.com/google/uuid"
)

// maxReportableMB caps agent-reported memory figures. Agent numbers are
// advisory and untrusted; anything above this is treated as garbage.
const maxReportableMB = 8 << 20 // 8 TB

// Config controls auto-approval behaviour.
type Config struct {
	// TrustLocalNetwork auto-approves passively discovered devices.
	TrustLocalNetwork bool
	// DefaultRoleID is the role granted on auto-approval. It is an
	// explicit setting, there is no fallback to an arbitrary role.
	DefaultRoleID string
}

// RegisterInput carries the fields a discovery source knows about a peer.
type RegisterInput struct {
	Name       string
	Address    string
	HardwareID string
	Hostname   string
	Platform   string
	RPCPort    int
	Method     models.DiscoveryMethod
}

// Registry is the device registry application service.
type Registry struct {
	mu          sync.Mutex
	cfg         Config
	devices     ports.DeviceRepository
	roles       ports.RoleRepository
	allocations ports.AllocationRepository
	eventSvc    ports.EventService
	clock       func() time.Time
}

func New(cfg Config, devices ports.DeviceRepository, roles ports.RoleRepository,
	allocations ports.AllocationRepository, eventSvc ports.EventService,
) *Registry {
	return &Registry{
		cfg:         cfg,
		devices:     devices,
		roles:       roles,
		allocations: allocations,
		eventSvc:    eventSvc,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the registry clock, used by tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// SetTrustLocalNetwork toggles auto-approval at runtime.
func (r *Registry) SetTrustLocalNetwork(trust bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.TrustLocalNetwork = trust
}

// SetDefaultRole changes the role granted on auto-approval.
func (r *Registry) SetDefaultRole(roleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.DefaultRoleID = roleID
}

// Settings returns the current auto-approval configuration.
func (r *Registry) Settings() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Register upserts a device keyed by address. Re-registration of a known
// address refreshes last-seen and returns the existing record; it never
// creates a duplicate and never re-fires the approval-required event.
func (r *Registry) Register(ctx context.Context, input RegisterInput) (*models.Device, error) {
	logger := log.GetLogger(ctx).WithField("service", "registry")

	if input.Address == "" {
		return nil, errors.WithKind(errors.KindValidation, errors.ErrAddressRequired)
	}
	if net.ParseIP(input.Address) == nil {
		return nil, errors.WithKind(errors.KindValidation, errors.ErrInvalidAddress)
	}
	if input.Name == "" {
		input.Name = input.Address
	}

	r.mu.Lock()
	trust := r.cfg.TrustLocalNetwork
	defaultRole := r.cfg.DefaultRoleID
	r.mu.Unlock()

	device := models.NewDevice(input.Name, input.Address, input.Method)
	device.HardwareID = input.HardwareID
	device.Hostname = input.Hostname
	device.Platform = input.Platform
	if input.RPCPort > 0 {
		device.RPCPort = input.RPCPort
	}

	autoApprove := trust && input.Method == models.DiscoveryBroadcast && defaultRole != ""
	if autoApprove {
		device.Status = models.DeviceApproved
		device.RoleID = defaultRole
	}

	stored, created, err := r.devices.CreateIfAbsent(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("registering device %s: %w", input.Address, err)
	}

	if !created {
		now := r.clock()
		stored.LastSeen = &now
		if err := r.devices.Update(ctx, stored); err != nil {
			return nil, fmt.Errorf("refreshing last seen for %s: %w", stored.ID, err)
		}

		return stored, nil
	}

	r.publishDevice(ctx, &events.DeviceDiscovered{
		Address:  stored.Address,
		Name:     stored.Name,
		Hostname: stored.Hostname,
		Method:   string(stored.Method),
	})

	if autoApprove {
		logger.Infof("auto-approved device %s (trust-local-network enabled)", stored.Address)
		r.publishDevice(ctx, &events.DeviceApproved{
			DeviceID: stored.ID,
			Name:     stored.Name,
			Address:  stored.Address,
			RoleID:   stored.RoleID,
		})
	} else {
		logger.Infof("device %s is pending approval", stored.Address)
		r.publishDevice(ctx, &events.DevicePendingApproval{
			DeviceID: stored.ID,
			Name:     stored.Name,
			Address:  stored.Address,
			Method:   string(stored.Method),
		})
	}

	return stored, nil
}

// Decide approves or denies a pending device. Approval requires a role;
// denial clears any role.
func (r *Registry) Decide(ctx context.Context, id string, approve bool, roleID string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, err := r.devices.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if device.Status != models.DevicePending {
		return nil, errors.WithKind(errors.KindConflict, errors.ErrNotPending)
	}

	if approve {
		if roleID == "" {
			return nil, errors.WithKind(errors.KindValidation, errors.ErrRoleRequired)
		}
		if _, err := r.roles.Get(ctx, roleID); err != nil {
			return nil, err
		}

		device.Status = models.DeviceApproved
		device.RoleID = roleID
	} else {
		device.Status = models.DeviceDenied
		device.RoleID = ""
	}

	if err := r.devices.Update(ctx, device); err != nil {
		return nil, fmt.Errorf("persisting decision for %s: %w", id, err)
	}

	if approve {
		log.GetLogger(ctx).Infof("device %s approved with role %s", device.Address, roleID)
		r.publishDevice(ctx, &events.DeviceApproved{
			DeviceID: device.ID,
			Name:     device.Name,
			Address:  device.Address,
			RoleID:   device.RoleID,
		})
	} else {
		log.GetLogger(ctx).Infof("device %s denied", device.Address)
		r.publishDevice(ctx, &events.DeviceDenied{DeviceID: device.ID})
	}

	return device, nil
}

// SetAllocation grants a memory quota to an approved device. Requests above
// the role quota are rejected, never truncated, and leave the previous
// allocation untouched.
func (r *Registry) SetAllocation(ctx context.Context, id string, memoryMB int64) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, err := r.devices.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if device.Status != models.DeviceApproved {
		return nil, errors.WithKind(errors.KindConflict, errors.ErrNotApproved)
	}
	if memoryMB < 0 {
		return nil, errors.WithKind(errors.KindValidation,
			fmt.Errorf("allocation must not be negative, got %d", memoryMB))
	}

	role, err := r.roles.Get(ctx, device.RoleID)
	if err != nil {
		return nil, err
	}

	if memoryMB > role.MaxMemoryMB {
		return nil, errors.NewQuotaExceeded(memoryMB, role.MaxMemoryMB, role.Name)
	}

	device.AllocatedMB = memoryMB
	if err := r.devices.Update(ctx, device); err != nil {
		return nil, fmt.Errorf("persisting allocation for %s: %w", id, err)
	}

	grant := &models.Allocation{
		ID:        uuid.NewString(),
		DeviceID:  device.ID,
		MemoryMB:  memoryMB,
		Provider:  string(models.ProviderSystemRAM),
		GrantedAt: r.clock(),
	}
	if err := r.allocations.Append(ctx, grant); err != nil {
		return nil, fmt.Errorf("recording allocation grant: %w", err)
	}

	r.publishDevice(ctx, &events.MemoryAllocated{DeviceID: device.ID, MemoryMB: memoryMB})

	return device, nil
}

// Suspend administratively suspends an approved device.
func (r *Registry) Suspend(ctx context.Context, id string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, err := r.devices.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if device.Status != models.DeviceApproved {
		return nil, errors.NewInvalidTransition(string(device.Status), string(models.DeviceSuspended))
	}

	device.Status = models.DeviceSuspended
	if err := r.devices.Update(ctx, device); err != nil {
		return nil, fmt.Errorf("suspending device %s: %w", id, err)
	}

	return device, nil
}

// MarkOffline flips an approved device to offline and clears its live
// memory figures. The record itself survives.
func (r *Registry) MarkOffline(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, err := r.devices.Get(ctx, id)
	if err != nil {
		return err
	}

	if device.Status != models.DeviceApproved {
		return nil
	}

	rpcWasReady := device.RPCStatus != models.RPCOffline

	device.Status = models.DeviceOffline
	device.RPCStatus = models.RPCOffline
	device.MemoryTotalMB = 0
	device.MemoryFreeMB = 0

	if err := r.devices.Update(ctx, device); err != nil {
		return fmt.Errorf("marking device %s offline: %w", id, err)
	}

	log.GetLogger(ctx).Warnf("device %s stopped responding, marked offline", device.Address)
	r.publishDevice(ctx, &events.DeviceOffline{DeviceID: device.ID, Address: device.Address})

	// A session sharded onto this device learns about the lost rpc-server
	// from the rpc topic, not just the device topic.
	if rpcWasReady {
		_ = r.eventSvc.Publish(ctx, defaults.TopicRPCEvents, &events.RPCDeviceStatus{
			DeviceID: device.ID,
			Status:   models.RPCOffline,
		})
	}

	return nil
}

// MarkOnline restores an offline device to approved when probing succeeds
// again.
func (r *Registry) MarkOnline(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, err := r.devices.Get(ctx, id)
	if err != nil {
		return err
	}

	if device.Status != models.DeviceOffline {
		return nil
	}

	device.Status = models.DeviceApproved
	now := r.clock()
	device.LastSeen = &now

	return r.devices.Update(ctx, device)
}

// UpdateReported applies agent-reported rpc status and memory figures with
// last-writer-wins semantics: a report older than what is stored is
// discarded. Reported numbers are bounds-checked before use.
func (r *Registry) UpdateReported(ctx context.Context, id string, status models.RPCStatus,
	totalMB, freeMB int64, reportedAt time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, err := r.devices.Get(ctx, id)
	if err != nil {
		return err
	}

	if device.LastSeen != nil && reportedAt.Before(*device.LastSeen) {
		return nil
	}

	totalMB = clampMB(totalMB)
	freeMB = clampMB(freeMB)
	if freeMB > totalMB {
		freeMB = totalMB
	}

	changed := device.RPCStatus != status
	device.RPCStatus = status
	device.MemoryTotalMB = totalMB
	device.MemoryFreeMB = freeMB
	seen := reportedAt.UTC()
	device.LastSeen = &seen

	if err := r.devices.Update(ctx, device); err != nil {
		return fmt.Errorf("updating reported figures for %s: %w", id, err)
	}

	if changed {
		_ = r.eventSvc.Publish(ctx, defaults.TopicRPCEvents, &events.RPCDeviceStatus{
			DeviceID: device.ID,
			Status:   status,
			TotalMB:  totalMB,
			FreeMB:   freeMB,
		})
	}

	return nil
}

// Remove deletes a device from any state and cascades its allocation
// history.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.allocations.DeleteForDevice(ctx, id); err != nil {
		return fmt.Errorf("removing allocation history for %s: %w", id, err)
	}

	if err := r.devices.Delete(ctx, id); err != nil {
		return err
	}

	r.publishDevice(ctx, &events.DeviceRemoved{DeviceID: id})

	return nil
}

// Get returns a single device.
func (r *Registry) Get(ctx context.Context, id string) (*models.Device, error) {
	return r.devices.Get(ctx, id)
}

// List returns all known devices.
func (r *Registry) List(ctx context.Context) ([]*models.Device, error) {
	return r.devices.List(ctx)
}

// Approved returns the approved devices only.
func (r *Registry) Approved(ctx context.Context) ([]*models.Device, error) {
	devices, err := r.devices.List(ctx)
	if err != nil {
		return nil, err
	}

	approved := devices[:0]
	for _, device := range devices {
		if device.Status == models.DeviceApproved {
			approved = append(approved, device)
		}
	}

	return approved, nil
}

func (r *Registry) publishDevice(ctx context.Context, event interface{}) {
	if err := r.eventSvc.Publish(ctx, defaults.TopicDeviceEvents, event); err != nil {
		log.GetLogger(ctx).Errorf("publishing device event: %s", err)
	}
}

func clampMB(v int64) int64 {
	if v < 0 {
		return 0
	}
	if v > maxReportableMB {
		return maxReportableMB
	}

	return v
}
