package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceStatus represents the lifecycle state of a device in the registry.
type DeviceStatus string

const (
	DevicePending   DeviceStatus = "pending"
	DeviceApproved  DeviceStatus = "approved"
	DeviceDenied    DeviceStatus = "denied"
	DeviceSuspended DeviceStatus = "suspended"
	DeviceOffline   DeviceStatus = "offline"
)

// RPCStatus is the live reachability state of a device's rpc-server.
type RPCStatus string

const (
	RPCOffline    RPCStatus = "offline"
	RPCConnecting RPCStatus = "connecting"
	RPCReady      RPCStatus = "ready"
	RPCError      RPCStatus = "error"
)

// DiscoveryMethod records how a device entered the registry.
type DiscoveryMethod string

const (
	DiscoveryBroadcast DiscoveryMethod = "broadcast"
	DiscoveryManual    DiscoveryMethod = "manual"
)

// Device is a network peer that may contribute or consume shared memory.
// Address is unique across all known devices.
type Device struct {
	// ID is the stable opaque identifier for the device.
	ID string `json:"id"`
	// Name is the display name reported at discovery or entered manually.
	Name string `json:"name"`
	// Address is the device's network address, the registry dedup key.
	Address string `json:"address"`
	// HardwareID is an optional stable hardware identifier (e.g. MAC).
	HardwareID string `json:"hardware_id,omitempty"`
	// Hostname is the reported hostname, if known.
	Hostname string `json:"hostname,omitempty"`
	// Platform is a free-form platform tag (e.g. "linux/amd64").
	Platform string `json:"platform,omitempty"`
	// RoleID is the assigned role. Empty until the device is approved.
	RoleID string `json:"role_id,omitempty"`
	// Status is the approval lifecycle state.
	Status DeviceStatus `json:"status"`
	// Method records how the device was discovered.
	Method DiscoveryMethod `json:"discovery_method"`
	// AllocatedMB is the memory quota granted to this device.
	AllocatedMB int64 `json:"allocated_mb"`
	// RPCPort is the port the device's rpc-server listens on.
	RPCPort int `json:"rpc_port"`
	// RPCStatus is the last observed reachability of the rpc-server.
	RPCStatus RPCStatus `json:"rpc_status"`
	// MemoryTotalMB and MemoryFreeMB are the last figures the device agent
	// reported. Advisory: bounds-checked before scheduling decisions.
	MemoryTotalMB int64 `json:"memory_total_mb"`
	MemoryFreeMB  int64 `json:"memory_free_mb"`

	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewDevice returns a pending device record for the given address.
// LastSeen stays nil until the device re-registers or reports in, so the
// first agent report is never judged stale against the creation instant.
func NewDevice(name, address string, method DiscoveryMethod) *Device {
	now := time.Now().UTC()

	return &Device{
		ID:        uuid.NewString(),
		Name:      name,
		Address:   address,
		Status:    DevicePending,
		Method:    method,
		RPCPort:   8181,
		RPCStatus: RPCOffline,
		FirstSeen: now,
		CreatedAt: now,
	}
}

// Allocation is one entry in a device's append-only grant/revoke history.
type Allocation struct {
	ID        string     `json:"id"`
	DeviceID  string     `json:"device_id"`
	MemoryMB  int64      `json:"memory_mb"`
	Provider  string     `json:"provider"`
	GrantedAt time.Time  `json:"granted_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
