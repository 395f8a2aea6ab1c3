// Package events defines the typed domain events published on the bus.
// Events are transient notifications layered on top of the persisted
// entities, which remain the source of truth; observers that miss events
// re-fetch current state through the query API.
package events

import "memgrid/pkg/models"

// DeviceDiscovered fires when the discovery listener sees a new peer.
type DeviceDiscovered struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Hostname string `json:"hostname,omitempty"`
	Method   string `json:"method"`
}

// DevicePendingApproval fires once per registration that lands in pending.
type DevicePendingApproval struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	Method   string `json:"method"`
}

// DeviceApproved fires on an approval decision or trusted auto-approval.
type DeviceApproved struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Address  string `json:"address"`
	RoleID   string `json:"role_id"`
}

// DeviceDenied fires on a deny decision.
type DeviceDenied struct {
	DeviceID string `json:"device_id"`
}

// DeviceOffline fires when the reachability prober marks a device offline.
type DeviceOffline struct {
	DeviceID string `json:"device_id"`
	Address  string `json:"address"`
}

// DeviceRemoved fires when a device record is deleted.
type DeviceRemoved struct {
	DeviceID string `json:"device_id"`
}

// MemoryAllocated fires after a successful allocation grant.
type MemoryAllocated struct {
	DeviceID string `json:"device_id"`
	MemoryMB int64  `json:"memory_mb"`
}

// MemorySnapshots carries the periodic provider capacity readings. It is
// published every probe tick regardless of whether values changed.
type MemorySnapshots struct {
	Snapshots []models.MemorySnapshot `json:"snapshots"`
}

// RPCServerReady fires when the local rpc-server comes up.
type RPCServerReady struct {
	Port int `json:"port"`
}

// RPCServerOffline fires when the local rpc-server stops or crashes.
type RPCServerOffline struct{}

// RPCDeviceStatus fires when a remote device's rpc-server reachability
// changes.
type RPCDeviceStatus struct {
	DeviceID string           `json:"device_id"`
	Status   models.RPCStatus `json:"status"`
	TotalMB  int64            `json:"memory_total_mb"`
	FreeMB   int64            `json:"memory_free_mb"`
}

// RuntimeStatus reports the model-runtime watchdog's view of the helper
// service.
type RuntimeStatus struct {
	Running bool   `json:"running"`
	Host    string `json:"host"`
}

// SessionStarted fires when the inference serving process is launched.
type SessionStarted struct {
	SessionID string   `json:"session_id"`
	ModelRef  string   `json:"model_ref"`
	DeviceIDs []string `json:"device_ids"`
}

// SessionRunning fires when the serving process reports healthy.
type SessionRunning struct {
	SessionID string `json:"session_id"`
}

// SessionStopped fires when a session ends, including mid-start stops.
type SessionStopped struct {
	SessionID string `json:"session_id"`
}

// SessionError fires when the serving process fails to launch or exits
// unexpectedly.
type SessionError struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// LayerAssignment reports the layer split chosen for a session.
type LayerAssignment struct {
	SessionID   string                   `json:"session_id"`
	Assignments []models.LayerAssignment `json:"assignments"`
}

// Warning surfaces soft failures that did not abort an operation.
type Warning struct {
	Scope   string `json:"scope"`
	Message string `json:"message"`
}
