package defaults

import "time"

const (
	// HTTPAPIEndpoint is the default bind address for the control API.
	HTTPAPIEndpoint = "0.0.0.0:8080"

	// ClusterBindAddr is the default serf bind address for LAN discovery.
	ClusterBindAddr = ":7946"

	// RPCPort is the port the llama.cpp rpc-server listens on, both on the
	// local host and on remote agents.
	RPCPort = 8181

	// InferencePort is the port the local llama-server binds to.
	InferencePort = 8282

	// RuntimeHost is the model-runtime service base URL.
	RuntimeHost = "http://127.0.0.1:11434"

	// MemoryProbeInterval is how often provider snapshots are taken and
	// broadcast. Snapshots go out every tick whether or not values changed
	// so observers can detect staleness.
	MemoryProbeInterval = 3 * time.Second

	// ReachabilityInterval is how often approved devices are probed.
	ReachabilityInterval = 10 * time.Second

	// ProbeTimeout bounds a single capacity or reachability probe.
	ProbeTimeout = 3 * time.Second

	// RPCReadyTimeout bounds the wait for a remote device to reach ready
	// state during session start.
	RPCReadyTimeout = 15 * time.Second

	// WatchdogInterval is the runtime watchdog health-check period.
	WatchdogInterval = 10 * time.Second

	// EventBufferSize is the per-subscriber event buffer. The oldest event
	// is dropped when a subscriber falls this far behind.
	EventBufferSize = 256

	// DefaultContextSize is the inference context window used when the
	// caller supplies no override.
	DefaultContextSize = 4096
)

const (
	// TopicDeviceEvents carries registry lifecycle events.
	TopicDeviceEvents = "memgrid/device"

	// TopicMemoryEvents carries periodic provider snapshots.
	TopicMemoryEvents = "memgrid/memory"

	// TopicRPCEvents carries local and remote rpc-server status changes.
	TopicRPCEvents = "memgrid/rpc"

	// TopicSessionEvents carries inference session lifecycle events.
	TopicSessionEvents = "memgrid/session"
)

const (
	// RoleAdmin, RoleUser and RoleGuest are the seeded built-in role IDs.
	// They always exist and reject deletion.
	RoleAdmin = "role-admin"
	RoleUser  = "role-user"
	RoleGuest = "role-guest"
)
