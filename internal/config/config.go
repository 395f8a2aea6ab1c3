// Package config holds the daemon's runtime configuration, populated from
// flags, environment and the optional config file.
package config

import (
	"time"

	"memgrid/pkg/log"
)

// Config is the top level configuration for the daemon.
type Config struct {
	// Logging contains the logging related config.
	Logging log.Config

	// HTTPAPIEndpoint is the bind address of the control API.
	HTTPAPIEndpoint string

	// ClusterBindAddr is the serf gossip bind address. Empty disables LAN
	// discovery.
	ClusterBindAddr string

	// ClusterJoinAddrs are existing cluster members to join on start.
	ClusterJoinAddrs []string

	// NodeName is this host's name in the cluster. Defaults to hostname.
	NodeName string

	// PostgresURL enables the Postgres store when set; otherwise device
	// state lives in memory only.
	PostgresURL string

	// TrustLocalNetwork auto-approves devices discovered via broadcast.
	TrustLocalNetwork bool

	// DefaultRoleID is granted on auto-approval.
	DefaultRoleID string

	// RPCPort is the llama.cpp rpc-server port, local and advertised.
	RPCPort int

	// InferencePort is the local llama-server port.
	InferencePort int

	// InstallDir is searched for llama.cpp binaries after PATH.
	InstallDir string

	// StartRPCServer launches the local rpc-server at boot.
	StartRPCServer bool

	// RuntimeHost is the model-runtime service base URL.
	RuntimeHost string

	// RuntimeCommand starts the runtime when it is down. Empty means the
	// runtime is observed but never launched.
	RuntimeCommand string

	// MemoryProbeInterval is the capacity snapshot cadence.
	MemoryProbeInterval time.Duration

	// ReachabilityInterval is the device probe cadence.
	ReachabilityInterval time.Duration
}
