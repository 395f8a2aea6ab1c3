package flags

import (
	"memgrid/internal/config"
	"memgrid/pkg/defaults"

	"github.com/spf13/cobra"
)

const (
	httpEndpointFlag   = "http-endpoint"
	clusterBindFlag    = "cluster-bind"
	clusterJoinFlag    = "cluster-join"
	nodeNameFlag       = "node-name"
	postgresURLFlag    = "postgres-url"
	trustLocalFlag     = "trust-local-network"
	defaultRoleFlag    = "default-role"
	rpcPortFlag        = "rpc-port"
	inferencePortFlag  = "inference-port"
	installDirFlag     = "install-dir"
	startRPCServerFlag = "start-rpc-server"
	runtimeHostFlag    = "runtime-host"
	runtimeCommandFlag = "runtime-command"
	memoryIntervalFlag = "memory-probe-interval"
	reachIntervalFlag  = "reachability-interval"
)

// AddAPIServerFlagsToCommand will add the control API flags to the
// supplied command.
func AddAPIServerFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.HTTPAPIEndpoint,
		httpEndpointFlag,
		defaults.HTTPAPIEndpoint,
		"The endpoint for the HTTP control API to listen on.")
}

// AddClusterFlagsToCommand will add LAN discovery flags to the supplied
// command.
func AddClusterFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.ClusterBindAddr,
		clusterBindFlag,
		defaults.ClusterBindAddr,
		"The bind address for cluster gossip. Empty disables discovery.")

	cmd.Flags().StringSliceVar(&cfg.ClusterJoinAddrs,
		clusterJoinFlag,
		nil,
		"Existing cluster members to join on start.")

	cmd.Flags().StringVar(&cfg.NodeName,
		nodeNameFlag,
		"",
		"The node name advertised to the cluster. Defaults to the hostname.")
}

// AddStoreFlagsToCommand will add persistence flags to the supplied
// command.
func AddStoreFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.PostgresURL,
		postgresURLFlag,
		"",
		"Postgres connection URL. Empty keeps device state in memory.")
}

// AddRegistryFlagsToCommand will add trust and role flags to the supplied
// command.
func AddRegistryFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().BoolVar(&cfg.TrustLocalNetwork,
		trustLocalFlag,
		false,
		"Auto-approve devices discovered on the local network.")

	cmd.Flags().StringVar(&cfg.DefaultRoleID,
		defaultRoleFlag,
		defaults.RoleUser,
		"The role granted to auto-approved devices.")
}

// AddSchedulerFlagsToCommand will add inference process flags to the
// supplied command.
func AddSchedulerFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().IntVar(&cfg.RPCPort,
		rpcPortFlag,
		defaults.RPCPort,
		"The port for the local and advertised rpc-server.")

	cmd.Flags().IntVar(&cfg.InferencePort,
		inferencePortFlag,
		defaults.InferencePort,
		"The port for the local inference server.")

	cmd.Flags().StringVar(&cfg.InstallDir,
		installDirFlag,
		"",
		"Directory searched for llama.cpp binaries after PATH.")

	cmd.Flags().BoolVar(&cfg.StartRPCServer,
		startRPCServerFlag,
		false,
		"Start the local rpc-server at boot.")

	cmd.Flags().DurationVar(&cfg.MemoryProbeInterval,
		memoryIntervalFlag,
		defaults.MemoryProbeInterval,
		"How often memory capacity snapshots are taken and broadcast.")

	cmd.Flags().DurationVar(&cfg.ReachabilityInterval,
		reachIntervalFlag,
		defaults.ReachabilityInterval,
		"How often approved devices are probed for reachability.")
}

// AddRuntimeFlagsToCommand will add model-runtime watchdog flags to the
// supplied command.
func AddRuntimeFlagsToCommand(cmd *cobra.Command, cfg *config.Config) {
	cmd.Flags().StringVar(&cfg.RuntimeHost,
		runtimeHostFlag,
		defaults.RuntimeHost,
		"The model-runtime service base URL.")

	cmd.Flags().StringVar(&cfg.RuntimeCommand,
		runtimeCommandFlag,
		"",
		"Command that starts the model runtime. Empty means observe only.")
}
