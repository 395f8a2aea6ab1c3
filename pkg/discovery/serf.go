// Package discovery announces this host on the LAN and feeds peers it
// hears about into the device registry. Gossip only advertises presence;
// admission stays with the registry's approval workflow.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/log"
	"memgrid/pkg/models"
	"memgrid/pkg/registry"

	"github.com/google/uuid"
	"github.com/hashicorp/serf/serf"
)

const (
	tagHostname   = "hostname"
	tagPlatform   = "platform"
	tagRPCPort    = "rpc_port"
	tagHardwareID = "hardware_id"
)

// deviceRegistry is the registry surface discovery drives.
type deviceRegistry interface {
	Register(ctx context.Context, input registry.RegisterInput) (*models.Device, error)
	List(ctx context.Context) ([]*models.Device, error)
	MarkOffline(ctx context.Context, id string) error
}

// Config for the gossip agent.
type Config struct {
	// NodeName defaults to the hostname, falling back to a random id.
	NodeName string
	// BindAddr is host:port for gossip traffic.
	BindAddr string
	// JoinAddrs are existing cluster members to join on start.
	JoinAddrs []string
	// RPCPort advertised to peers.
	RPCPort int
	// HardwareID advertised to peers.
	HardwareID string
}

// Agent wraps a serf member and translates membership events into
// registry calls.
type Agent struct {
	cfg      Config
	eventCh  chan serf.Event
	serfCfg  *serf.Config
	serf     *serf.Serf
	registry deviceRegistry
}

func NewAgent(cfg Config, reg deviceRegistry) (*Agent, error) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = defaults.ClusterBindAddr
	}
	if cfg.RPCPort == 0 {
		cfg.RPCPort = defaults.RPCPort
	}
	if cfg.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = uuid.NewString()
		}
		cfg.NodeName = hostname
	}

	addr, portStr, err := net.SplitHostPort(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("parsing bind address %s: %w", cfg.BindAddr, err)
	}

	bindPort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("parsing bind port %s: %w", portStr, err)
	}

	eventCh := make(chan serf.Event, 64)

	serfCfg := serf.DefaultConfig()
	serfCfg.EventCh = eventCh
	serfCfg.NodeName = cfg.NodeName
	serfCfg.MemberlistConfig.BindAddr = addr
	serfCfg.MemberlistConfig.BindPort = bindPort
	serfCfg.MemberlistConfig.AdvertisePort = bindPort

	// Conservative gossip tuning; a LAN of laptops does not need
	// datacenter-grade failure detection latency.
	serfCfg.MemberlistConfig.GossipInterval = 2 * time.Second
	serfCfg.MemberlistConfig.ProbeInterval = 5 * time.Second
	serfCfg.MemberlistConfig.SuspicionMult = 6

	serfCfg.Tags = map[string]string{
		tagHostname:   cfg.NodeName,
		tagPlatform:   platformTag(),
		tagRPCPort:    strconv.Itoa(cfg.RPCPort),
		tagHardwareID: cfg.HardwareID,
	}

	serfCfg.Init()

	cluster, err := serf.Create(serfCfg)
	if err != nil {
		return nil, fmt.Errorf("creating serf member: %w", err)
	}

	return &Agent{
		cfg:      cfg,
		eventCh:  eventCh,
		serfCfg:  serfCfg,
		serf:     cluster,
		registry: reg,
	}, nil
}

// Run consumes membership events until ctx is cancelled, then leaves the
// cluster.
func (a *Agent) Run(ctx context.Context) {
	logger := log.GetLogger(ctx).WithField("service", "discovery")
	logger.Infof("discovery agent %s listening on %s", a.serfCfg.NodeName, a.cfg.BindAddr)

	for _, addr := range a.cfg.JoinAddrs {
		if err := a.Join(addr); err != nil {
			logger.Warnf("joining %s: %s", addr, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			a.shutdown(logger)

			return
		case event, ok := <-a.eventCh:
			if !ok {
				return
			}
			a.handle(ctx, event)
		}
	}
}

func (a *Agent) handle(ctx context.Context, event serf.Event) {
	logger := log.GetLogger(ctx).WithField("service", "discovery")

	switch event.EventType() {
	case serf.EventMemberJoin:
		join, ok := event.(serf.MemberEvent)
		if !ok {
			return
		}
		for _, member := range join.Members {
			if member.Name == a.serfCfg.NodeName {
				continue
			}
			a.registerPeer(ctx, member)
		}
	case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
		departure, ok := event.(serf.MemberEvent)
		if !ok {
			return
		}
		for _, member := range departure.Members {
			if member.Name == a.serfCfg.NodeName {
				continue
			}
			a.offlinePeer(ctx, member)
		}
	default:
		logger.Debugf("ignoring serf event: %v", event)
	}
}

func (a *Agent) registerPeer(ctx context.Context, member serf.Member) {
	logger := log.GetLogger(ctx).WithField("service", "discovery")

	rpcPort := defaults.RPCPort
	if raw, ok := member.Tags[tagRPCPort]; ok {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			rpcPort = parsed
		}
	}

	device, err := a.registry.Register(ctx, registry.RegisterInput{
		Name:       member.Name,
		Address:    member.Addr.String(),
		HardwareID: member.Tags[tagHardwareID],
		Hostname:   member.Tags[tagHostname],
		Platform:   member.Tags[tagPlatform],
		RPCPort:    rpcPort,
		Method:     models.DiscoveryBroadcast,
	})
	if err != nil {
		logger.Errorf("registering discovered peer %s: %s", member.Addr, err)

		return
	}

	logger.Infof("peer %s (%s) registered as %s", member.Name, member.Addr, device.Status)
}

func (a *Agent) offlinePeer(ctx context.Context, member serf.Member) {
	logger := log.GetLogger(ctx).WithField("service", "discovery")

	address := member.Addr.String()

	devices, err := a.registry.List(ctx)
	if err != nil {
		logger.Errorf("listing devices for departed peer %s: %s", address, err)

		return
	}

	for _, device := range devices {
		if device.Address != address {
			continue
		}
		if err := a.registry.MarkOffline(ctx, device.ID); err != nil {
			logger.Errorf("marking departed peer %s offline: %s", address, err)
		}

		return
	}
}

func platformTag() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// Join adds the agent to an existing cluster member.
func (a *Agent) Join(addr string) error {
	_, err := a.serf.Join([]string{addr}, true)

	return err
}

// Members returns the current cluster membership.
func (a *Agent) Members() []serf.Member {
	return a.serf.Members()
}

func (a *Agent) shutdown(logger interface{ Warnf(string, ...interface{}) }) {
	if err := a.serf.Leave(); err != nil {
		logger.Warnf("leaving cluster: %s", err)
	}
	if err := a.serf.Shutdown(); err != nil {
		logger.Warnf("shutting down serf: %s", err)
	}
}
