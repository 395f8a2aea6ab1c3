package discovery

import (
	"context"
	"net"
	"testing"

	"memgrid/pkg/defaults"
	"memgrid/pkg/eventbus"
	"memgrid/pkg/models"
	"memgrid/pkg/registry"
	"memgrid/pkg/store/inmemory"

	"github.com/hashicorp/serf/serf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T) (*Agent, *registry.Registry) {
	t.Helper()

	roleStore := inmemory.NewRoleStore()
	roles := registry.NewRoleService(roleStore)
	require.NoError(t, roles.EnsureBuiltins(context.Background()))

	bus := eventbus.New(defaults.EventBufferSize, prometheus.NewRegistry())
	reg := registry.New(registry.Config{}, inmemory.NewDeviceStore(), roleStore,
		inmemory.NewAllocationStore(), bus)

	serfCfg := serf.DefaultConfig()
	serfCfg.NodeName = "self"

	return &Agent{serfCfg: serfCfg, registry: reg}, reg
}

func member(name, addr string, tags map[string]string) serf.Member {
	return serf.Member{
		Name: name,
		Addr: net.ParseIP(addr),
		Tags: tags,
	}
}

func TestJoinEventRegistersPeer(t *testing.T) {
	agent, reg := newTestAgent(t)
	ctx := context.Background()

	agent.handle(ctx, serf.MemberEvent{
		Type: serf.EventMemberJoin,
		Members: []serf.Member{
			member("self", "192.168.1.1", nil),
			member("macbook", "192.168.1.21", map[string]string{
				tagHostname:   "macbook.local",
				tagPlatform:   "darwin/arm64",
				tagRPCPort:    "9999",
				tagHardwareID: "hw-123",
			}),
		},
	})

	devices, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1, "the agent's own member entry is skipped")

	device := devices[0]
	assert.Equal(t, "macbook", device.Name)
	assert.Equal(t, "192.168.1.21", device.Address)
	assert.Equal(t, "macbook.local", device.Hostname)
	assert.Equal(t, 9999, device.RPCPort)
	assert.Equal(t, "hw-123", device.HardwareID)
	assert.Equal(t, models.DevicePending, device.Status)
	assert.Equal(t, models.DiscoveryBroadcast, device.Method)
}

func TestRepeatedJoinDoesNotDuplicate(t *testing.T) {
	agent, reg := newTestAgent(t)
	ctx := context.Background()

	event := serf.MemberEvent{
		Type:    serf.EventMemberJoin,
		Members: []serf.Member{member("macbook", "192.168.1.21", nil)},
	}

	agent.handle(ctx, event)
	agent.handle(ctx, event)

	devices, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestFailedEventMarksApprovedPeerOffline(t *testing.T) {
	agent, reg := newTestAgent(t)
	ctx := context.Background()

	agent.handle(ctx, serf.MemberEvent{
		Type:    serf.EventMemberJoin,
		Members: []serf.Member{member("macbook", "192.168.1.21", nil)},
	})

	devices, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	approved, err := reg.Decide(ctx, devices[0].ID, true, defaults.RoleUser)
	require.NoError(t, err)
	require.Equal(t, models.DeviceApproved, approved.Status)

	agent.handle(ctx, serf.MemberEvent{
		Type:    serf.EventMemberFailed,
		Members: []serf.Member{member("macbook", "192.168.1.21", nil)},
	})

	device, err := reg.Get(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceOffline, device.Status)
}
