package prober_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/eventbus"
	"memgrid/pkg/models"
	"memgrid/pkg/prober"
	"memgrid/pkg/registry"
	"memgrid/pkg/store/inmemory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPProberAgainstRealListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, portStr, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	p := prober.NewTCPProber(time.Second)

	assert.True(t, p.ProbeRPC(context.Background(), "127.0.0.1", port))

	listener.Close()
	assert.False(t, p.ProbeRPC(context.Background(), "127.0.0.1", port))
}

type scriptedProber struct {
	reachable map[string]bool
}

func (p *scriptedProber) ProbeRPC(_ context.Context, address string, _ int) bool {
	return p.reachable[address]
}

func newRegistry(t *testing.T) (*registry.Registry, *registry.RoleService) {
	t.Helper()

	roleStore := inmemory.NewRoleStore()
	roles := registry.NewRoleService(roleStore)
	require.NoError(t, roles.EnsureBuiltins(context.Background()))

	bus := eventbus.New(defaults.EventBufferSize, prometheus.NewRegistry())
	reg := registry.New(registry.Config{}, inmemory.NewDeviceStore(), roleStore,
		inmemory.NewAllocationStore(), bus)

	return reg, roles
}

func approvedDevice(t *testing.T, reg *registry.Registry, address string) *models.Device {
	t.Helper()
	ctx := context.Background()

	device, err := reg.Register(ctx, registry.RegisterInput{
		Address: address,
		Method:  models.DiscoveryBroadcast,
	})
	require.NoError(t, err)

	device, err = reg.Decide(ctx, device.ID, true, defaults.RoleUser)
	require.NoError(t, err)

	return device
}

func TestSweepMarksOfflineAfterConsecutiveMisses(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	device := approvedDevice(t, reg, "192.168.1.100")

	fake := &scriptedProber{reachable: map[string]bool{}}
	loop := prober.NewLoop(time.Minute, fake, reg)

	// One miss is tolerated.
	loop.Sweep(ctx)
	current, err := reg.Get(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceApproved, current.Status)

	// The second consecutive miss flips the device offline.
	loop.Sweep(ctx)
	current, err = reg.Get(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceOffline, current.Status)
}

func TestSweepRecoversOfflineDevice(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	device := approvedDevice(t, reg, "192.168.1.101")

	fake := &scriptedProber{reachable: map[string]bool{}}
	loop := prober.NewLoop(time.Minute, fake, reg)

	loop.Sweep(ctx)
	loop.Sweep(ctx)

	current, err := reg.Get(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeviceOffline, current.Status)

	fake.reachable[device.Address] = true
	loop.Sweep(ctx)

	current, err = reg.Get(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceApproved, current.Status)
	assert.Equal(t, models.RPCReady, current.RPCStatus)
}

func TestSweepSkipsPendingDevices(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	device, err := reg.Register(ctx, registry.RegisterInput{
		Address: "192.168.1.102",
		Method:  models.DiscoveryBroadcast,
	})
	require.NoError(t, err)

	fake := &scriptedProber{reachable: map[string]bool{}}
	loop := prober.NewLoop(time.Minute, fake, reg)

	loop.Sweep(ctx)
	loop.Sweep(ctx)
	loop.Sweep(ctx)

	current, err := reg.Get(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DevicePending, current.Status)
}
