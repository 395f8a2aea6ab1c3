package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/errors"
	"memgrid/pkg/eventbus"
	"memgrid/pkg/events"
	"memgrid/pkg/models"
	"memgrid/pkg/ports"
	"memgrid/pkg/store/inmemory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMemory struct {
	freeMB int64
}

func (m *stubMemory) Probe(_ context.Context) []models.MemorySnapshot {
	return []models.MemorySnapshot{{
		ProviderID: "sysram",
		Kind:       models.ProviderSystemRAM,
		TotalMB:    m.freeMB * 2,
		FreeMB:     m.freeMB,
	}}
}

func (m *stubMemory) LocalFreeMB(_ context.Context) int64 { return m.freeMB }

type stubRegistry struct {
	mu      sync.Mutex
	devices map[string]*models.Device
}

func (r *stubRegistry) Get(_ context.Context, id string) (*models.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return nil, errors.NewDeviceNotFound(id)
	}
	clone := *device

	return &clone, nil
}

func (r *stubRegistry) add(device *models.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device.ID] = device
}

type stubProber struct {
	mu        sync.Mutex
	reachable map[string]bool
}

func (p *stubProber) ProbeRPC(_ context.Context, address string, _ int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.reachable[address]
}

// fakeProc stands in for a launched child process.
type fakeProc struct {
	done   chan struct{}
	once   sync.Once
	killed bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{done: make(chan struct{})}
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Kill() {
	p.once.Do(func() {
		p.killed = true
		close(p.done)
	})
}

func (p *fakeProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProc) exit() {
	p.once.Do(func() { close(p.done) })
}

type launchRecord struct {
	path string
	args []string
	proc *fakeProc
}

type fakeLauncher struct {
	mu       sync.Mutex
	launches []launchRecord
	err      error
}

func (l *fakeLauncher) launch(path string, args ...string) (proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return nil, l.err
	}

	child := newFakeProc()
	l.launches = append(l.launches, launchRecord{path: path, args: args, proc: child})

	return child, nil
}

func (l *fakeLauncher) last() launchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.launches) == 0 {
		return launchRecord{}
	}

	return l.launches[len(l.launches)-1]
}

type fixture struct {
	sched    *Scheduler
	registry *stubRegistry
	prober   *stubProber
	memory   *stubMemory
	launcher *fakeLauncher
	sessions *inmemory.SessionStore
	bus      *eventbus.Bus
	healthy  func() bool
}

func newFixture(t *testing.T, localFreeMB int64) *fixture {
	t.Helper()

	f := &fixture{
		registry: &stubRegistry{devices: map[string]*models.Device{}},
		prober:   &stubProber{reachable: map[string]bool{}},
		memory:   &stubMemory{freeMB: localFreeMB},
		launcher: &fakeLauncher{},
		sessions: inmemory.NewSessionStore(),
		bus:      eventbus.New(defaults.EventBufferSize, prometheus.NewRegistry()),
	}

	f.sched = New(Config{
		RPCReadyTimeout: 500 * time.Millisecond,
		HealthInterval:  10 * time.Millisecond,
	}, f.registry, f.memory, f.prober, f.sessions, f.bus)

	f.sched.launch = f.launcher.launch
	f.sched.lookup = func(_ string, names ...string) (string, bool) {
		return "/usr/local/bin/" + names[0], true
	}

	healthy := true
	f.healthy = func() bool { return healthy }
	f.sched.health = func(_ context.Context) bool { return f.healthy() }

	return f
}

func approvedDevice(f *fixture, address string, freeMB int64, reachable bool) *models.Device {
	device := models.NewDevice(address, address, models.DiscoveryBroadcast)
	device.Status = models.DeviceApproved
	device.RoleID = defaults.RoleUser
	device.MemoryFreeMB = freeMB
	device.MemoryTotalMB = freeMB
	if reachable {
		device.RPCStatus = models.RPCReady
	}

	f.registry.add(device)
	f.prober.mu.Lock()
	f.prober.reachable[address] = reachable
	f.prober.mu.Unlock()

	return device
}

func waitForStatus(t *testing.T, f *fixture, id string, want models.SessionStatus) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		session, err := f.sessions.Get(context.Background(), id)
		if err == nil && session.Status == want {
			return
		}

		select {
		case <-deadline:
			t.Fatalf("session %s never reached %s", id, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStartLocalOnlySession(t *testing.T) {
	f := newFixture(t, 64*1024)
	ctx := context.Background()

	session, err := f.sched.Start(ctx, StartInput{ModelRef: "/models/tiny.gguf"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStarting, session.Status)
	assert.Equal(t, -1, session.GPULayers)
	assert.Equal(t, defaults.DefaultContextSize, session.ContextSize)

	record := f.launcher.last()
	assert.Contains(t, record.path, "llama-server")
	assert.Contains(t, record.args, "/models/tiny.gguf")
	assert.NotContains(t, record.args, "--rpc")

	waitForStatus(t, f, session.ID, models.SessionRunning)
	require.NoError(t, f.sched.Stop(ctx))
	waitForStatus(t, f, session.ID, models.SessionStopped)
}

func TestStartRejectsSecondSession(t *testing.T) {
	f := newFixture(t, 64*1024)
	ctx := context.Background()

	_, err := f.sched.Start(ctx, StartInput{ModelRef: "/models/a.gguf"})
	require.NoError(t, err)

	_, err = f.sched.Start(ctx, StartInput{ModelRef: "/models/b.gguf"})
	assert.ErrorIs(t, err, errors.ErrSessionRunning)

	require.NoError(t, f.sched.Stop(ctx))

	// The slot frees up once the first session stops.
	_, err = f.sched.Start(ctx, StartInput{ModelRef: "/models/b.gguf"})
	assert.NoError(t, err)
	require.NoError(t, f.sched.Stop(ctx))
}

func TestStartDistributedJoinsEndpoints(t *testing.T) {
	f := newFixture(t, 8*1024)
	ctx := context.Background()

	d1 := approvedDevice(f, "192.168.1.10", 16*1024, true)
	d2 := approvedDevice(f, "192.168.1.11", 16*1024, true)

	session, err := f.sched.Start(ctx, StartInput{
		ModelRef:  "/models/big.gguf",
		DeviceIDs: []string{d1.ID, d2.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{d1.ID, d2.ID}, session.DeviceIDs)

	// The rpc-server comes up first, then llama-server with both peers.
	require.Len(t, f.launcher.launches, 2)
	assert.Contains(t, f.launcher.launches[0].path, "rpc-server")

	record := f.launcher.last()
	require.Contains(t, record.args, "--rpc")
	for i, arg := range record.args {
		if arg == "--rpc" {
			assert.Equal(t, "192.168.1.10:8181,192.168.1.11:8181", record.args[i+1])
		}
	}

	require.NoError(t, f.sched.Stop(ctx))

	// Stopping the session leaves the per-device rpc servers alone; only
	// the serving process dies.
	assert.True(t, f.launcher.launches[1].proc.killed)
	assert.True(t, f.launcher.launches[0].proc.Alive())
}

func TestStartDropsUnreachableDeviceWithWarning(t *testing.T) {
	f := newFixture(t, 8*1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evtCh, _ := f.bus.SubscribeTopic(ctx, defaults.TopicSessionEvents)

	d1 := approvedDevice(f, "192.168.1.10", 16*1024, true)
	d2 := approvedDevice(f, "192.168.1.11", 16*1024, false)

	session, err := f.sched.Start(ctx, StartInput{
		ModelRef:  "/models/big.gguf",
		DeviceIDs: []string{d1.ID, d2.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{d1.ID}, session.DeviceIDs)

	var sawWarning bool
	timeout := time.After(2 * time.Second)
	for !sawWarning {
		select {
		case envelope := <-evtCh:
			if _, ok := envelope.Event.(*events.Warning); ok {
				sawWarning = true
			}
		case <-timeout:
			t.Fatal("no warning event for dropped device")
		}
	}

	require.NoError(t, f.sched.Stop(ctx))
}

func TestStartFailsWhenAllDevicesUnreachable(t *testing.T) {
	f := newFixture(t, 8*1024)
	ctx := context.Background()

	d1 := approvedDevice(f, "192.168.1.10", 16*1024, false)

	_, err := f.sched.Start(ctx, StartInput{
		ModelRef:  "/models/big.gguf",
		DeviceIDs: []string{d1.ID},
	})
	assert.ErrorIs(t, err, errors.ErrNoUsableDevices)

	// The failed start released the slot.
	_, err = f.sched.Start(ctx, StartInput{ModelRef: "/models/big.gguf"})
	assert.NoError(t, err)
	require.NoError(t, f.sched.Stop(ctx))
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, 8*1024)
	ctx := context.Background()

	assert.NoError(t, f.sched.Stop(ctx))

	session, err := f.sched.Start(ctx, StartInput{ModelRef: "/models/a.gguf"})
	require.NoError(t, err)

	require.NoError(t, f.sched.Stop(ctx))
	require.NoError(t, f.sched.Stop(ctx))

	stored, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStopped, stored.Status)
	assert.NotNil(t, stored.StoppedAt)
}

func TestStopDuringStartKillsLaunchedProcess(t *testing.T) {
	f := newFixture(t, 8*1024)
	ctx := context.Background()

	// Land Stop in the window after the slot claim but before the serving
	// process exists, so the terminal transition fires with no proc to kill.
	base := f.sched.lookup
	f.sched.lookup = func(dir string, names ...string) (string, bool) {
		if names[0] == "llama-server" {
			require.NoError(t, f.sched.Stop(ctx))
		}

		return base(dir, names...)
	}

	_, err := f.sched.Start(ctx, StartInput{ModelRef: "/models/a.gguf"})
	assert.ErrorIs(t, err, errors.ErrSessionStopped)

	// The process launched after the stop must not be left running.
	record := f.launcher.last()
	require.NotNil(t, record.proc)
	assert.False(t, record.proc.Alive())

	stored, err := f.sessions.List(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.SessionStopped, stored[0].Status)

	// The slot is free again for serial use.
	f.sched.lookup = base
	session, err := f.sched.Start(ctx, StartInput{ModelRef: "/models/b.gguf"})
	require.NoError(t, err)
	require.NoError(t, f.sched.Stop(ctx))
	waitForStatus(t, f, session.ID, models.SessionStopped)
}

func TestUnexpectedExitMarksSessionError(t *testing.T) {
	f := newFixture(t, 8*1024)
	ctx := context.Background()

	session, err := f.sched.Start(ctx, StartInput{ModelRef: "/models/a.gguf"})
	require.NoError(t, err)
	waitForStatus(t, f, session.ID, models.SessionRunning)

	f.launcher.last().proc.exit()
	waitForStatus(t, f, session.ID, models.SessionError)

	assert.Nil(t, f.sched.Current())
}

func TestGPULayerOverridePassedThrough(t *testing.T) {
	f := newFixture(t, 8*1024)
	ctx := context.Background()

	layers := 20
	session, err := f.sched.Start(ctx, StartInput{
		ModelRef:    "/models/a.gguf",
		GPULayers:   &layers,
		ContextSize: 8192,
	})
	require.NoError(t, err)
	assert.Equal(t, 20, session.GPULayers)

	record := f.launcher.last()
	assert.Contains(t, record.args, "--gpu-layers")
	assert.Contains(t, record.args, "20")
	assert.Contains(t, record.args, "8192")

	require.NoError(t, f.sched.Stop(ctx))
}

func modelFile(t *testing.T, sizeMB int64) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(path, make([]byte, sizeMB*1024*1024), 0o600))

	return path
}

func TestAnalyzeFitsLocallyPreferred(t *testing.T) {
	f := newFixture(t, 4*1024)
	ctx := context.Background()

	// Cluster capacity would also fit, but local wins.
	device := approvedDevice(f, "192.168.1.10", 32*1024, true)

	report, err := f.sched.Analyze(ctx, modelFile(t, 100), []string{device.ID})
	require.NoError(t, err)

	assert.Equal(t, models.FitsLocally, report.Class)
	assert.Equal(t, -1, report.RecommendedGPULayers)
	assert.EqualValues(t, 100, report.EstimatedSizeMB)
	assert.Empty(t, report.Assignments)
}

func TestAnalyzeDistributedWithZeroMemoryWarning(t *testing.T) {
	f := newFixture(t, 1024)
	ctx := context.Background()

	d1 := approvedDevice(f, "192.168.1.10", 2048, true)
	d2 := approvedDevice(f, "192.168.1.11", 4096, true)
	d3 := approvedDevice(f, "192.168.1.12", 0, true)

	// A model near 5000 MB loaded: local 1024 is not enough, the two
	// devices with memory plus local are.
	report, err := f.sched.Analyze(ctx, modelFile(t, 4000), []string{d1.ID, d2.ID, d3.ID})
	require.NoError(t, err)

	assert.Equal(t, models.FitsDistributed, report.Class)
	assert.Equal(t, -1, report.RecommendedGPULayers)
	assert.EqualValues(t, 6144, report.ClusterFreeMB)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "zero free memory")

	// The zero-memory device gets no layers.
	for _, assignment := range report.Assignments {
		assert.NotEqual(t, d3.ID, assignment.DeviceID)
	}
}

func TestAnalyzeExcludesDeviceWithoutReadyRPC(t *testing.T) {
	f := newFixture(t, 1024)
	ctx := context.Background()

	ready := approvedDevice(f, "192.168.1.10", 4096, true)
	stale := approvedDevice(f, "192.168.1.11", 4096, false)

	report, err := f.sched.Analyze(ctx, modelFile(t, 4000), []string{ready.ID, stale.ID})
	require.NoError(t, err)

	// Only the rpc-ready device counts toward cluster capacity.
	assert.EqualValues(t, 4096, report.ClusterFreeMB)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "no ready rpc-server")

	for _, assignment := range report.Assignments {
		assert.NotEqual(t, stale.ID, assignment.DeviceID)
	}
}

func TestAnalyzeTooLargeHasNoRecommendation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	report, err := f.sched.Analyze(ctx, modelFile(t, 50), nil)
	require.NoError(t, err)

	assert.Equal(t, models.TooLarge, report.Class)
	assert.Equal(t, 0, report.RecommendedGPULayers)
	assert.Empty(t, report.Assignments)
}

func TestAnalyzePartialOffload(t *testing.T) {
	f := newFixture(t, 20)
	ctx := context.Background()

	report, err := f.sched.Analyze(ctx, modelFile(t, 50), nil)
	require.NoError(t, err)

	assert.Equal(t, models.PartialGPUOffload, report.Class)
	assert.Greater(t, report.RecommendedGPULayers, 0)
	assert.Less(t, report.RecommendedGPULayers, report.EstimatedLayers)
}

func TestAnalyzeRequiresModelRef(t *testing.T) {
	f := newFixture(t, 1024)

	_, err := f.sched.Analyze(context.Background(), "", nil)
	assert.ErrorIs(t, err, errors.ErrModelRefRequired)
}

func TestPartitionLayersProportional(t *testing.T) {
	assignments := partitionLayers(32, []string{"local", "a", "b"}, []int64{4096, 8192, 4096})

	require.Len(t, assignments, 3)
	assert.Equal(t, "0-7", assignments[0].Layers)
	assert.Equal(t, "8-23", assignments[1].Layers)
	assert.Equal(t, "24-31", assignments[2].Layers)
}

func TestFindBinaryInInstallDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rpc-server")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	found, ok := findBinary(dir, "definitely-not-on-path-xyz", "rpc-server")
	require.True(t, ok)
	assert.Equal(t, path, found)

	_, ok = findBinary(dir, "missing-binary-abc")
	assert.False(t, ok)
}

func TestWatchdogPublishesTransitions(t *testing.T) {
	bus := eventbus.New(defaults.EventBufferSize, prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evtCh, _ := bus.SubscribeTopic(ctx, defaults.TopicRPCEvents)

	w := NewWatchdog(WatchdogConfig{Interval: time.Hour}, bus)

	healthy := true
	w.check = func(_ context.Context) bool { return healthy }

	w.tick(ctx)
	assertRuntimeStatus(t, evtCh, true)

	// Same state, no new event.
	w.tick(ctx)
	select {
	case envelope := <-evtCh:
		t.Fatalf("unexpected event %T", envelope.Event)
	case <-time.After(50 * time.Millisecond):
	}

	healthy = false
	w.tick(ctx)
	assertRuntimeStatus(t, evtCh, false)
}

func TestWatchdogRestartsWithCommand(t *testing.T) {
	bus := eventbus.New(defaults.EventBufferSize, prometheus.NewRegistry())
	ctx := context.Background()

	w := NewWatchdog(WatchdogConfig{
		Command:  "model-runtime",
		Args:     []string{"serve"},
		Interval: time.Hour,
	}, bus)

	launcher := &fakeLauncher{}
	w.launch = launcher.launch

	// Unhealthy until a restart happens, healthy afterwards.
	var restarted bool
	w.check = func(_ context.Context) bool { return restarted }

	w.launch = func(path string, args ...string) (proc, error) {
		restarted = true

		return launcher.launch(path, args...)
	}

	w.tick(ctx)

	require.Len(t, launcher.launches, 1)
	assert.Equal(t, "model-runtime", launcher.launches[0].path)
	assert.Equal(t, []string{"serve"}, launcher.launches[0].args)
	assert.True(t, w.healthy)
}

func assertRuntimeStatus(t *testing.T, ch <-chan *ports.EventEnvelope, wantRunning bool) {
	t.Helper()

	select {
	case envelope := <-ch:
		status, ok := envelope.Event.(*events.RuntimeStatus)
		require.True(t, ok, "expected RuntimeStatus, got %T", envelope.Event)
		assert.Equal(t, wantRunning, status.Running)
	case <-time.After(time.Second):
		t.Fatal("no runtime status event")
	}
}
