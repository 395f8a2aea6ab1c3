package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/eventbus"
	"memgrid/pkg/events"
	"memgrid/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	id        string
	snapshots []models.MemorySnapshot
	err       error
	block     bool
}

func (p *stubProvider) ID() string { return p.id }

func (p *stubProvider) Kind() models.ProviderKind { return models.ProviderSystemRAM }

func (p *stubProvider) Probe(ctx context.Context) ([]models.MemorySnapshot, error) {
	if p.block {
		<-ctx.Done()

		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}

	return p.snapshots, nil
}

func snapshot(id string, totalMB, freeMB int64) models.MemorySnapshot {
	return models.MemorySnapshot{
		ProviderID: id,
		Name:       id,
		Kind:       models.ProviderSystemRAM,
		TotalMB:    totalMB,
		UsedMB:     totalMB - freeMB,
		FreeMB:     freeMB,
	}
}

func newTestService(t *testing.T, cfg Config, providers ...Provider) (*Service, *eventbus.Bus) {
	t.Helper()

	bus := eventbus.New(defaults.EventBufferSize, prometheus.NewRegistry())

	return NewService(cfg, providers, bus, prometheus.NewRegistry()), bus
}

func TestProbeAggregatesAllProviders(t *testing.T) {
	svc, _ := newTestService(t, Config{},
		&stubProvider{id: "gpu", snapshots: []models.MemorySnapshot{snapshot("gpu-0", 24576, 20000)}},
		&stubProvider{id: "ram", snapshots: []models.MemorySnapshot{snapshot("sysram", 65536, 40000)}},
	)

	snapshots := svc.Probe(context.Background())

	require.Len(t, snapshots, 2)
	assert.Equal(t, "gpu-0", snapshots[0].ProviderID)
	assert.Equal(t, "sysram", snapshots[1].ProviderID)
	assert.EqualValues(t, 60000, svc.LocalFreeMB(context.Background()))
}

func TestProbeIsolatesFailingProvider(t *testing.T) {
	svc, _ := newTestService(t, Config{},
		&stubProvider{id: "broken", err: fmt.Errorf("tool exploded")},
		&stubProvider{id: "ram", snapshots: []models.MemorySnapshot{snapshot("sysram", 8192, 4096)}},
	)

	snapshots := svc.Probe(context.Background())

	require.Len(t, snapshots, 1)
	assert.Equal(t, "sysram", snapshots[0].ProviderID)
}

func TestProbeBoundsHungProvider(t *testing.T) {
	svc, _ := newTestService(t, Config{ProbeTimeout: 50 * time.Millisecond},
		&stubProvider{id: "hung", block: true},
		&stubProvider{id: "ram", snapshots: []models.MemorySnapshot{snapshot("sysram", 8192, 4096)}},
	)

	start := time.Now()
	snapshots := svc.Probe(context.Background())

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, snapshots, 1)
	assert.Equal(t, "sysram", snapshots[0].ProviderID)
}

func TestRunPublishesEveryTick(t *testing.T) {
	svc, bus := newTestService(t, Config{ProbeInterval: 20 * time.Millisecond},
		&stubProvider{id: "ram", snapshots: []models.MemorySnapshot{snapshot("sysram", 8192, 4096)}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	evtCh, _ := bus.SubscribeTopic(ctx, defaults.TopicMemoryEvents)

	go svc.Run(ctx)

	// Identical readings still arrive on every tick.
	for i := 0; i < 3; i++ {
		select {
		case envelope := <-evtCh:
			snaps, ok := envelope.Event.(*events.MemorySnapshots)
			require.True(t, ok)
			require.Len(t, snaps.Snapshots, 1)
			assert.EqualValues(t, 4096, snaps.Snapshots[0].FreeMB)
		case <-time.After(time.Second):
			t.Fatalf("no snapshot event after tick %d", i)
		}
	}
}

func TestDetectSuppressesSystemRAMOnAppleSilicon(t *testing.T) {
	providers := detect(hostInfo{os: "darwin", arch: "arm64"})

	require.Len(t, providers, 1)
	assert.Equal(t, models.ProviderAppleSilicon, providers[0].Kind())
}

func TestDetectAlwaysIncludesSystemRAMElsewhere(t *testing.T) {
	providers := detect(hostInfo{os: "linux", arch: "amd64", hasNvidiaSMI: true, hasRocmSMI: true})

	require.Len(t, providers, 3)
	assert.Equal(t, models.ProviderNvidia, providers[0].Kind())
	assert.Equal(t, models.ProviderAMD, providers[1].Kind())
	assert.Equal(t, models.ProviderSystemRAM, providers[2].Kind())
}

func TestParseNvidiaSMI(t *testing.T) {
	out := "0, NVIDIA GeForce RTX 4090, 24564, 1024\n" +
		"1, NVIDIA GeForce RTX 4090, 24564, 20480\n"

	snapshots, err := parseNvidiaSMI(out)
	require.NoError(t, err)
	require.Len(t, snapshots, 2)

	assert.Equal(t, "nvidia-0", snapshots[0].ProviderID)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", snapshots[0].Name)
	assert.EqualValues(t, 24564, snapshots[0].TotalMB)
	assert.EqualValues(t, 23540, snapshots[0].FreeMB)
	assert.EqualValues(t, 4084, snapshots[1].FreeMB)
}

func TestParseNvidiaSMIRejectsGarbage(t *testing.T) {
	_, err := parseNvidiaSMI("")
	assert.Error(t, err)

	_, err = parseNvidiaSMI("0, RTX, not-a-number, 1\n")
	assert.Error(t, err)
}

func TestParseRocmSMI(t *testing.T) {
	out := "device,VRAM Total Memory (B),VRAM Total Used Memory (B)\n" +
		"card0,17163091968,536870912\n"

	snapshots, err := parseRocmSMI(out)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)

	assert.Equal(t, "amd-card0", snapshots[0].ProviderID)
	assert.EqualValues(t, 16368, snapshots[0].TotalMB)
	assert.EqualValues(t, 512, snapshots[0].UsedMB)
}
