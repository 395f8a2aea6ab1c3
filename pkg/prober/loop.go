package prober

import (
	"context"
	"sync"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/log"
	"memgrid/pkg/models"
	"memgrid/pkg/ports"
)

// offlineThreshold is how many consecutive failed probes flip a device
// offline. A single missed handshake on a busy LAN is noise.
const offlineThreshold = 2

// registry is the slice of the device registry the loop needs.
type registry interface {
	List(ctx context.Context) ([]*models.Device, error)
	MarkOffline(ctx context.Context, id string) error
	MarkOnline(ctx context.Context, id string) error
	UpdateReported(ctx context.Context, id string, status models.RPCStatus,
		totalMB, freeMB int64, reportedAt time.Time) error
}

// Loop periodically probes every approved or offline device.
type Loop struct {
	interval time.Duration
	prober   ports.ReachabilityProber
	registry registry
	clock    func() time.Time

	mu     sync.Mutex
	misses map[string]int
}

func NewLoop(interval time.Duration, prober ports.ReachabilityProber, reg registry) *Loop {
	if interval <= 0 {
		interval = defaults.ReachabilityInterval
	}

	return &Loop{
		interval: interval,
		prober:   prober,
		registry: reg,
		clock:    func() time.Time { return time.Now().UTC() },
		misses:   make(map[string]int),
	}
}

// Run blocks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	logger := log.GetLogger(ctx).WithField("service", "prober")
	logger.Infof("reachability prober started, interval %s", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.Sweep(ctx)

		select {
		case <-ctx.Done():
			logger.Info("reachability prober stopped")

			return
		case <-ticker.C:
		}
	}
}

// Sweep probes every device once. Exported so tests can drive the loop
// without timers.
func (l *Loop) Sweep(ctx context.Context) {
	logger := log.GetLogger(ctx).WithField("service", "prober")

	devices, err := l.registry.List(ctx)
	if err != nil {
		logger.Errorf("listing devices for probe sweep: %s", err)

		return
	}

	var wg sync.WaitGroup
	for _, device := range devices {
		if device.Status != models.DeviceApproved && device.Status != models.DeviceOffline {
			continue
		}

		wg.Add(1)
		go func(device *models.Device) {
			defer wg.Done()
			l.probeOne(ctx, device)
		}(device)
	}
	wg.Wait()
}

func (l *Loop) probeOne(ctx context.Context, device *models.Device) {
	logger := log.GetLogger(ctx).WithField("service", "prober")

	reachable := l.prober.ProbeRPC(ctx, device.Address, device.RPCPort)

	if reachable {
		l.resetMisses(device.ID)

		if device.Status == models.DeviceOffline {
			if err := l.registry.MarkOnline(ctx, device.ID); err != nil {
				logger.Errorf("marking device %s online: %s", device.ID, err)

				return
			}
			logger.Infof("device %s is reachable again", device.Address)
		}

		err := l.registry.UpdateReported(ctx, device.ID, models.RPCReady,
			device.MemoryTotalMB, device.MemoryFreeMB, l.clock())
		if err != nil {
			logger.Errorf("recording probe result for %s: %s", device.ID, err)
		}

		return
	}

	if device.Status != models.DeviceApproved {
		return
	}

	if l.recordMiss(device.ID) < offlineThreshold {
		return
	}

	l.resetMisses(device.ID)
	if err := l.registry.MarkOffline(ctx, device.ID); err != nil {
		logger.Errorf("marking device %s offline: %s", device.ID, err)
	}
}

func (l *Loop) recordMiss(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.misses[id]++

	return l.misses[id]
}

func (l *Loop) resetMisses(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.misses, id)
}
