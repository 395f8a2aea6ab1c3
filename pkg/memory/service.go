package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/events"
	"memgrid/pkg/log"
	"memgrid/pkg/models"
	"memgrid/pkg/ports"

	"github.com/prometheus/client_golang/prometheus"
)

// Config controls probing cadence and the per-provider budget.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaults.MemoryProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaults.ProbeTimeout
	}
}

// Service fans a probe out to every provider and aggregates the results.
// One misbehaving provider never takes down the others.
type Service struct {
	cfg       Config
	providers []Provider
	eventSvc  ports.EventService

	totalGauge *prometheus.GaugeVec
	freeGauge  *prometheus.GaugeVec

	mu   sync.RWMutex
	last []models.MemorySnapshot
}

func NewService(cfg Config, providers []Provider, eventSvc ports.EventService,
	reg prometheus.Registerer,
) *Service {
	cfg.applyDefaults()

	svc := &Service{
		cfg:       cfg,
		providers: providers,
		eventSvc:  eventSvc,
		totalGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memgrid_memory_total_mb",
			Help: "Total memory per provider in MB.",
		}, []string{"provider"}),
		freeGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memgrid_memory_free_mb",
			Help: "Free memory per provider in MB.",
		}, []string{"provider"}),
	}

	reg.MustRegister(svc.totalGauge, svc.freeGauge)

	return svc
}

// Probe queries all providers concurrently, each under its own timeout.
// Providers that fail are logged and skipped; the remaining snapshots are
// still returned.
func (s *Service) Probe(ctx context.Context) []models.MemorySnapshot {
	logger := log.GetLogger(ctx).WithField("service", "memory")

	type result struct {
		order     int
		snapshots []models.MemorySnapshot
	}

	results := make(chan result, len(s.providers))

	var wg sync.WaitGroup
	for i, provider := range s.providers {
		wg.Add(1)
		go func(order int, provider Provider) {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
			defer cancel()

			snapshots, err := provider.Probe(probeCtx)
			if err != nil {
				logger.Warnf("provider %s probe failed: %s", provider.ID(), err)

				return
			}

			results <- result{order: order, snapshots: snapshots}
		}(i, provider)
	}
	wg.Wait()
	close(results)

	collected := make([]result, 0, len(s.providers))
	for res := range results {
		collected = append(collected, res)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].order < collected[j].order })

	var snapshots []models.MemorySnapshot
	for _, res := range collected {
		snapshots = append(snapshots, res.snapshots...)
	}

	for _, snap := range snapshots {
		s.totalGauge.WithLabelValues(snap.ProviderID).Set(float64(snap.TotalMB))
		s.freeGauge.WithLabelValues(snap.ProviderID).Set(float64(snap.FreeMB))
	}

	s.mu.Lock()
	s.last = snapshots
	s.mu.Unlock()

	return snapshots
}

// Last returns the snapshots from the most recent probe.
func (s *Service) Last() []models.MemorySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.MemorySnapshot, len(s.last))
	copy(out, s.last)

	return out
}

// LocalFreeMB sums free memory across all providers from a fresh probe.
func (s *Service) LocalFreeMB(ctx context.Context) int64 {
	var free int64
	for _, snap := range s.Probe(ctx) {
		free += snap.FreeMB
	}

	return free
}

// Run probes on every tick and publishes the readings unconditionally, so
// observers see a heartbeat even when nothing changed. Blocks until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) {
	logger := log.GetLogger(ctx).WithField("service", "memory")
	logger.Infof("memory monitor started with %d providers, probing every %s",
		len(s.providers), s.cfg.ProbeInterval)

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		snapshots := s.Probe(ctx)

		err := s.eventSvc.Publish(ctx, defaults.TopicMemoryEvents, &events.MemorySnapshots{
			Snapshots: snapshots,
		})
		if err != nil {
			logger.Errorf("publishing memory snapshots: %s", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("memory monitor stopped")

			return
		case <-ticker.C:
		}
	}
}
