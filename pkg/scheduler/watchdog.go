package scheduler

import (
	"context"
	"net/http"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/events"
	"memgrid/pkg/log"
	"memgrid/pkg/ports"

	"github.com/avast/retry-go/v4"
)

// WatchdogConfig configures supervision of the model-runtime helper
// service. The watchdog is independent of the inference-session lifecycle.
type WatchdogConfig struct {
	// Host is the runtime's base URL.
	Host string
	// Command starts the runtime when it is not already running. Empty
	// means the runtime is managed externally and only observed.
	Command string
	Args    []string
	// Interval between health checks.
	Interval time.Duration
}

func (c *WatchdogConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = defaults.RuntimeHost
	}
	if c.Interval <= 0 {
		c.Interval = defaults.WatchdogInterval
	}
}

// Watchdog keeps the model runtime alive and republishes its reachability
// on every transition.
type Watchdog struct {
	cfg      WatchdogConfig
	eventSvc ports.EventService
	client   *http.Client

	launch launcher
	check  func(ctx context.Context) bool

	child   proc
	healthy bool
	started bool
}

func NewWatchdog(cfg WatchdogConfig, eventSvc ports.EventService) *Watchdog {
	cfg.applyDefaults()

	w := &Watchdog{
		cfg:      cfg,
		eventSvc: eventSvc,
		client:   &http.Client{Timeout: defaults.ProbeTimeout},
		launch:   defaultLauncher,
	}
	w.check = w.httpCheck

	return w
}

func (w *Watchdog) httpCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.Host+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// Run blocks until ctx is cancelled, restarting the runtime with backoff
// whenever it goes down.
func (w *Watchdog) Run(ctx context.Context) {
	logger := log.GetLogger(ctx).WithField("service", "watchdog")
	logger.Infof("runtime watchdog started for %s, checking every %s", w.cfg.Host, w.cfg.Interval)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.tick(ctx)

		select {
		case <-ctx.Done():
			logger.Info("runtime watchdog stopped")
			w.stopChild()

			return
		case <-ticker.C:
		}
	}
}

// tick performs one health pass. Exported through tests only via Run.
func (w *Watchdog) tick(ctx context.Context) {
	logger := log.GetLogger(ctx).WithField("service", "watchdog")

	healthy := w.check(ctx)

	if !healthy && w.cfg.Command != "" {
		if w.started && w.healthy {
			logger.Warnf("runtime at %s went down, attempting restart", w.cfg.Host)
		}

		err := retry.Do(
			func() error {
				if restartErr := w.restart(ctx); restartErr != nil {
					return restartErr
				}
				if !w.check(ctx) {
					return errProcessExited
				}

				return nil
			},
			retry.Context(ctx),
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			logger.Errorf("restarting runtime: %s", err)
		} else {
			healthy = true
		}
	}

	if healthy != w.healthy || !w.started {
		w.publish(ctx, healthy)
	}

	w.healthy = healthy
	w.started = true
}

func (w *Watchdog) restart(ctx context.Context) error {
	w.stopChild()

	child, err := w.launch(w.cfg.Command, w.cfg.Args...)
	if err != nil {
		return err
	}
	w.child = child

	// Give the runtime a moment to bind before the next health check.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}

	return nil
}

func (w *Watchdog) stopChild() {
	if w.child != nil && w.child.Alive() {
		w.child.Kill()
	}
	w.child = nil
}

func (w *Watchdog) publish(ctx context.Context, running bool) {
	event := &events.RuntimeStatus{Running: running, Host: w.cfg.Host}
	if err := w.eventSvc.Publish(ctx, defaults.TopicRPCEvents, event); err != nil {
		log.GetLogger(ctx).Errorf("publishing runtime status: %s", err)
	}
}
