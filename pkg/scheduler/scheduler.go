// Package scheduler decides where a model's layers run and supervises the
// llama.cpp serving processes, local and remote.
package scheduler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"memgrid/pkg/defaults"
	"memgrid/pkg/errors"
	"memgrid/pkg/events"
	"memgrid/pkg/log"
	"memgrid/pkg/models"
	"memgrid/pkg/ports"

	"github.com/google/uuid"
)

// Config carries the scheduler's tunables.
type Config struct {
	RPCPort         int
	InferencePort   int
	ContextSize     int
	InstallDir      string
	RPCReadyTimeout time.Duration
	HealthInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.RPCPort == 0 {
		c.RPCPort = defaults.RPCPort
	}
	if c.InferencePort == 0 {
		c.InferencePort = defaults.InferencePort
	}
	if c.ContextSize == 0 {
		c.ContextSize = defaults.DefaultContextSize
	}
	if c.InstallDir == "" {
		c.InstallDir = defaultInstallDir()
	}
	if c.RPCReadyTimeout <= 0 {
		c.RPCReadyTimeout = defaults.RPCReadyTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Second
	}
}

// deviceRegistry is the slice of the registry the scheduler reads.
type deviceRegistry interface {
	Get(ctx context.Context, id string) (*models.Device, error)
}

// proc is a supervised child process.
type proc interface {
	Done() <-chan struct{}
	Kill()
	Alive() bool
}

type launcher func(path string, args ...string) (proc, error)

func defaultLauncher(path string, args ...string) (proc, error) {
	return launch(path, args...)
}

// running tracks the active session. The finish once guarantees exactly
// one terminal transition even when Stop races the supervisor; finished is
// how Start learns, under the lock, that its run was torn down before the
// serving process was installed.
type running struct {
	session  *models.Session
	cancel   context.CancelFunc
	proc     proc
	finished bool
	finish   sync.Once
}

// Scheduler owns session state exclusively. Network calls are never made
// while the state lock is held.
type Scheduler struct {
	cfg      Config
	registry deviceRegistry
	memory   ports.MemoryService
	prober   ports.ReachabilityProber
	sessions ports.SessionRepository
	eventSvc ports.EventService
	clock    func() time.Time

	// Injection points for tests.
	launch launcher
	lookup func(installDir string, names ...string) (string, bool)
	health func(ctx context.Context) bool

	mu      sync.Mutex
	current *running
	rpcProc proc
}

func New(cfg Config, registry deviceRegistry, memory ports.MemoryService,
	prober ports.ReachabilityProber, sessions ports.SessionRepository,
	eventSvc ports.EventService,
) *Scheduler {
	cfg.applyDefaults()

	s := &Scheduler{
		cfg:      cfg,
		registry: registry,
		memory:   memory,
		prober:   prober,
		sessions: sessions,
		eventSvc: eventSvc,
		clock:    func() time.Time { return time.Now().UTC() },
		launch:   defaultLauncher,
		lookup:   findBinary,
	}
	s.health = s.httpHealthCheck

	return s
}

func (s *Scheduler) httpHealthCheck(ctx context.Context) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", s.cfg.InferencePort)

	reqCtx, cancel := context.WithTimeout(ctx, defaults.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// StartInput are the session parameters. GPULayers nil means use the fit
// recommendation of running everything on GPU.
type StartInput struct {
	ModelRef    string
	DeviceIDs   []string
	GPULayers   *int
	ContextSize int
}

// Start launches an inference session. At most one session runs at a time;
// the slot is claimed under the lock before any network work happens.
func (s *Scheduler) Start(ctx context.Context, input StartInput) (*models.Session, error) {
	logger := log.GetLogger(ctx).WithField("service", "scheduler")

	if input.ModelRef == "" {
		return nil, errors.WithKind(errors.KindValidation, errors.ErrModelRefRequired)
	}
	if input.ContextSize <= 0 {
		input.ContextSize = s.cfg.ContextSize
	}

	gpuLayers := -1
	if input.GPULayers != nil {
		gpuLayers = *input.GPULayers
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	session := &models.Session{
		ID:          uuid.NewString(),
		ModelRef:    input.ModelRef,
		Status:      models.SessionStarting,
		GPULayers:   gpuLayers,
		ContextSize: input.ContextSize,
		StartedAt:   s.clock(),
	}

	// Claim the single session slot. This is the compare-and-swap that
	// enforces at most one running session.
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		cancel()

		return nil, errors.WithKind(errors.KindConflict, errors.ErrSessionRunning)
	}
	run := &running{session: session, cancel: cancel}
	s.current = run
	s.mu.Unlock()

	fail := func(err error) (*models.Session, error) {
		cancel()
		s.mu.Lock()
		// A concurrent Stop may have released the slot already, and a
		// newer session may hold it by now.
		if s.current == run {
			s.current = nil
		}
		s.mu.Unlock()

		return nil, err
	}

	// Readiness checks run without the lock and are abandoned, not
	// awaited, when the session is stopped mid-start.
	endpoints, usable, err := s.assembleEndpoints(sessionCtx, input.DeviceIDs)
	if err != nil {
		return fail(err)
	}
	if len(input.DeviceIDs) > 0 && len(usable) == 0 {
		return fail(errors.WithKind(errors.KindConflict, errors.ErrNoUsableDevices))
	}

	if len(endpoints) > 0 {
		if err := s.StartRPCServer(ctx); err != nil {
			return fail(fmt.Errorf("starting local rpc-server: %w", err))
		}
	}

	binary, found := s.lookup(s.cfg.InstallDir, inferenceServerNames...)
	if !found {
		return fail(errors.WithKind(errors.KindValidation, errors.ErrServerBinaryMissing))
	}

	args := []string{
		"-m", input.ModelRef,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(s.cfg.InferencePort),
		"--ctx-size", strconv.Itoa(input.ContextSize),
		"--gpu-layers", strconv.Itoa(gpuLayers),
	}
	if len(endpoints) > 0 {
		args = append(args, "--rpc", strings.Join(endpoints, ","))
	}

	logger.Infof("starting llama-server: model=%s rpc=[%s] port=%d",
		input.ModelRef, strings.Join(endpoints, ","), s.cfg.InferencePort)

	child, err := s.launch(binary, args...)
	if err != nil {
		s.finish(ctx, run, models.SessionError, fmt.Sprintf("launching llama-server: %s", err))

		return nil, fmt.Errorf("launching llama-server: %w", err)
	}

	session.DeviceIDs = usable
	session.Assignments = s.layerAssignments(ctx, input.ModelRef, usable)

	// Stop may have consumed the terminal transition while the launch was
	// in flight, with no proc installed for it to kill. The process must
	// not outlive its session.
	s.mu.Lock()
	if run.finished {
		s.mu.Unlock()
		child.Kill()

		return nil, errors.WithKind(errors.KindConflict, errors.ErrSessionStopped)
	}
	run.proc = child
	s.mu.Unlock()

	if err := s.sessions.Save(ctx, session); err != nil {
		logger.Errorf("persisting session %s: %s", session.ID, err)
	}

	s.publishSession(ctx, &events.SessionStarted{
		SessionID: session.ID,
		ModelRef:  session.ModelRef,
		DeviceIDs: usable,
	})
	if len(session.Assignments) > 0 {
		s.publishSession(ctx, &events.LayerAssignment{
			SessionID:   session.ID,
			Assignments: session.Assignments,
		})
	}

	go s.supervise(sessionCtx, run)

	return session, nil
}

// assembleEndpoints waits for each selected device's rpc-server to accept
// connections, dropping peers that never become ready within the bounded
// timeout. Dropped peers produce warnings, not failures.
func (s *Scheduler) assembleEndpoints(ctx context.Context, deviceIDs []string) ([]string, []string, error) {
	logger := log.GetLogger(ctx).WithField("service", "scheduler")

	type outcome struct {
		order    int
		id       string
		endpoint string
		ready    bool
		name     string
	}

	results := make(chan outcome, len(deviceIDs))

	var wg sync.WaitGroup
	for i, id := range deviceIDs {
		device, err := s.registry.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		if device.Status != models.DeviceApproved {
			return nil, nil, errors.WithKind(errors.KindConflict,
				fmt.Errorf("device %s is %s: %w", device.Name, device.Status, errors.ErrNotApproved))
		}

		wg.Add(1)
		go func(order int, device *models.Device) {
			defer wg.Done()

			readyCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCReadyTimeout)
			defer cancel()

			results <- outcome{
				order:    order,
				id:       device.ID,
				endpoint: net.JoinHostPort(device.Address, strconv.Itoa(device.RPCPort)),
				ready:    s.waitRPCReady(readyCtx, device),
				name:     device.Name,
			}
		}(i, device)
	}
	wg.Wait()
	close(results)

	ordered := make([]outcome, len(deviceIDs))
	for res := range results {
		ordered[res.order] = res
	}

	var endpoints, usable []string
	for _, res := range ordered {
		if !res.ready {
			logger.Warnf("device %s did not reach rpc-ready in time, dropping from session", res.name)
			s.publishSession(ctx, &events.Warning{
				Scope:   "scheduler",
				Message: fmt.Sprintf("device %s was unreachable and dropped from the session", res.name),
			})

			continue
		}

		endpoints = append(endpoints, res.endpoint)
		usable = append(usable, res.id)
	}

	return endpoints, usable, nil
}

func (s *Scheduler) waitRPCReady(ctx context.Context, device *models.Device) bool {
	for {
		if s.prober.ProbeRPC(ctx, device.Address, device.RPCPort) {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

// supervise drives the session from starting to its terminal state.
func (s *Scheduler) supervise(ctx context.Context, run *running) {
	logger := log.GetLogger(ctx).WithField("service", "scheduler")

	err := waitReady(ctx, run.proc, s.health, realTicker(s.cfg.HealthInterval))
	if err != nil {
		if ctx.Err() != nil {
			s.finish(ctx, run, models.SessionStopped, "")
		} else {
			s.finish(ctx, run, models.SessionError, "serving process exited before becoming ready")
		}

		return
	}

	s.mu.Lock()
	run.session.Status = models.SessionRunning
	s.mu.Unlock()

	if err := s.sessions.Save(ctx, run.session); err != nil {
		logger.Errorf("persisting session %s: %s", run.session.ID, err)
	}
	s.publishSession(ctx, &events.SessionRunning{SessionID: run.session.ID})
	logger.Infof("session %s is running", run.session.ID)

	select {
	case <-ctx.Done():
		s.finish(ctx, run, models.SessionStopped, "")
	case <-run.proc.Done():
		s.finish(ctx, run, models.SessionError, "serving process exited unexpectedly")
	}
}

// finish applies the terminal transition exactly once.
func (s *Scheduler) finish(ctx context.Context, run *running, status models.SessionStatus, reason string) {
	run.finish.Do(func() {
		logger := log.GetLogger(ctx).WithField("service", "scheduler")

		run.cancel()

		now := s.clock()

		s.mu.Lock()
		run.finished = true
		child := run.proc
		run.session.Status = status
		run.session.StoppedAt = &now
		if s.current == run {
			s.current = nil
		}
		s.mu.Unlock()

		if child != nil {
			child.Kill()
		}

		if err := s.sessions.Save(context.WithoutCancel(ctx), run.session); err != nil {
			logger.Errorf("persisting session %s: %s", run.session.ID, err)
		}

		switch status {
		case models.SessionError:
			logger.Errorf("session %s failed: %s", run.session.ID, reason)
			s.publishSession(ctx, &events.SessionError{SessionID: run.session.ID, Reason: reason})
		default:
			logger.Infof("session %s stopped", run.session.ID)
			s.publishSession(ctx, &events.SessionStopped{SessionID: run.session.ID})
		}
	})
}

// Stop terminates the active session. Idempotent, safe mid-start, and
// leaves per-device rpc-servers running for reuse.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	run := s.current
	s.mu.Unlock()

	if run == nil {
		return nil
	}

	s.finish(ctx, run, models.SessionStopped, "")

	return nil
}

// Current returns the active session, or nil.
func (s *Scheduler) Current() *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil
	}

	clone := *s.current.session

	return &clone
}

// StartRPCServer launches the local rpc-server so this host's memory can
// serve other machines. No-op when already running.
func (s *Scheduler) StartRPCServer(ctx context.Context) error {
	logger := log.GetLogger(ctx).WithField("service", "scheduler")

	s.mu.Lock()
	if s.rpcProc != nil && s.rpcProc.Alive() {
		s.mu.Unlock()

		return nil
	}
	s.mu.Unlock()

	binary, found := s.lookup(s.cfg.InstallDir, rpcServerNames...)
	if !found {
		return errors.WithKind(errors.KindValidation, errors.ErrRPCBinaryMissing)
	}

	child, err := s.launch(binary, "--host", "0.0.0.0", "--port", strconv.Itoa(s.cfg.RPCPort))
	if err != nil {
		return fmt.Errorf("launching rpc-server: %w", err)
	}

	s.mu.Lock()
	s.rpcProc = child
	s.mu.Unlock()

	logger.Infof("rpc-server listening on port %d", s.cfg.RPCPort)
	s.publishRPC(ctx, &events.RPCServerReady{Port: s.cfg.RPCPort})

	go func() {
		<-child.Done()

		s.mu.Lock()
		if s.rpcProc == child {
			s.rpcProc = nil
		}
		s.mu.Unlock()

		s.publishRPC(ctx, &events.RPCServerOffline{})
	}()

	return nil
}

// StopRPCServer kills the local rpc-server if it is running.
func (s *Scheduler) StopRPCServer(_ context.Context) {
	s.mu.Lock()
	child := s.rpcProc
	s.mu.Unlock()

	if child != nil {
		child.Kill()
	}
}

// Status summarizes the process and binary state for the control surface.
type Status struct {
	RPCServerRunning bool            `json:"rpc_server_running"`
	InferenceRunning bool            `json:"inference_running"`
	RPCServerBin     bool            `json:"rpc_server_bin"`
	InferenceBin     bool            `json:"inference_server_bin"`
	RPCPort          int             `json:"rpc_port"`
	InferencePort    int             `json:"inference_port"`
	CurrentSession   *models.Session `json:"current_session,omitempty"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, rpcBin := s.lookup(s.cfg.InstallDir, rpcServerNames...)
	_, infBin := s.lookup(s.cfg.InstallDir, inferenceServerNames...)

	status := Status{
		RPCServerRunning: s.rpcProc != nil && s.rpcProc.Alive(),
		RPCServerBin:     rpcBin,
		InferenceBin:     infBin,
		RPCPort:          s.cfg.RPCPort,
		InferencePort:    s.cfg.InferencePort,
	}

	if s.current != nil {
		clone := *s.current.session
		status.CurrentSession = &clone
		status.InferenceRunning = s.current.proc != nil && s.current.proc.Alive()
	}

	return status
}

func (s *Scheduler) publishSession(ctx context.Context, event interface{}) {
	if err := s.eventSvc.Publish(ctx, defaults.TopicSessionEvents, event); err != nil {
		log.GetLogger(ctx).Errorf("publishing session event: %s", err)
	}
}

func (s *Scheduler) publishRPC(ctx context.Context, event interface{}) {
	if err := s.eventSvc.Publish(ctx, defaults.TopicRPCEvents, event); err != nil {
		log.GetLogger(ctx).Errorf("publishing rpc event: %s", err)
	}
}
