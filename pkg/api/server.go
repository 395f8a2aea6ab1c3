// Package api exposes the control surface consumed by the dashboard and
// CLI. State-changing work happens in the registry and scheduler services;
// handlers only translate HTTP.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"memgrid/pkg/errors"
	"memgrid/pkg/log"
	"memgrid/pkg/models"
	"memgrid/pkg/ports"
	"memgrid/pkg/registry"
	"memgrid/pkg/runtime"
	"memgrid/pkg/scheduler"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DeviceRegistry is the registry surface the API drives.
type DeviceRegistry interface {
	Register(ctx context.Context, input registry.RegisterInput) (*models.Device, error)
	Decide(ctx context.Context, id string, approve bool, roleID string) (*models.Device, error)
	SetAllocation(ctx context.Context, id string, memoryMB int64) (*models.Device, error)
	Suspend(ctx context.Context, id string) (*models.Device, error)
	Remove(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.Device, error)
	List(ctx context.Context) ([]*models.Device, error)
	Approved(ctx context.Context) ([]*models.Device, error)
	Settings() registry.Config
	SetTrustLocalNetwork(trust bool)
	SetDefaultRole(roleID string)
}

// RoleService is the role management surface.
type RoleService interface {
	Create(ctx context.Context, name string, maxMemoryMB int64, canPullModels bool, trustLevel int) (*models.Role, error)
	Update(ctx context.Context, id string, maxMemoryMB int64, canPullModels bool, trustLevel int) (*models.Role, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.Role, error)
	List(ctx context.Context) ([]*models.Role, error)
}

// ModelRuntime is the slice of the runtime client the models surface
// proxies through.
type ModelRuntime interface {
	ListModels(ctx context.Context) ([]runtime.Model, error)
	Pull(ctx context.Context, name string) (io.ReadCloser, error)
	DeleteModel(ctx context.Context, name string) error
}

// SchedulerService is the inference orchestration surface.
type SchedulerService interface {
	Analyze(ctx context.Context, modelRef string, deviceIDs []string) (*models.FitReport, error)
	Start(ctx context.Context, input scheduler.StartInput) (*models.Session, error)
	Stop(ctx context.Context) error
	StartRPCServer(ctx context.Context) error
	StopRPCServer(ctx context.Context)
	Status() scheduler.Status
}

// Server wires the HTTP routes to the services.
type Server struct {
	registry  DeviceRegistry
	roles     RoleService
	memory    ports.MemoryService
	scheduler SchedulerService
	runtime   ModelRuntime
	events    ports.EventService
}

func NewServer(reg DeviceRegistry, roles RoleService, memory ports.MemoryService,
	sched SchedulerService, runtime ModelRuntime, events ports.EventService,
) *Server {
	return &Server{
		registry:  reg,
		roles:     roles,
		memory:    memory,
		scheduler: sched,
		runtime:   runtime,
		events:    events,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/v1/devices", s.ListDevices).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/devices", s.AddDevice).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/devices/{id}", s.GetDevice).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/devices/{id}", s.RemoveDevice).Methods(http.MethodDelete)
	router.HandleFunc("/api/v1/devices/{id}/decide", s.DecideDevice).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/devices/{id}/allocation", s.SetAllocation).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/devices/{id}/suspend", s.SuspendDevice).Methods(http.MethodPost)

	router.HandleFunc("/api/v1/roles", s.ListRoles).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/roles", s.CreateRole).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/roles/{id}", s.UpdateRole).Methods(http.MethodPut)
	router.HandleFunc("/api/v1/roles/{id}", s.DeleteRole).Methods(http.MethodDelete)

	router.HandleFunc("/api/v1/memory", s.GetMemory).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/models", s.ListModels).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/models/pull", s.PullModel).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/models/{name}", s.DeleteModel).Methods(http.MethodDelete)

	router.HandleFunc("/api/v1/cluster/status", s.ClusterStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/cluster/analyze", s.AnalyzeFit).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/cluster/inference/start", s.StartInference).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/cluster/inference/stop", s.StopInference).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/cluster/inference/status", s.InferenceStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/cluster/rpc/start", s.StartRPCServer).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/cluster/rpc/stop", s.StopRPCServer).Methods(http.MethodPost)

	router.HandleFunc("/api/v1/settings", s.GetSettings).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/settings", s.UpdateSettings).Methods(http.MethodPut)

	router.HandleFunc("/api/v1/events", s.StreamEvents).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/health", s.Health).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error's kind to a stable status code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int

	switch errors.KindOf(err) {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConflict, errors.KindQuota:
		status = http.StatusConflict
	case errors.KindForbidden:
		status = http.StatusForbidden
	case errors.KindUnavailable:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
		log.GetLogger(r.Context()).Errorf("handling %s %s: %s", r.Method, r.URL.Path, err)
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})

		return false
	}

	return true
}
