package api

import (
	"net/http"

	"memgrid/pkg/models"
	"memgrid/pkg/scheduler"
)

type memoryResponse struct {
	Providers   []models.MemorySnapshot `json:"providers"`
	AllocatedMB int64                   `json:"allocated_mb"`
}

// GetMemory returns a fresh probe of every local provider alongside the
// total quota granted to devices.
func (s *Server) GetMemory(w http.ResponseWriter, r *http.Request) {
	resp := memoryResponse{Providers: s.memory.Probe(r.Context())}

	devices, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	for _, device := range devices {
		resp.AllocatedMB += device.AllocatedMB
	}

	writeJSON(w, http.StatusOK, resp)
}

type clusterStatusResponse struct {
	Devices []*models.Device `json:"devices"`
	Host    scheduler.Status `json:"host"`
}

// ClusterStatus returns the approved devices with their latest probe
// results alongside the local process state.
func (s *Server) ClusterStatus(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.Approved(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, clusterStatusResponse{
		Devices: devices,
		Host:    s.scheduler.Status(),
	})
}

func (s *Server) InferenceStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

type analyzeRequest struct {
	ModelRef  string   `json:"model_ref"`
	DeviceIDs []string `json:"device_ids,omitempty"`
}

func (s *Server) AnalyzeFit(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	report, err := s.scheduler.Analyze(r.Context(), req.ModelRef, req.DeviceIDs)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

type startInferenceRequest struct {
	ModelRef    string   `json:"model_ref"`
	DeviceIDs   []string `json:"device_ids,omitempty"`
	GPULayers   *int     `json:"gpu_layers,omitempty"`
	ContextSize int      `json:"context_size,omitempty"`
}

func (s *Server) StartInference(w http.ResponseWriter, r *http.Request) {
	var req startInferenceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	session, err := s.scheduler.Start(r.Context(), scheduler.StartInput{
		ModelRef:    req.ModelRef,
		DeviceIDs:   req.DeviceIDs,
		GPULayers:   req.GPULayers,
		ContextSize: req.ContextSize,
	})
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) StopInference(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Stop(r.Context()); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) StartRPCServer(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.StartRPCServer(r.Context()); err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, s.scheduler.Status())
}

func (s *Server) StopRPCServer(w http.ResponseWriter, r *http.Request) {
	s.scheduler.StopRPCServer(r.Context())

	writeJSON(w, http.StatusOK, s.scheduler.Status())
}
