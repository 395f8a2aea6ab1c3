package api

import (
	"net/http"

	"memgrid/pkg/models"
	"memgrid/pkg/registry"

	"github.com/gorilla/mux"
)

type addDeviceRequest struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	HardwareID string `json:"hardware_id,omitempty"`
	RPCPort    int    `json:"rpc_port,omitempty"`
}

// AddDevice registers a manually entered device. Manual entries always
// land in pending, whatever the trust setting says.
func (s *Server) AddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	device, err := s.registry.Register(r.Context(), registry.RegisterInput{
		Name:       req.Name,
		Address:    req.Address,
		HardwareID: req.HardwareID,
		RPCPort:    req.RPCPort,
		Method:     models.DiscoveryManual,
	})
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, device)
}

func (s *Server) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) GetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, device)
}

func (s *Server) RemoveDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type decideRequest struct {
	Approve bool   `json:"approve"`
	RoleID  string `json:"role_id,omitempty"`
}

func (s *Server) DecideDevice(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if !decodeBody(w, r, &req) {
		return
	}

	device, err := s.registry.Decide(r.Context(), mux.Vars(r)["id"], req.Approve, req.RoleID)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, device)
}

func (s *Server) SuspendDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.registry.Suspend(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, device)
}

type allocationRequest struct {
	MemoryMB int64 `json:"memory_mb"`
}

func (s *Server) SetAllocation(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	device, err := s.registry.SetAllocation(r.Context(), mux.Vars(r)["id"], req.MemoryMB)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, device)
}

type roleRequest struct {
	Name          string `json:"name"`
	MaxMemoryMB   int64  `json:"max_memory_mb"`
	CanPullModels bool   `json:"can_pull_models"`
	TrustLevel    int    `json:"trust_level"`
}

func (s *Server) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.roles.List(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	role, err := s.roles.Create(r.Context(), req.Name, req.MaxMemoryMB, req.CanPullModels, req.TrustLevel)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	role, err := s.roles.Update(r.Context(), mux.Vars(r)["id"], req.MaxMemoryMB, req.CanPullModels, req.TrustLevel)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, role)
}

func (s *Server) DeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := s.roles.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type settingsResponse struct {
	TrustLocalNetwork bool   `json:"trust_local_network"`
	DefaultRoleID     string `json:"default_role_id"`
}

func (s *Server) GetSettings(w http.ResponseWriter, _ *http.Request) {
	cfg := s.registry.Settings()

	writeJSON(w, http.StatusOK, settingsResponse{
		TrustLocalNetwork: cfg.TrustLocalNetwork,
		DefaultRoleID:     cfg.DefaultRoleID,
	})
}

type settingsRequest struct {
	TrustLocalNetwork *bool   `json:"trust_local_network,omitempty"`
	DefaultRoleID     *string `json:"default_role_id,omitempty"`
}

func (s *Server) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.TrustLocalNetwork != nil {
		s.registry.SetTrustLocalNetwork(*req.TrustLocalNetwork)
	}
	if req.DefaultRoleID != nil {
		s.registry.SetDefaultRole(*req.DefaultRoleID)
	}

	s.GetSettings(w, r)
}
