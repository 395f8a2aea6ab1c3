package api

import (
	"io"
	"net/http"

	"memgrid/pkg/errors"
	"memgrid/pkg/log"

	"github.com/gorilla/mux"
)

// ListModels returns the runtime's local model library.
func (s *Server) ListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.runtime.ListModels(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"models": list})
}

type pullModelRequest struct {
	Name   string `json:"name"`
	RoleID string `json:"role_id"`
}

// PullModel downloads a model through the runtime, streaming its progress
// lines back to the caller. Pulling is gated on the role's permission.
func (s *Server) PullModel(w http.ResponseWriter, r *http.Request) {
	var req pullModelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Name == "" {
		writeError(w, r, errors.WithKind(errors.KindValidation, errors.ErrModelNameRequired))

		return
	}

	role, err := s.roles.Get(r.Context(), req.RoleID)
	if err != nil {
		writeError(w, r, err)

		return
	}
	if !role.CanPullModels {
		writeError(w, r, errors.WithKind(errors.KindForbidden, errors.ErrPullNotPermitted))

		return
	}

	stream, err := s.runtime.Pull(r.Context(), req.Name)
	if err != nil {
		writeError(w, r, err)

		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	// Relay progress lines as they arrive, the pull can run for minutes.
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.GetLogger(r.Context()).Errorf("relaying pull stream: %s", err)
			}

			return
		}
	}
}

// DeleteModel removes a model from the runtime's library.
func (s *Server) DeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.DeleteModel(r.Context(), mux.Vars(r)["name"]); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
