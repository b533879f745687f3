// Package server exposes the controller's presentation-facing
// operations over HTTP. It is a thin adapter: decode the request, call
// the controller, encode the result. The actual presentation surfaces
// (forms, dashboards) live outside the core and consume these routes.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/curbgrid/curbgrid/internal/controller"
	"github.com/curbgrid/curbgrid/internal/registry"
	"github.com/curbgrid/curbgrid/pkg/types"
)

// Server adapts the controller to HTTP.
type Server struct {
	ctrl   *controller.Controller
	router chi.Router
}

// New builds the router. gatherer serves /metrics; pass nil to skip the
// route.
func New(ctrl *controller.Controller, gatherer prometheus.Gatherer) *Server {
	s := &Server{ctrl: ctrl}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/requests/job", s.handleSubmitJob)
		r.Post("/requests/vehicle", s.handleSubmitVehicle)
		r.Get("/requests/pending", s.handlePendingRequests)
		r.Post("/requests/{id}/approve", s.handleApprove)
		r.Post("/requests/{id}/reject", s.handleReject)

		r.Get("/jobs/in-progress", s.handleInProgressJobs)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Post("/jobs/{id}/complete", s.handleComplete)
		r.Post("/jobs/{id}/checkpoint", s.handleTriggerCheckpoint)

		r.Get("/vehicles/registered", s.handleVehicleRegistered)

		r.Get("/status", s.handleStatus)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler { return s.router }

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

type jobRequestBody struct {
	OwnerID       string    `json:"owner_id"`
	DisplayToken  string    `json:"display_token"`
	DurationHours int       `json:"duration_hours"`
	Redundancy    int       `json:"redundancy"`
	Deadline      time.Time `json:"deadline"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body jobRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req, err := s.ctrl.SubmitJobRequest(r.Context(), controller.JobSubmission{
		Owner:         types.UserID(body.OwnerID),
		DisplayToken:  body.DisplayToken,
		DurationHours: body.DurationHours,
		Redundancy:    body.Redundancy,
		Deadline:      body.Deadline,
	})
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

type vehicleRequestBody struct {
	OwnerID     string    `json:"owner_id"`
	Plate       string    `json:"plate"`
	StateCode   string    `json:"state_code"`
	Make        string    `json:"make"`
	Model       string    `json:"model"`
	Year        int       `json:"year"`
	DepartureAt time.Time `json:"departure_at"`
}

func (s *Server) handleSubmitVehicle(w http.ResponseWriter, r *http.Request) {
	var body vehicleRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	req, err := s.ctrl.SubmitVehicleRequest(r.Context(), controller.VehicleRegistration{
		Owner:       types.UserID(body.OwnerID),
		Plate:       body.Plate,
		StateCode:   body.StateCode,
		Make:        body.Make,
		Model:       body.Model,
		Year:        body.Year,
		DepartureAt: body.DepartureAt,
	})
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	pending := s.ctrl.GetPendingRequests()
	if pending == nil {
		pending = []*types.Request{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := types.RequestID(chi.URLParam(r, "id"))
	if err := s.ctrl.Approve(r.Context(), id); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": string(id), "status": "approved"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := types.RequestID(chi.URLParam(r, "id"))
	if err := s.ctrl.Reject(r.Context(), id); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"request_id": string(id), "status": "rejected"})
}

func (s *Server) handleInProgressJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.GetInProgressJobs())
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	status, err := s.ctrl.GetJobStatus(id)
	if err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": string(id), "status": string(status)})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	if err := s.ctrl.Complete(r.Context(), id); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": string(id), "status": "completed"})
}

func (s *Server) handleTriggerCheckpoint(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))
	if err := s.ctrl.TriggerCheckpoint(r.Context(), id); err != nil {
		writeControllerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": string(id), "status": "checkpoint_requested"})
}

func (s *Server) handleVehicleRegistered(w http.ResponseWriter, r *http.Request) {
	plate := r.URL.Query().Get("plate")
	stateCode := r.URL.Query().Get("state_code")
	if plate == "" || stateCode == "" {
		writeError(w, http.StatusBadRequest, "plate and state_code query parameters required")
		return
	}
	sig := types.Signature(plate, stateCode)
	writeJSON(w, http.StatusOK, map[string]any{
		"signature":  string(sig),
		"registered": s.ctrl.IsVehicleRegistered(sig),
	})
}

// ============================================================================
// Response helpers
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeControllerError maps the core error taxonomy onto HTTP statuses.
func writeControllerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, controller.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrInvalidState), errors.Is(err, controller.ErrInvalidState),
		errors.Is(err, controller.ErrDuplicateVehicle), errors.Is(err, registry.ErrDuplicateID),
		errors.Is(err, controller.ErrDuplicateJob):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, controller.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
