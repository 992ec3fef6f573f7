package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flowlytics/platform/pkg/common/logger"
	"github.com/flowlytics/platform/pkg/common/models"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/jobs", h.handleTrigger).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{id}", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
}

func (h *Handler) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req models.TriggerJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.TenantID == 0 || req.IntegrationID == 0 {
		http.Error(w, "tenant_id and integration_id are required", http.StatusBadRequest)
		return
	}

	job, err := h.service.Trigger(r.Context(), req)
	if err != nil {
		logger.Log.WithError(err).Error("failed to trigger sync job")
		http.Error(w, "failed to trigger job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, models.TriggerJobResponse{JobID: job.ID})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	job, err := h.service.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to load job status")
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}

	if err := h.service.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to cancel job")
		http.Error(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": models.JobCancelled})
}

func parseJobID(r *http.Request) (uint, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 32)
	return uint(id), err
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.WithError(err).Error("failed to encode response")
	}
}
