package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stackplane/controlplane/internal/queue"
)

type JobsHandler struct {
	queue queue.Service
}

func NewJobsHandler(q queue.Service) *JobsHandler {
	return &JobsHandler{queue: q}
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid job id")
		return
	}
	job, err := h.queue.GetStatus(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, job)
}

func (h *JobsHandler) ListByTenant(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.ListByTenant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, jobs)
}

// Cancel withdraws a job that has not started. Active jobs run to completion.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid job id")
		return
	}
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "canceled"})
}
