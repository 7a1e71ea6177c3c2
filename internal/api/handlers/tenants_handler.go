package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stackplane/controlplane/internal/api/types"
	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/queue"
	"github.com/stackplane/controlplane/internal/repository"
	"github.com/stackplane/controlplane/internal/services"
)

type TenantsHandler struct {
	tenantRepo repository.TenantRepository
	lifecycle  services.LifecycleService
	queue      queue.Service
	validate   *validator.Validate
}

func NewTenantsHandler(tenantRepo repository.TenantRepository, lifecycle services.LifecycleService, q queue.Service, v *validator.Validate) *TenantsHandler {
	return &TenantsHandler{tenantRepo: tenantRepo, lifecycle: lifecycle, queue: q, validate: v}
}

func (h *TenantsHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		items []models.Tenant
		err   error
	)
	if state := r.URL.Query().Get("state"); state != "" {
		items, err = h.tenantRepo.ListByState(r.Context(), models.LifecycleState(state))
	} else {
		items, err = h.tenantRepo.List(r.Context())
	}
	if err != nil {
		respondError(w, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if page <= 0 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	start := (page - 1) * size
	end := start + size
	if start > len(items) {
		start = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	respondJSON(w, http.StatusOK, types.APIResponse{
		Success: true,
		Data:    items[start:end],
		Meta:    &types.Meta{Page: page, PageSize: size, Total: int64(len(items))},
	})
}

func (h *TenantsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var t models.Tenant
	if err := h.tenantRepo.GetByID(r.Context(), id, &t); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, t)
}

func (h *TenantsHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req types.DeactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondInvalid(w, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondInvalid(w, err.Error())
		return
	}

	t, err := h.lifecycle.Deactivate(r.Context(), id, services.DeactivateOptions{
		DeleteData:    req.DeleteData,
		RetentionDays: req.RetentionDays,
		Reason:        req.Reason,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, t)
}

func (h *TenantsHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	t, err := h.lifecycle.Reactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, t)
}

func (h *TenantsHandler) Keep(w http.ResponseWriter, r *http.Request) {
	t, err := h.lifecycle.Keep(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, t)
}

func (h *TenantsHandler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.PurgeTombstone(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (h *TenantsHandler) ListScheduledDeletions(w http.ResponseWriter, r *http.Request) {
	items, err := h.lifecycle.ListScheduledDeletions(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, items)
}

// Upgrade enqueues a single-tenant upgrade job outside any rollout.
func (h *TenantsHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req types.UpgradeTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondInvalid(w, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondInvalid(w, err.Error())
		return
	}

	jobID, err := h.queue.Enqueue(r.Context(), id, models.JobUpgrade, models.UpgradePayload{
		Component: req.Component,
		Version:   req.Version,
		DryRun:    req.DryRun,
		Force:     req.Force,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
}
