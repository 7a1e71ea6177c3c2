package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/stackplane/controlplane/internal/api/types"
	"github.com/stackplane/controlplane/internal/repository"
	"github.com/stackplane/controlplane/internal/services"
)

type RolloutsHandler struct {
	upgrades    services.UpgradeService
	upgradeRepo repository.UpgradeRepository
	validate    *validator.Validate
}

func NewRolloutsHandler(upgrades services.UpgradeService, upgradeRepo repository.UpgradeRepository, v *validator.Validate) *RolloutsHandler {
	return &RolloutsHandler{upgrades: upgrades, upgradeRepo: upgradeRepo, validate: v}
}

func (h *RolloutsHandler) List(w http.ResponseWriter, r *http.Request) {
	runs, err := h.upgradeRepo.ListRuns(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, runs)
}

func (h *RolloutsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req types.RolloutCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondInvalid(w, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondInvalid(w, err.Error())
		return
	}

	run, err := h.upgrades.StartRollout(r.Context(), &services.StartRolloutInput{
		Component:     req.Component,
		Version:       req.Version,
		Strategy:      req.Strategy,
		CanaryPercent: req.CanaryPercent,
		BatchSize:     req.BatchSize,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusCreated, run)
}

func (h *RolloutsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid run id")
		return
	}
	run, err := h.upgrades.GetRun(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, run)
}

func (h *RolloutsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid run id")
		return
	}
	logs, err := h.upgrades.ListLogs(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, logs)
}

func (h *RolloutsHandler) Continue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid run id")
		return
	}
	run, err := h.upgrades.ContinueRollout(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, run)
}

func (h *RolloutsHandler) RollbackTenant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondInvalid(w, "invalid run id")
		return
	}
	var req types.RollbackTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondInvalid(w, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondInvalid(w, err.Error())
		return
	}

	jobID, err := h.upgrades.RollbackTenant(r.Context(), id, req.TenantID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
}
