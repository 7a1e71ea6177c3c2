package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/stackplane/controlplane/internal/api/types"
	"github.com/stackplane/controlplane/internal/license"
	"github.com/stackplane/controlplane/internal/metrics"
	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/repository"
)

type LicensesHandler struct {
	issuer     *license.Issuer
	tenantRepo repository.TenantRepository
	subRepo    repository.SubscriptionRepository
	auditRepo  repository.AuditRepository
	validate   *validator.Validate
}

func NewLicensesHandler(issuer *license.Issuer, tenantRepo repository.TenantRepository, subRepo repository.SubscriptionRepository, auditRepo repository.AuditRepository, v *validator.Validate) *LicensesHandler {
	return &LicensesHandler{issuer: issuer, tenantRepo: tenantRepo, subRepo: subRepo, auditRepo: auditRepo, validate: v}
}

// Issue signs a fresh token from the tenant's current subscription snapshot.
// There is no stored token to invalidate; clients re-fetch before expiry.
func (h *LicensesHandler) Issue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var t models.Tenant
	if err := h.tenantRepo.GetByID(r.Context(), id, &t); err != nil {
		respondError(w, err)
		return
	}
	var sub models.Subscription
	if err := h.subRepo.GetByTenant(r.Context(), id, &sub); err != nil {
		respondError(w, err)
		return
	}

	token, claims, err := h.issuer.Issue(r.Context(), &t, &sub)
	if err != nil {
		respondError(w, err)
		return
	}
	metrics.LicensesIssued.Inc()
	respondData(w, http.StatusOK, map[string]any{
		"token":  token,
		"claims": claims,
	})
}

// Validate verifies a presented token. Exposed so tenant stacks can check
// tokens without holding the private key.
func (h *LicensesHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req types.LicenseValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondInvalid(w, "invalid json")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondInvalid(w, err.Error())
		return
	}

	claims, err := license.Validate(req.Token, h.issuer.PublicKey().Public)
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]any{
		"valid":  true,
		"claims": claims,
	})
}

func (h *LicensesHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	pemKey, err := h.issuer.PublicKey().PublicKeyPEM()
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{
		"algorithm":  "EdDSA",
		"public_key": pemKey,
	})
}

func (h *LicensesHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	var sub models.Subscription
	if err := h.subRepo.GetByTenant(r.Context(), id, &sub); err != nil {
		respondError(w, err)
		return
	}
	if err := h.subRepo.SetRevoked(r.Context(), id, true); err != nil {
		respondError(w, err)
		return
	}
	if err := h.issuer.Revoke(r.Context(), id, sub.Plan, req.Reason); err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// Audit lists the tenant's license history. Entries carry token digests only;
// the trail proves issuance without being able to mint tokens.
func (h *LicensesHandler) Audit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.auditRepo.ListByTenant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondData(w, http.StatusOK, entries)
}
