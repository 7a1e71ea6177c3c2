package license

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/repository"
	appErr "github.com/stackplane/controlplane/pkg/errors"
	"github.com/stackplane/controlplane/pkg/logger"
	"github.com/stackplane/controlplane/pkg/utils"
)

// Claims is the signed capability assertion carried by a license token.
type Claims struct {
	TenantID string           `json:"tenant_id"`
	Plan     string           `json:"plan"`
	Features []string         `json:"features"`
	Limits   map[string]int64 `json:"limits"`
	jwt.RegisteredClaims
}

// Issuer signs license tokens and maintains the audit trail. Issue is a pure
// function of current subscription state: calling it on every read is safe
// and there is no cached token acting as authoritative state.
type Issuer struct {
	keys      *KeyPair
	ttl       time.Duration
	auditRepo repository.AuditRepository
}

func NewIssuer(keys *KeyPair, ttl time.Duration, auditRepo repository.AuditRepository) *Issuer {
	return &Issuer{keys: keys, ttl: ttl, auditRepo: auditRepo}
}

// Issue builds and signs a token from the tenant's current subscription
// snapshot, then appends an audit entry holding a one-way hash of the token.
func (i *Issuer) Issue(ctx context.Context, tenant *models.Tenant, sub *models.Subscription) (string, *Claims, error) {
	grant := grantForSubscription(tenant, sub)

	now := time.Now().UTC()
	claims := &Claims{
		TenantID: tenant.ID,
		Plan:     sub.Plan,
		Features: grant.Features,
		Limits:   grant.Limits,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenant.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.keys.Private)
	if err != nil {
		return "", nil, appErr.Wrap(err, appErr.CodeInternal, "sign license token failed")
	}

	if err := i.audit(ctx, tenant.ID, signed, sub.Plan, grant, models.AuditIssued, ""); err != nil {
		return "", nil, err
	}

	return signed, claims, nil
}

// Validate verifies signature and expiry against the given public key. Claims
// are never returned without a valid signature.
func Validate(token string, pub ed25519.PublicKey) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return pub, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, appErr.Wrap(err, appErr.CodeUnauthorized, "license expired")
		}
		return nil, appErr.Wrap(err, appErr.CodeUnauthorized, "license signature invalid")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, appErr.New(appErr.CodeUnauthorized, "license invalid")
	}
	return claims, nil
}

// PublicKey exposes the verification key for the public-key endpoint.
func (i *Issuer) PublicKey() *KeyPair { return i.keys }

// Revoke records the revocation in the audit trail. Issued tokens are
// short-lived and expire on their own; the next Issue reflects the revoked
// state through the subscription snapshot.
func (i *Issuer) Revoke(ctx context.Context, tenantID, plan, reason string) error {
	logger.L().Info("license revoked", zap.String("tenant_id", tenantID), zap.String("reason", reason))
	return i.audit(ctx, tenantID, "", plan, revokedGrant, models.AuditRevoked, reason)
}

// RecordPlanChange appends an upgraded/downgraded audit entry when the
// reconciler observes a plan move.
func (i *Issuer) RecordPlanChange(ctx context.Context, tenantID, plan, action string) error {
	return i.audit(ctx, tenantID, "", plan, GrantFor(plan), action, "")
}

func (i *Issuer) audit(ctx context.Context, tenantID, token, plan string, grant PlanGrant, action, reason string) error {
	features, _ := json.Marshal(grant.Features)
	limits, _ := json.Marshal(grant.Limits)

	entry := &models.LicenseAuditEntry{
		TenantID: tenantID,
		Plan:     plan,
		Features: datatypes.JSON(features),
		Limits:   datatypes.JSON(limits),
		Action:   action,
		Reason:   reason,
	}
	// The token itself is never stored; only its digest, which cannot be
	// reversed into signable material.
	if token != "" {
		entry.TokenHash = utils.HexSHA256([]byte(token))
	}
	if err := i.auditRepo.Append(ctx, entry); err != nil {
		return err
	}
	return nil
}

func grantForSubscription(tenant *models.Tenant, sub *models.Subscription) PlanGrant {
	if sub.Revoked || sub.Status == models.SubCanceled {
		return revokedGrant
	}
	switch tenant.State {
	case models.StateTrial, models.StateActive, models.StateCancelPending:
		return GrantFor(sub.Plan)
	default:
		return revokedGrant
	}
}
