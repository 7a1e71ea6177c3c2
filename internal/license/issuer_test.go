package license

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stackplane/controlplane/internal/models"
	appErr "github.com/stackplane/controlplane/pkg/errors"
	"github.com/stackplane/controlplane/pkg/logger"
	"github.com/stackplane/controlplane/pkg/utils"
)

func TestMain(m *testing.M) {
	_, err := logger.Init("info", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockAuditRepository struct {
	mock.Mock
}

func (m *mockAuditRepository) Append(ctx context.Context, entry *models.LicenseAuditEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *mockAuditRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.LicenseAuditEntry, error) {
	args := m.Called(ctx, tenantID)
	if v := args.Get(0); v != nil {
		return v.([]models.LicenseAuditEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAuditRepository) CountIssuedSince(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	args := m.Called(ctx, tenantID, since)
	return args.Get(0).(int64), args.Error(1)
}

func newTestIssuer(t *testing.T, ttl time.Duration) (*Issuer, *mockAuditRepository) {
	t.Helper()
	keys, err := LoadKeyPair("")
	require.NoError(t, err)
	auditRepo := &mockAuditRepository{}
	return NewIssuer(keys, ttl, auditRepo), auditRepo
}

func activeTenant() *models.Tenant {
	return &models.Tenant{ID: "t1", State: models.StateActive}
}

func activeSubscription() *models.Subscription {
	return &models.Subscription{ID: "sub_1", TenantID: "t1", Plan: "pro", Status: models.SubActive}
}

func TestIssuer_IssueAndValidate(t *testing.T) {
	issuer, auditRepo := newTestIssuer(t, time.Hour)

	var audited *models.LicenseAuditEntry
	auditRepo.On("Append", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			audited = args.Get(1).(*models.LicenseAuditEntry)
		}).Return(nil).Once()

	token, claims, err := issuer.Issue(context.Background(), activeTenant(), activeSubscription())
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, "t1", claims.TenantID)
	require.Equal(t, "pro", claims.Plan)
	require.Contains(t, claims.Features, "sso")
	require.Equal(t, int64(50), claims.Limits["seats"])

	verified, err := Validate(token, issuer.PublicKey().Public)
	require.NoError(t, err)
	require.Equal(t, claims.TenantID, verified.TenantID)
	require.Equal(t, claims.Features, verified.Features)

	// The audit trail keeps a digest of the token, never the token itself.
	require.NotNil(t, audited)
	require.Equal(t, models.AuditIssued, audited.Action)
	require.Equal(t, utils.HexSHA256([]byte(token)), audited.TokenHash)
	require.Len(t, audited.TokenHash, 64)
	require.NotContains(t, audited.TokenHash, ".")
}

func TestIssuer_RevokedSubscriptionGetsEmptyGrant(t *testing.T) {
	issuer, auditRepo := newTestIssuer(t, time.Hour)
	auditRepo.On("Append", mock.Anything, mock.Anything).Return(nil)

	sub := activeSubscription()
	sub.Revoked = true
	_, claims, err := issuer.Issue(context.Background(), activeTenant(), sub)
	require.NoError(t, err)
	require.Empty(t, claims.Features)
	require.Equal(t, int64(0), claims.Limits["seats"])

	// A deactivated tenant gets the same treatment regardless of subscription.
	tenant := activeTenant()
	tenant.State = models.StateDeactivated
	_, claims, err = issuer.Issue(context.Background(), tenant, activeSubscription())
	require.NoError(t, err)
	require.Empty(t, claims.Features)
}

func TestValidate_RejectsTamperedToken(t *testing.T) {
	issuer, auditRepo := newTestIssuer(t, time.Hour)
	auditRepo.On("Append", mock.Anything, mock.Anything).Return(nil)

	token, _, err := issuer.Issue(context.Background(), activeTenant(), activeSubscription())
	require.NoError(t, err)

	tampered := token[:len(token)-4] + "AAAA"
	_, err = Validate(tampered, issuer.PublicKey().Public)
	require.True(t, appErr.IsCode(err, appErr.CodeUnauthorized))

	// A token signed by one key never validates against another.
	otherKeys, err := LoadKeyPair("")
	require.NoError(t, err)
	_, err = Validate(token, otherKeys.Public)
	require.True(t, appErr.IsCode(err, appErr.CodeUnauthorized))
}

func TestValidate_RejectsExpiredToken(t *testing.T) {
	issuer, auditRepo := newTestIssuer(t, -time.Minute)
	auditRepo.On("Append", mock.Anything, mock.Anything).Return(nil)

	token, _, err := issuer.Issue(context.Background(), activeTenant(), activeSubscription())
	require.NoError(t, err)

	_, err = Validate(token, issuer.PublicKey().Public)
	require.True(t, appErr.IsCode(err, appErr.CodeUnauthorized))
	require.Contains(t, err.Error(), "expired")
}

func TestIssuer_Revoke(t *testing.T) {
	issuer, auditRepo := newTestIssuer(t, time.Hour)

	var audited *models.LicenseAuditEntry
	auditRepo.On("Append", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			audited = args.Get(1).(*models.LicenseAuditEntry)
		}).Return(nil).Once()

	require.NoError(t, issuer.Revoke(context.Background(), "t1", "pro", "subscription deleted"))
	require.Equal(t, models.AuditRevoked, audited.Action)
	require.Equal(t, "subscription deleted", audited.Reason)
	require.Empty(t, audited.TokenHash)
}

func TestKeyPair_PEMRoundTrip(t *testing.T) {
	keys, err := LoadKeyPair("")
	require.NoError(t, err)

	pemStr, err := keys.PublicKeyPEM()
	require.NoError(t, err)
	pub, err := ParsePublicKeyPEM(pemStr)
	require.NoError(t, err)
	require.Equal(t, keys.Public, pub)
}
