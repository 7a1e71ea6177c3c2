package tasks

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/stackplane/controlplane/internal/billing"
	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/services"
	"github.com/stackplane/controlplane/pkg/logger"
)

func TestMain(m *testing.M) {
	// Initialize logger for tests (required by the handler)
	_, err := logger.Init("info", "json")
	if err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type mockJobRepository struct {
	mock.Mock
}

func (m *mockJobRepository) Create(ctx context.Context, obj *models.DeploymentJob) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockJobRepository) GetByID(ctx context.Context, id any, dest *models.DeploymentJob) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		src := args.Get(1).(*models.DeploymentJob)
		*dest = *src
	}
	return args.Error(0)
}

func (m *mockJobRepository) Update(ctx context.Context, obj *models.DeploymentJob) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockJobRepository) Delete(ctx context.Context, id any) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockJobRepository) ListByTenant(ctx context.Context, tenantID string) ([]models.DeploymentJob, error) {
	args := m.Called(ctx, tenantID)
	if v := args.Get(0); v != nil {
		return v.([]models.DeploymentJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]models.DeploymentJob, error) {
	args := m.Called(ctx, runID)
	if v := args.Get(0); v != nil {
		return v.([]models.DeploymentJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobRepository) Claim(ctx context.Context, jobID uuid.UUID) (bool, error) {
	args := m.Called(ctx, jobID)
	return args.Bool(0), args.Error(1)
}

func (m *mockJobRepository) Release(ctx context.Context, jobID uuid.UUID, errText string) error {
	args := m.Called(ctx, jobID, errText)
	return args.Error(0)
}

func (m *mockJobRepository) Finalize(ctx context.Context, jobID uuid.UUID, state, result, errText string, rolledBack bool) error {
	args := m.Called(ctx, jobID, state, result, errText, rolledBack)
	return args.Error(0)
}

func (m *mockJobRepository) MarkReported(ctx context.Context, jobID uuid.UUID) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *mockJobRepository) Cancel(ctx context.Context, jobID uuid.UUID) error {
	args := m.Called(ctx, jobID)
	return args.Error(0)
}

func (m *mockJobRepository) CountNonTerminalInBatch(ctx context.Context, runID uuid.UUID, batch int) (int64, error) {
	args := m.Called(ctx, runID, batch)
	return args.Get(0).(int64), args.Error(1)
}

type mockTenantRepository struct {
	mock.Mock
}

func (m *mockTenantRepository) Create(ctx context.Context, obj *models.Tenant) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockTenantRepository) GetByID(ctx context.Context, id any, dest *models.Tenant) error {
	args := m.Called(ctx, id, dest)
	if args.Error(0) == nil && args.Get(1) != nil {
		src := args.Get(1).(*models.Tenant)
		*dest = *src
	}
	return args.Error(0)
}

func (m *mockTenantRepository) Update(ctx context.Context, obj *models.Tenant) error {
	args := m.Called(ctx, obj)
	return args.Error(0)
}

func (m *mockTenantRepository) Delete(ctx context.Context, id any) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockTenantRepository) List(ctx context.Context) ([]models.Tenant, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTenantRepository) ListByState(ctx context.Context, state models.LifecycleState) ([]models.Tenant, error) {
	args := m.Called(ctx, state)
	if v := args.Get(0); v != nil {
		return v.([]models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTenantRepository) ListUpgradeTargets(ctx context.Context) ([]models.Tenant, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockTenantRepository) UpdateDeployStatus(ctx context.Context, tenantID string, status string) error {
	args := m.Called(ctx, tenantID, status)
	return args.Error(0)
}

func (m *mockTenantRepository) SetVersion(ctx context.Context, tenantID, component, version, lastGood string) error {
	args := m.Called(ctx, tenantID, component, version, lastGood)
	return args.Error(0)
}

func (m *mockTenantRepository) Purge(ctx context.Context, tenantID string) error {
	args := m.Called(ctx, tenantID)
	return args.Error(0)
}

func (m *mockTenantRepository) Transition(ctx context.Context, tenantID string, fn func(t *models.Tenant) (map[string]interface{}, error)) (*models.Tenant, error) {
	args := m.Called(ctx, tenantID)
	if v := args.Get(0); v != nil {
		return v.(*models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	args := m.Called(ctx, jobID, delay)
	return args.Error(0)
}

type mockExecutorService struct {
	mock.Mock
}

func (m *mockExecutorService) Provision(ctx context.Context, tenantID, plan string) (*services.ExecResult, error) {
	args := m.Called(ctx, tenantID, plan)
	if v := args.Get(0); v != nil {
		return v.(*services.ExecResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutorService) Upgrade(ctx context.Context, tenantID, component, version string, opts services.UpgradeOptions) (*services.ExecResult, error) {
	args := m.Called(ctx, tenantID, component, version, opts)
	if v := args.Get(0); v != nil {
		return v.(*services.ExecResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutorService) Deprovision(ctx context.Context, tenantID string) (*services.ExecResult, error) {
	args := m.Called(ctx, tenantID)
	if v := args.Get(0); v != nil {
		return v.(*services.ExecResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutorService) Rollback(ctx context.Context, tenantID, component string) (*services.ExecResult, error) {
	args := m.Called(ctx, tenantID, component)
	if v := args.Get(0); v != nil {
		return v.(*services.ExecResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutorService) UpgradeEligibility(ctx context.Context, tenant *models.Tenant, component, version string) ([]string, error) {
	args := m.Called(ctx, tenant, component, version)
	if v := args.Get(0); v != nil {
		return v.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockLifecycleService struct {
	mock.Mock
}

func (m *mockLifecycleService) HandleEvent(ctx context.Context, ev *billing.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *mockLifecycleService) Deactivate(ctx context.Context, tenantID string, opts services.DeactivateOptions) (*models.Tenant, error) {
	args := m.Called(ctx, tenantID, opts)
	if v := args.Get(0); v != nil {
		return v.(*models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLifecycleService) Reactivate(ctx context.Context, tenantID string) (*models.Tenant, error) {
	args := m.Called(ctx, tenantID)
	if v := args.Get(0); v != nil {
		return v.(*models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLifecycleService) Keep(ctx context.Context, tenantID string) (*models.Tenant, error) {
	args := m.Called(ctx, tenantID)
	if v := args.Get(0); v != nil {
		return v.(*models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLifecycleService) ListScheduledDeletions(ctx context.Context) ([]models.Tenant, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]models.Tenant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLifecycleService) PurgeTombstone(ctx context.Context, tenantID string) error {
	args := m.Called(ctx, tenantID)
	return args.Error(0)
}

func (m *mockLifecycleService) OnDeprovisioned(ctx context.Context, tenantID string) error {
	args := m.Called(ctx, tenantID)
	return args.Error(0)
}

type mockUpgradeService struct {
	mock.Mock
}

func (m *mockUpgradeService) StartRollout(ctx context.Context, input *services.StartRolloutInput) (*models.UpgradeRun, error) {
	args := m.Called(ctx, input)
	if v := args.Get(0); v != nil {
		return v.(*models.UpgradeRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUpgradeService) ContinueRollout(ctx context.Context, runID uuid.UUID) (*models.UpgradeRun, error) {
	args := m.Called(ctx, runID)
	if v := args.Get(0); v != nil {
		return v.(*models.UpgradeRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUpgradeService) RollbackTenant(ctx context.Context, runID uuid.UUID, tenantID string) (uuid.UUID, error) {
	args := m.Called(ctx, runID, tenantID)
	return args.Get(0).(uuid.UUID), args.Error(1)
}

func (m *mockUpgradeService) GetRun(ctx context.Context, runID uuid.UUID) (*models.UpgradeRun, error) {
	args := m.Called(ctx, runID)
	if v := args.Get(0); v != nil {
		return v.(*models.UpgradeRun), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUpgradeService) ListLogs(ctx context.Context, runID uuid.UUID) ([]models.UpgradeLogEntry, error) {
	args := m.Called(ctx, runID)
	if v := args.Get(0); v != nil {
		return v.([]models.UpgradeLogEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUpgradeService) OnJobFinished(ctx context.Context, job *models.DeploymentJob, succeeded, rolledBack bool, errText string) error {
	args := m.Called(ctx, job, succeeded, rolledBack, errText)
	return args.Error(0)
}
