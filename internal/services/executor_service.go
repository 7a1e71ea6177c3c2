package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/provisioner"
	"github.com/stackplane/controlplane/internal/repository"
	appErr "github.com/stackplane/controlplane/pkg/errors"
	"github.com/stackplane/controlplane/pkg/logger"
)

// UpgradeOptions tunes one executor upgrade call.
type UpgradeOptions struct {
	DryRun  bool
	Force   bool
	Timeout time.Duration
}

// ExecResult is the structured outcome of one executor operation. Reasons is
// populated for eligibility failures so callers get machine-readable causes
// instead of a doomed provisioner call.
type ExecResult struct {
	Succeeded  bool     `json:"succeeded"`
	RolledBack bool     `json:"rolled_back,omitempty"`
	Output     string   `json:"output,omitempty"`
	Reasons    []string `json:"reasons,omitempty"`
}

// Upgrade ineligibility reason codes.
const (
	ReasonNotReady     = "tenant_not_ready"
	ReasonSameVersion  = "already_at_target_version"
	ReasonJobInFlight  = "job_in_flight"
	ReasonNoLastGood   = "no_last_known_good_version"
	ReasonTenantGone   = "tenant_not_found"
)

// ExecutorService performs provision/upgrade/deprovision/rollback operations
// for one tenant. Each operation is a single provisioner invocation bounded
// by a timeout; exceeding it is a failed attempt, not assumed success.
type ExecutorService interface {
	Provision(ctx context.Context, tenantID, plan string) (*ExecResult, error)
	Upgrade(ctx context.Context, tenantID, component, version string, opts UpgradeOptions) (*ExecResult, error)
	Deprovision(ctx context.Context, tenantID string) (*ExecResult, error)
	Rollback(ctx context.Context, tenantID, component string) (*ExecResult, error)

	// UpgradeEligibility reports why a tenant cannot take the target version.
	// Empty means eligible.
	UpgradeEligibility(ctx context.Context, tenant *models.Tenant, component, version string) ([]string, error)
}

type executorService struct {
	prov       provisioner.Provisioner
	tenantRepo repository.TenantRepository
	jobRepo    repository.JobRepository
	timeout    time.Duration
}

func NewExecutorService(prov provisioner.Provisioner, tenantRepo repository.TenantRepository, jobRepo repository.JobRepository, timeout time.Duration) ExecutorService {
	return &executorService{prov: prov, tenantRepo: tenantRepo, jobRepo: jobRepo, timeout: timeout}
}

var _ ExecutorService = (*executorService)(nil)

func (s *executorService) Provision(ctx context.Context, tenantID, plan string) (*ExecResult, error) {
	var t models.Tenant
	if err := s.tenantRepo.GetByID(ctx, tenantID, &t); err != nil {
		return nil, err
	}

	if err := s.tenantRepo.UpdateDeployStatus(ctx, tenantID, models.DeployProvisioning); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.prov.Install(callCtx, tenantID, map[string]interface{}{"plan": plan})
	if err != nil {
		return nil, err
	}

	if err := s.tenantRepo.UpdateDeployStatus(ctx, tenantID, models.DeployReady); err != nil {
		return nil, err
	}

	logger.L().Info("tenant provisioned",
		zap.String("tenant_id", tenantID),
		zap.String("namespace", res.Namespace),
	)
	return &ExecResult{Succeeded: true, Output: fmt.Sprintf("provisioned in %s", res.Namespace)}, nil
}

func (s *executorService) Upgrade(ctx context.Context, tenantID, component, version string, opts UpgradeOptions) (*ExecResult, error) {
	var t models.Tenant
	if err := s.tenantRepo.GetByID(ctx, tenantID, &t); err != nil {
		return &ExecResult{Reasons: []string{ReasonTenantGone}}, appErr.Wrap(err, appErr.CodeIneligible, "cannot upgrade")
	}

	// The eligibility check at execution time skips the in-flight test: this
	// job holds the tenant's single active slot by the claim invariant.
	reasons := s.staticEligibility(&t, component, version)
	if len(reasons) > 0 {
		return &ExecResult{Reasons: reasons},
			appErr.New(appErr.CodeIneligible, "cannot upgrade: "+strings.Join(reasons, ", "))
	}

	from := t.CurrentVersion(component)
	if opts.DryRun {
		return &ExecResult{
			Succeeded: true,
			Output:    fmt.Sprintf("dry run: would upgrade %s from %q to %q", component, from, version),
		}, nil
	}

	// Capture the rollback target before touching the stack. The per-tenant
	// mutual exclusion guarantees no concurrent upgrade can move it under us.
	if err := s.tenantRepo.SetVersion(ctx, tenantID, component, from, from); err != nil {
		return nil, err
	}

	timeout := s.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := s.prov.Upgrade(callCtx, tenantID, component, version)
	if err == nil {
		if err := s.tenantRepo.SetVersion(ctx, tenantID, component, version, ""); err != nil {
			return nil, err
		}
		logger.L().Info("tenant upgraded",
			zap.String("tenant_id", tenantID),
			zap.String("component", component),
			zap.String("from", from),
			zap.String("to", version),
		)
		return &ExecResult{Succeeded: true, Output: fmt.Sprintf("upgraded %s %s -> %s", component, from, version)}, nil
	}

	if opts.Force {
		// Forced upgrades skip auto-rollback; the failure keeps its original
		// classification so transient errors are retried.
		return nil, err
	}

	logger.L().Warn("upgrade failed, rolling back",
		zap.String("tenant_id", tenantID),
		zap.String("component", component),
		zap.String("target", version),
		zap.Error(err),
	)

	rbResult, rbErr := s.rollbackTo(ctx, &t, component, from)
	if rbErr != nil {
		// Both failures are fatal for this tenant; operators must intervene.
		return &ExecResult{RolledBack: false},
			appErr.Wrap(err, appErr.CodeConflict,
				fmt.Sprintf("upgrade failed and rollback failed: %v", rbErr))
	}
	return &ExecResult{RolledBack: true, Output: rbResult.Output},
		appErr.Wrap(err, appErr.CodeConflict, "upgrade failed; rolled back to last known good version")
}

func (s *executorService) Deprovision(ctx context.Context, tenantID string) (*ExecResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.prov.Uninstall(callCtx, tenantID); err != nil {
		return nil, err
	}

	logger.L().Info("tenant deprovisioned", zap.String("tenant_id", tenantID))
	return &ExecResult{Succeeded: true, Output: "stack removed"}, nil
}

func (s *executorService) Rollback(ctx context.Context, tenantID, component string) (*ExecResult, error) {
	var t models.Tenant
	if err := s.tenantRepo.GetByID(ctx, tenantID, &t); err != nil {
		return nil, err
	}
	target := t.LastGoodVersion(component)
	if target == "" {
		return &ExecResult{Reasons: []string{ReasonNoLastGood}},
			appErr.New(appErr.CodeIneligible, "no last known good version recorded")
	}
	return s.rollbackTo(ctx, &t, component, target)
}

func (s *executorService) rollbackTo(ctx context.Context, t *models.Tenant, component, target string) (*ExecResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.prov.Upgrade(callCtx, t.ID, component, target); err != nil {
		return nil, err
	}
	if err := s.tenantRepo.SetVersion(ctx, t.ID, component, target, ""); err != nil {
		return nil, err
	}
	logger.L().Info("tenant rolled back",
		zap.String("tenant_id", t.ID),
		zap.String("component", component),
		zap.String("version", target),
	)
	return &ExecResult{Succeeded: true, Output: fmt.Sprintf("rolled back %s to %s", component, target)}, nil
}

// UpgradeEligibility is the pre-enqueue check used by the orchestrator; it
// includes the in-flight-job test that execution-time checks omit.
func (s *executorService) UpgradeEligibility(ctx context.Context, tenant *models.Tenant, component, version string) ([]string, error) {
	reasons := s.staticEligibility(tenant, component, version)

	jobs, err := s.jobRepo.ListByTenant(ctx, tenant.ID)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.State == models.JobWaiting || j.State == models.JobActive {
			reasons = append(reasons, ReasonJobInFlight)
			break
		}
	}
	return reasons, nil
}

func (s *executorService) staticEligibility(t *models.Tenant, component, version string) []string {
	var reasons []string
	if t.DeployStatus != models.DeployReady {
		reasons = append(reasons, ReasonNotReady)
	}
	if t.CurrentVersion(component) == version {
		reasons = append(reasons, ReasonSameVersion)
	}
	return reasons
}
