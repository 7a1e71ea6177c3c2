package services

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/queue"
	"github.com/stackplane/controlplane/internal/repository"
	appErr "github.com/stackplane/controlplane/pkg/errors"
	"github.com/stackplane/controlplane/pkg/logger"
)

// StartRolloutInput is one operator rollout request.
type StartRolloutInput struct {
	Component     string
	Version       string
	Strategy      string
	CanaryPercent int
	BatchSize     int
}

// UpgradeService turns a rollout request into per-tenant jobs and tracks them
// as one UpgradeRun. Batch advancement is driven by terminal-job callbacks,
// not polling.
type UpgradeService interface {
	StartRollout(ctx context.Context, input *StartRolloutInput) (*models.UpgradeRun, error)
	ContinueRollout(ctx context.Context, runID uuid.UUID) (*models.UpgradeRun, error)
	RollbackTenant(ctx context.Context, runID uuid.UUID, tenantID string) (uuid.UUID, error)
	GetRun(ctx context.Context, runID uuid.UUID) (*models.UpgradeRun, error)
	ListLogs(ctx context.Context, runID uuid.UUID) ([]models.UpgradeLogEntry, error)

	// OnJobFinished is invoked by the worker when a run's child job reaches a
	// terminal state.
	OnJobFinished(ctx context.Context, job *models.DeploymentJob, succeeded, rolledBack bool, errText string) error
}

type upgradeService struct {
	upgradeRepo repository.UpgradeRepository
	jobRepo     repository.JobRepository
	tenantRepo  repository.TenantRepository
	executor    ExecutorService
	queue       queue.Service
}

func NewUpgradeService(upgradeRepo repository.UpgradeRepository, jobRepo repository.JobRepository, tenantRepo repository.TenantRepository, executor ExecutorService, q queue.Service) UpgradeService {
	return &upgradeService{upgradeRepo: upgradeRepo, jobRepo: jobRepo, tenantRepo: tenantRepo, executor: executor, queue: q}
}

var _ UpgradeService = (*upgradeService)(nil)

// CanarySize computes the canary subset size: ceil(total*percent/100),
// floored at one tenant.
func CanarySize(total, percent int) int {
	n := int(math.Ceil(float64(total) * float64(percent) / 100))
	if n < 1 {
		n = 1
	}
	if n > total {
		n = total
	}
	return n
}

func (s *upgradeService) StartRollout(ctx context.Context, input *StartRolloutInput) (*models.UpgradeRun, error) {
	switch input.Strategy {
	case models.StrategyAll:
	case models.StrategyCanary:
		if input.CanaryPercent < 1 || input.CanaryPercent > 100 {
			return nil, appErr.New(appErr.CodeInvalid, "canary_percent must be between 1 and 100")
		}
	case models.StrategyBatch:
		if input.BatchSize < 1 {
			return nil, appErr.New(appErr.CodeInvalid, "batch_size must be at least 1")
		}
	default:
		return nil, appErr.New(appErr.CodeInvalid, "unknown rollout strategy")
	}

	// Targets come back id-ordered, which makes canary selection
	// deterministic and reproducible.
	targets, err := s.tenantRepo.ListUpgradeTargets(ctx)
	if err != nil {
		return nil, err
	}

	var eligible []models.Tenant
	for i := range targets {
		reasons, err := s.executor.UpgradeEligibility(ctx, &targets[i], input.Component, input.Version)
		if err != nil {
			return nil, err
		}
		if len(reasons) > 0 {
			logger.L().Debug("tenant skipped for rollout",
				zap.String("tenant_id", targets[i].ID),
				zap.String("reasons", strings.Join(reasons, ",")),
			)
			continue
		}
		eligible = append(eligible, targets[i])
	}
	if len(eligible) == 0 {
		return nil, appErr.New(appErr.CodeIneligible, "no eligible tenants for rollout")
	}

	run := &models.UpgradeRun{
		ID:            uuid.New(),
		Component:     input.Component,
		Version:       input.Version,
		Strategy:      input.Strategy,
		CanaryPercent: input.CanaryPercent,
		BatchSize:     input.BatchSize,
		Total:         len(eligible),
		Status:        models.RunInProgress,
		CanaryPending: input.Strategy == models.StrategyCanary,
	}
	if err := s.upgradeRepo.Create(ctx, run); err != nil {
		return nil, err
	}

	// Partition tenants into batches. Batch 0 is enqueued now; later batches
	// wait as pending log entries until their predecessor is terminal (batch
	// strategy) or the operator continues (canary).
	firstWave := len(eligible)
	batchOf := func(idx int) int { return 0 }
	switch input.Strategy {
	case models.StrategyCanary:
		firstWave = CanarySize(len(eligible), input.CanaryPercent)
		batchOf = func(idx int) int {
			if idx < firstWave {
				return 0
			}
			return 1
		}
	case models.StrategyBatch:
		firstWave = input.BatchSize
		if firstWave > len(eligible) {
			firstWave = len(eligible)
		}
		batchOf = func(idx int) int { return idx / input.BatchSize }
	}

	for idx := range eligible {
		t := &eligible[idx]
		entry := &models.UpgradeLogEntry{
			ID:          uuid.New(),
			RunID:       run.ID,
			TenantID:    t.ID,
			FromVersion: t.CurrentVersion(input.Component),
			ToVersion:   input.Version,
			Batch:       batchOf(idx),
			Status:      models.LogPending,
		}
		if err := s.upgradeRepo.CreateLog(ctx, entry); err != nil {
			return nil, err
		}
		if idx < firstWave {
			if err := s.enqueueEntry(ctx, run, entry); err != nil {
				return nil, err
			}
		}
	}

	logger.L().Info("rollout started",
		zap.String("run_id", run.ID.String()),
		zap.String("component", input.Component),
		zap.String("version", input.Version),
		zap.String("strategy", input.Strategy),
		zap.Int("total", run.Total),
		zap.Int("first_wave", firstWave),
	)
	return run, nil
}

// enqueueEntry flips the entry to enqueued before creating the job. The flip
// is conditional on the pending status, so two workers advancing the same
// batch cannot enqueue a tenant twice; the loser sees false and moves on.
func (s *upgradeService) enqueueEntry(ctx context.Context, run *models.UpgradeRun, entry *models.UpgradeLogEntry) error {
	taken, err := s.upgradeRepo.MarkLogEnqueued(ctx, entry.ID)
	if err != nil {
		return err
	}
	if !taken {
		return nil
	}
	jobID, err := s.queue.Enqueue(ctx, entry.TenantID, models.JobUpgrade,
		models.UpgradePayload{Component: run.Component, Version: run.Version},
		queue.WithRun(run.ID, entry.Batch),
	)
	if err != nil {
		return err
	}
	return s.upgradeRepo.UpdateLog(ctx, entry.ID, map[string]interface{}{"job_id": jobID})
}

// ContinueRollout releases the post-canary remainder of a paused canary run.
func (s *upgradeService) ContinueRollout(ctx context.Context, runID uuid.UUID) (*models.UpgradeRun, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Strategy != models.StrategyCanary {
		return nil, appErr.New(appErr.CodeIneligible, "run is not a canary rollout")
	}
	if run.Status != models.RunInProgress {
		return nil, appErr.New(appErr.CodeIneligible, "run is already in a terminal state")
	}
	if !run.CanaryPending {
		return nil, appErr.New(appErr.CodeConflict, "canary already continued")
	}

	if err := s.upgradeRepo.UpdateRun(ctx, runID, map[string]interface{}{"canary_pending": false}); err != nil {
		return nil, err
	}
	run.CanaryPending = false

	pending, err := s.upgradeRepo.ListPendingLogs(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if err := s.enqueueEntry(ctx, run, &pending[i]); err != nil {
			return nil, err
		}
	}

	logger.L().Info("canary continued",
		zap.String("run_id", runID.String()),
		zap.Int("remaining", len(pending)),
	)
	return run, nil
}

// RollbackTenant re-invokes the executor rollback path for one tenant outside
// the normal batch flow and logs the action against the run.
func (s *upgradeService) RollbackTenant(ctx context.Context, runID uuid.UUID, tenantID string) (uuid.UUID, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return uuid.Nil, err
	}

	logs, err := s.upgradeRepo.ListLogs(ctx, runID)
	if err != nil {
		return uuid.Nil, err
	}
	participated := false
	for _, l := range logs {
		if l.TenantID == tenantID {
			participated = true
			break
		}
	}
	if !participated {
		return uuid.Nil, appErr.New(appErr.CodeIneligible, "tenant is not part of this run")
	}

	jobID, err := s.queue.Enqueue(ctx, tenantID, models.JobRollback,
		models.UpgradePayload{Component: run.Component},
		queue.WithRun(run.ID, rollbackBatch),
	)
	if err != nil {
		return uuid.Nil, err
	}

	entry := &models.UpgradeLogEntry{
		ID:       uuid.New(),
		RunID:    run.ID,
		TenantID: tenantID,
		JobID:    &jobID,
		Batch:    rollbackBatch,
		Status:   models.LogEnqueued,
	}
	if err := s.upgradeRepo.CreateLog(ctx, entry); err != nil {
		return uuid.Nil, err
	}

	logger.L().Info("manual rollback enqueued",
		zap.String("run_id", runID.String()),
		zap.String("tenant_id", tenantID),
		zap.String("job_id", jobID.String()),
	)
	return jobID, nil
}

// rollbackBatch keeps operator-initiated rollback jobs out of the batch
// advancement bookkeeping.
const rollbackBatch = -1

func (s *upgradeService) GetRun(ctx context.Context, runID uuid.UUID) (*models.UpgradeRun, error) {
	var run models.UpgradeRun
	if err := s.upgradeRepo.GetByID(ctx, runID, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *upgradeService) ListLogs(ctx context.Context, runID uuid.UUID) ([]models.UpgradeLogEntry, error) {
	return s.upgradeRepo.ListLogs(ctx, runID)
}

func (s *upgradeService) OnJobFinished(ctx context.Context, job *models.DeploymentJob, succeeded, rolledBack bool, errText string) error {
	if job.RunID == nil {
		return nil
	}

	var entry models.UpgradeLogEntry
	if err := s.upgradeRepo.GetLogByJob(ctx, job.ID, &entry); err != nil {
		return err
	}

	status := models.LogFailed
	switch {
	case job.Kind == models.JobRollback && succeeded:
		status = models.LogRolledBack
	case rolledBack:
		status = models.LogRolledBack
	case succeeded:
		status = models.LogSucceeded
	}
	if err := s.upgradeRepo.UpdateLog(ctx, entry.ID, map[string]interface{}{
		"status": status,
		"error":  errText,
	}); err != nil {
		return err
	}

	// Manual rollback jobs don't move the run's upgrade counters.
	if job.Kind == models.JobRollback {
		return nil
	}

	counter := "failed"
	if succeeded {
		counter = "completed"
	}
	// Finalize from the committed counters. Two workers finishing the run's
	// last jobs concurrently would each see total-1 in a pre-increment
	// snapshot and neither would close the run.
	run, err := s.upgradeRepo.IncrementCounter(ctx, *job.RunID, counter)
	if err != nil {
		return err
	}

	if run.Strategy == models.StrategyBatch {
		if err := s.advanceBatch(ctx, run, entry.Batch); err != nil {
			return err
		}
	}

	return s.maybeFinalize(ctx, run)
}

// advanceBatch enqueues the next batch once every job in the finished one is
// terminal. Individual failures never block the rollout; they surface in the
// run counters instead.
func (s *upgradeService) advanceBatch(ctx context.Context, run *models.UpgradeRun, batch int) error {
	remaining, err := s.jobRepo.CountNonTerminalInBatch(ctx, run.ID, batch)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	pending, err := s.upgradeRepo.ListPendingLogs(ctx, run.ID)
	if err != nil {
		return err
	}
	for i := range pending {
		if pending[i].Batch != batch+1 {
			continue
		}
		if err := s.enqueueEntry(ctx, run, &pending[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *upgradeService) maybeFinalize(ctx context.Context, run *models.UpgradeRun) error {
	if run.Completed+run.Failed < run.Total {
		return nil
	}
	// A paused canary keeps its remainder pending; the operator may still
	// continue it, so the run stays in progress.
	if run.CanaryPending {
		pending, err := s.upgradeRepo.ListPendingLogs(ctx, run.ID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return nil
		}
	}

	status := models.RunCompletedWithErrors
	switch {
	case run.Failed == 0:
		status = models.RunCompleted
	case run.Completed == 0:
		status = models.RunFailed
	}
	if err := s.upgradeRepo.UpdateRun(ctx, run.ID, map[string]interface{}{"status": status}); err != nil {
		return err
	}

	logger.L().Info("rollout finished",
		zap.String("run_id", run.ID.String()),
		zap.String("status", status),
		zap.Int("completed", run.Completed),
		zap.Int("failed", run.Failed),
	)
	return nil
}
