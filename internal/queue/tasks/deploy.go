package tasks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/stackplane/controlplane/internal/metrics"
	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/queue"
	"github.com/stackplane/controlplane/internal/repository"
	"github.com/stackplane/controlplane/internal/services"
	appErr "github.com/stackplane/controlplane/pkg/errors"
	"github.com/stackplane/controlplane/pkg/logger"
)

// busyRequeueDelay is how long a job waits before re-checking its turn after a
// claim miss.
const busyRequeueDelay = 5 * time.Second

// DeployTaskHandler executes deployment jobs. Asynq only delivers the job id;
// the Postgres row decides whether, and how many times, the job actually runs.
type DeployTaskHandler struct {
	jobRepo    repository.JobRepository
	tenantRepo repository.TenantRepository
	dispatcher queue.Dispatcher
	executor   services.ExecutorService
	lifecycle  services.LifecycleService
	upgrades   services.UpgradeService
	retryBase  time.Duration
}

func NewDeployTaskHandler(jobRepo repository.JobRepository, tenantRepo repository.TenantRepository, dispatcher queue.Dispatcher, executor services.ExecutorService, lifecycle services.LifecycleService, upgrades services.UpgradeService, retryBase time.Duration) *DeployTaskHandler {
	return &DeployTaskHandler{
		jobRepo:    jobRepo,
		tenantRepo: tenantRepo,
		dispatcher: dispatcher,
		executor:   executor,
		lifecycle:  lifecycle,
		upgrades:   upgrades,
		retryBase:  retryBase,
	}
}

func (h *DeployTaskHandler) HandleDeploy(ctx context.Context, t *asynq.Task) error {
	var p queue.TaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		logger.L().Error("invalid deploy task payload", zap.Error(err))
		return nil
	}
	jobID, err := uuid.Parse(p.JobID)
	if err != nil {
		logger.L().Error("invalid job id in task", zap.Error(err))
		return nil
	}

	var job models.DeploymentJob
	if err := h.jobRepo.GetByID(ctx, jobID, &job); err != nil {
		if appErr.IsCode(err, appErr.CodeNotFound) {
			logger.L().Warn("deploy task for unknown job", zap.String("job_id", p.JobID))
			return nil
		}
		return err
	}

	// Canceled and already-finished jobs never re-run work. A finished job
	// whose callbacks did not land yet replays them from the row; that is how
	// the callback path survives a worker dying between finalize and report.
	if models.JobStateTerminal(job.State) {
		if job.State == models.JobCanceled || job.Reported {
			return nil
		}
		return h.report(ctx, &job, job.State == models.JobCompleted, job.RolledBack, job.Error)
	}

	if job.RunAt != nil {
		if wait := time.Until(*job.RunAt); wait > 0 {
			return h.dispatcher.Dispatch(ctx, jobID, wait)
		}
	}

	claimed, err := h.jobRepo.Claim(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		// Another job holds the tenant's slot, or an older waiting job must go
		// first. Come back later; ordering is enforced by the claim, not by
		// delivery order.
		metrics.JobRequeues.Inc()
		return h.dispatcher.Dispatch(ctx, jobID, busyRequeueDelay)
	}
	attempt := job.Attempts + 1

	logger.L().Info("job started",
		zap.String("job_id", jobID.String()),
		zap.String("tenant_id", job.TenantID),
		zap.String("kind", string(job.Kind)),
		zap.Int("attempt", attempt),
	)

	start := time.Now()
	result, rolledBack, execErr := h.execute(ctx, &job)
	metrics.JobDuration.WithLabelValues(string(job.Kind)).Observe(time.Since(start).Seconds())

	if execErr == nil {
		if err := h.jobRepo.Finalize(ctx, jobID, models.JobCompleted, result, "", rolledBack); err != nil {
			return err
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Kind), "completed").Inc()
		logger.L().Info("job completed", zap.String("job_id", jobID.String()))
		return h.report(ctx, &job, true, rolledBack, "")
	}

	if appErr.IsTransient(execErr) && attempt < job.MaxAttempts {
		if err := h.jobRepo.Release(ctx, jobID, execErr.Error()); err != nil {
			return err
		}
		delay := h.retryBase << (attempt - 1)
		metrics.JobRetries.WithLabelValues(string(job.Kind)).Inc()
		logger.L().Warn("job attempt failed, retrying",
			zap.String("job_id", jobID.String()),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(execErr),
		)
		return h.dispatcher.Dispatch(ctx, jobID, delay)
	}

	if err := h.jobRepo.Finalize(ctx, jobID, models.JobFailed, result, execErr.Error(), rolledBack); err != nil {
		return err
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), "failed").Inc()
	logger.L().Error("job failed",
		zap.String("job_id", jobID.String()),
		zap.String("tenant_id", job.TenantID),
		zap.Int("attempts", attempt),
		zap.Error(execErr),
	)

	if job.Kind == models.JobProvision {
		if err := h.tenantRepo.UpdateDeployStatus(ctx, job.TenantID, models.DeployFailed); err != nil {
			logger.L().Error("mark deploy failed", zap.Error(err))
		}
	}
	return h.report(ctx, &job, false, rolledBack, execErr.Error())
}

func (h *DeployTaskHandler) execute(ctx context.Context, job *models.DeploymentJob) (string, bool, error) {
	switch job.Kind {
	case models.JobProvision:
		var p models.ProvisionPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return "", false, appErr.Wrap(err, appErr.CodeInvalid, "malformed provision payload")
		}
		res, err := h.executor.Provision(ctx, job.TenantID, p.Plan)
		return output(res), false, err

	case models.JobUpgrade:
		var p models.UpgradePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return "", false, appErr.Wrap(err, appErr.CodeInvalid, "malformed upgrade payload")
		}
		res, err := h.executor.Upgrade(ctx, job.TenantID, p.Component, p.Version,
			services.UpgradeOptions{DryRun: p.DryRun, Force: p.Force})
		rolledBack := res != nil && res.RolledBack
		return output(res), rolledBack, err

	case models.JobDeprovision:
		res, err := h.executor.Deprovision(ctx, job.TenantID)
		return output(res), false, err

	case models.JobRollback:
		var p models.UpgradePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return "", false, appErr.Wrap(err, appErr.CodeInvalid, "malformed rollback payload")
		}
		res, err := h.executor.Rollback(ctx, job.TenantID, p.Component)
		return output(res), false, err
	}
	return "", false, appErr.New(appErr.CodeInvalid, "unknown job kind")
}

// report runs the post-terminal callbacks and records their completion on the
// job row. Returning a callback error would make asynq archive the task under
// MaxRetry(0), losing run counters or the tombstone transition for good; a
// re-dispatch lands back in the terminal branch above and replays instead.
func (h *DeployTaskHandler) report(ctx context.Context, job *models.DeploymentJob, succeeded, rolledBack bool, errText string) error {
	if err := h.afterFinish(ctx, job, succeeded, rolledBack, errText); err != nil {
		logger.L().Warn("post-terminal callbacks failed, redelivering",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return h.dispatcher.Dispatch(ctx, job.ID, busyRequeueDelay)
	}
	if err := h.jobRepo.MarkReported(ctx, job.ID); err != nil {
		logger.L().Error("mark job reported failed",
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
	}
	return nil
}

// afterFinish runs post-terminal callbacks: tombstoning a deprovisioned tenant
// and reporting rollout progress.
func (h *DeployTaskHandler) afterFinish(ctx context.Context, job *models.DeploymentJob, succeeded, rolledBack bool, errText string) error {
	if job.Kind == models.JobDeprovision && succeeded {
		if err := h.lifecycle.OnDeprovisioned(ctx, job.TenantID); err != nil {
			return err
		}
	}
	if job.RunID != nil {
		if err := h.upgrades.OnJobFinished(ctx, job, succeeded, rolledBack, errText); err != nil {
			return err
		}
	}
	return nil
}

func output(res *services.ExecResult) string {
	if res == nil {
		return ""
	}
	return res.Output
}
