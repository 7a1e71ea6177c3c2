package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/repository"
	appErr "github.com/stackplane/controlplane/pkg/errors"
	"github.com/stackplane/controlplane/pkg/logger"
)

// TaskTypeDeploy is the single asynq task type; the job row in Postgres
// carries the kind and payload. Redis is dispatch plumbing, never the source
// of truth.
const TaskTypeDeploy = "deploy:job"

// TaskPayload is the asynq payload: just a pointer into the job table.
type TaskPayload struct {
	JobID string `json:"job_id"`
}

// Dispatcher hands a job id to the worker pool after an optional delay.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID uuid.UUID, delay time.Duration) error
}

type asynqDispatcher struct {
	client *asynq.Client
}

// NewDispatcher wraps an asynq client. Asynq-level retries are disabled; the
// queue service owns the attempt ceiling and backoff through the job row.
func NewDispatcher(client *asynq.Client) Dispatcher {
	return &asynqDispatcher{client: client}
}

func (d *asynqDispatcher) Dispatch(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	pb, err := json.Marshal(TaskPayload{JobID: jobID.String()})
	if err != nil {
		return appErr.Wrap(err, appErr.CodeInternal, "marshal task payload failed")
	}
	task := asynq.NewTask(TaskTypeDeploy, pb)
	opts := []asynq.Option{asynq.MaxRetry(0)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	if _, err := d.client.EnqueueContext(ctx, task, opts...); err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "enqueue task failed")
	}
	return nil
}

// EnqueueOption tunes a single enqueue.
type EnqueueOption func(*models.DeploymentJob)

// WithRunAt defers the job until the given time (scheduled deletions).
func WithRunAt(at time.Time) EnqueueOption {
	return func(j *models.DeploymentJob) { j.RunAt = &at }
}

// WithRun ties the job to an upgrade run and batch index.
func WithRun(runID uuid.UUID, batch int) EnqueueOption {
	return func(j *models.DeploymentJob) {
		id := runID
		j.RunID = &id
		j.Batch = batch
	}
}

// WithMaxAttempts overrides the configured attempt ceiling.
func WithMaxAttempts(n int) EnqueueOption {
	return func(j *models.DeploymentJob) { j.MaxAttempts = n }
}

// Service is the durable job queue contract: enqueue, observe by polling,
// cancel before execution. Jobs for one tenant execute strictly in enqueue
// order; the claim discipline lives in the job repository.
type Service interface {
	Enqueue(ctx context.Context, tenantID string, kind models.JobKind, payload interface{}, opts ...EnqueueOption) (uuid.UUID, error)
	GetStatus(ctx context.Context, jobID uuid.UUID) (*models.DeploymentJob, error)
	ListByTenant(ctx context.Context, tenantID string) ([]models.DeploymentJob, error)
	Cancel(ctx context.Context, jobID uuid.UUID) error
}

type service struct {
	jobRepo     repository.JobRepository
	dispatcher  Dispatcher
	maxAttempts int
}

func NewService(jobRepo repository.JobRepository, dispatcher Dispatcher, maxAttempts int) Service {
	return &service{jobRepo: jobRepo, dispatcher: dispatcher, maxAttempts: maxAttempts}
}

func (s *service) Enqueue(ctx context.Context, tenantID string, kind models.JobKind, payload interface{}, opts ...EnqueueOption) (uuid.UUID, error) {
	pb, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, appErr.Wrap(err, appErr.CodeInvalid, "marshal job payload failed")
	}

	job := &models.DeploymentJob{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Kind:        kind,
		Payload:     pb,
		State:       models.JobWaiting,
		MaxAttempts: s.maxAttempts,
	}
	for _, opt := range opts {
		opt(job)
	}

	if err := s.jobRepo.Create(ctx, job); err != nil {
		return uuid.Nil, err
	}

	var delay time.Duration
	if job.RunAt != nil {
		delay = time.Until(*job.RunAt)
	}
	if err := s.dispatcher.Dispatch(ctx, job.ID, delay); err != nil {
		// The row survives; a sweeper or manual re-dispatch can pick it up.
		logger.L().Error("dispatch failed after job create",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return job.ID, err
	}

	logger.L().Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("tenant_id", tenantID),
		zap.String("kind", string(kind)),
	)
	return job.ID, nil
}

func (s *service) GetStatus(ctx context.Context, jobID uuid.UUID) (*models.DeploymentJob, error) {
	var job models.DeploymentJob
	if err := s.jobRepo.GetByID(ctx, jobID, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *service) ListByTenant(ctx context.Context, tenantID string) ([]models.DeploymentJob, error) {
	return s.jobRepo.ListByTenant(ctx, tenantID)
}

func (s *service) Cancel(ctx context.Context, jobID uuid.UUID) error {
	if err := s.jobRepo.Cancel(ctx, jobID); err != nil {
		return err
	}
	logger.L().Info("job canceled", zap.String("job_id", jobID.String()))
	return nil
}
