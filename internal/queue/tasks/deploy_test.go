package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stackplane/controlplane/internal/models"
	"github.com/stackplane/controlplane/internal/queue"
	"github.com/stackplane/controlplane/internal/services"
	appErr "github.com/stackplane/controlplane/pkg/errors"
)

const testRetryBase = 100 * time.Millisecond

type deployFixture struct {
	jobRepo    *mockJobRepository
	tenantRepo *mockTenantRepository
	dispatcher *mockDispatcher
	executor   *mockExecutorService
	lifecycle  *mockLifecycleService
	upgrades   *mockUpgradeService
	handler    *DeployTaskHandler
}

func newDeployFixture() *deployFixture {
	f := &deployFixture{
		jobRepo:    &mockJobRepository{},
		tenantRepo: &mockTenantRepository{},
		dispatcher: &mockDispatcher{},
		executor:   &mockExecutorService{},
		lifecycle:  &mockLifecycleService{},
		upgrades:   &mockUpgradeService{},
	}
	f.handler = NewDeployTaskHandler(f.jobRepo, f.tenantRepo, f.dispatcher, f.executor, f.lifecycle, f.upgrades, testRetryBase)
	return f
}

func deployTask(t *testing.T, jobID uuid.UUID) *asynq.Task {
	t.Helper()
	pb, err := json.Marshal(queue.TaskPayload{JobID: jobID.String()})
	require.NoError(t, err)
	return asynq.NewTask(queue.TaskTypeDeploy, pb)
}

func upgradeJob(jobID uuid.UUID) *models.DeploymentJob {
	return &models.DeploymentJob{
		ID:          jobID,
		TenantID:    "t1",
		Kind:        models.JobUpgrade,
		Payload:     []byte(`{"component":"app","version":"2.0.0"}`),
		State:       models.JobWaiting,
		MaxAttempts: 3,
	}
}

func TestHandleDeploy_ClaimMiss(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	job := upgradeJob(jobID)

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()
	f.jobRepo.On("Claim", mock.Anything, jobID).Return(false, nil).Once()
	f.dispatcher.On("Dispatch", mock.Anything, jobID, busyRequeueDelay).Return(nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	f.executor.AssertNotCalled(t, "Upgrade", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	mock.AssertExpectationsForObjects(t, f.jobRepo, f.dispatcher)
}

func TestHandleDeploy_TerminalJobDropped(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	job := upgradeJob(jobID)
	job.State = models.JobCanceled

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	f.jobRepo.AssertNotCalled(t, "Claim", mock.Anything, mock.Anything)
	f.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDeploy_UnknownJobDropped(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).
		Return(appErr.New(appErr.CodeNotFound, "job not found"), nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	f.jobRepo.AssertNotCalled(t, "Claim", mock.Anything, mock.Anything)
}

func TestHandleDeploy_DeferredJobRedispatched(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	job := upgradeJob(jobID)
	runAt := time.Now().UTC().Add(time.Hour)
	job.RunAt = &runAt

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()
	f.dispatcher.On("Dispatch", mock.Anything, jobID, mock.MatchedBy(func(d time.Duration) bool {
		return d > 55*time.Minute && d <= time.Hour
	})).Return(nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	f.jobRepo.AssertNotCalled(t, "Claim", mock.Anything, mock.Anything)
	mock.AssertExpectationsForObjects(t, f.dispatcher)
}

func TestHandleDeploy_UpgradeSuccessReportsToRun(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	runID := uuid.New()
	job := upgradeJob(jobID)
	job.RunID = &runID

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()
	f.jobRepo.On("Claim", mock.Anything, jobID).Return(true, nil).Once()
	f.executor.On("Upgrade", mock.Anything, "t1", "app", "2.0.0", services.UpgradeOptions{}).
		Return(&services.ExecResult{Succeeded: true, Output: "upgraded"}, nil).Once()
	f.jobRepo.On("Finalize", mock.Anything, jobID, models.JobCompleted, "upgraded", "", false).Return(nil).Once()
	f.upgrades.On("OnJobFinished", mock.Anything, mock.Anything, true, false, "").Return(nil).Once()
	f.jobRepo.On("MarkReported", mock.Anything, jobID).Return(nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	mock.AssertExpectationsForObjects(t, f.jobRepo, f.executor, f.upgrades)
}

func TestHandleDeploy_TransientFailureRetriesWithBackoff(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	job := upgradeJob(jobID)
	job.Attempts = 1 // second attempt

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()
	f.jobRepo.On("Claim", mock.Anything, jobID).Return(true, nil).Once()
	f.executor.On("Upgrade", mock.Anything, "t1", "app", "2.0.0", services.UpgradeOptions{}).
		Return(nil, appErr.New(appErr.CodeUnavailable, "provisioner down")).Once()
	f.jobRepo.On("Release", mock.Anything, jobID, mock.Anything).Return(nil).Once()
	f.dispatcher.On("Dispatch", mock.Anything, jobID, testRetryBase<<1).Return(nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	f.jobRepo.AssertNotCalled(t, "Finalize", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	mock.AssertExpectationsForObjects(t, f.jobRepo, f.dispatcher)
}

func TestHandleDeploy_AttemptCeilingFailsJob(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	job := upgradeJob(jobID)
	job.Attempts = 2 // final attempt of 3

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()
	f.jobRepo.On("Claim", mock.Anything, jobID).Return(true, nil).Once()
	f.executor.On("Upgrade", mock.Anything, "t1", "app", "2.0.0", services.UpgradeOptions{}).
		Return(nil, appErr.New(appErr.CodeUnavailable, "provisioner down")).Once()
	f.jobRepo.On("Finalize", mock.Anything, jobID, models.JobFailed, "", "provisioner down", false).Return(nil).Once()
	f.jobRepo.On("MarkReported", mock.Anything, jobID).Return(nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	f.jobRepo.AssertNotCalled(t, "Release", mock.Anything, mock.Anything, mock.Anything)
	f.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDeploy_PermanentFailureSkipsRetry(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	job := upgradeJob(jobID)

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()
	f.jobRepo.On("Claim", mock.Anything, jobID).Return(true, nil).Once()
	f.executor.On("Upgrade", mock.Anything, "t1", "app", "2.0.0", services.UpgradeOptions{}).
		Return(nil, appErr.New(appErr.CodeInvalid, "bad chart values")).Once()
	f.jobRepo.On("Finalize", mock.Anything, jobID, models.JobFailed, "", "bad chart values", false).Return(nil).Once()
	f.jobRepo.On("MarkReported", mock.Anything, jobID).Return(nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	f.dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDeploy_ProvisionFailureMarksTenant(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	job := &models.DeploymentJob{
		ID:          jobID,
		TenantID:    "t1",
		Kind:        models.JobProvision,
		Payload:     []byte(`{"plan":"pro"}`),
		State:       models.JobWaiting,
		Attempts:    2,
		MaxAttempts: 3,
	}

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()
	f.jobRepo.On("Claim", mock.Anything, jobID).Return(true, nil).Once()
	f.executor.On("Provision", mock.Anything, "t1", "pro").
		Return(nil, appErr.New(appErr.CodeUnavailable, "cluster unreachable")).Once()
	f.jobRepo.On("Finalize", mock.Anything, jobID, models.JobFailed, "", "cluster unreachable", false).Return(nil).Once()
	f.jobRepo.On("MarkReported", mock.Anything, jobID).Return(nil).Once()
	f.tenantRepo.On("UpdateDeployStatus", mock.Anything, "t1", models.DeployFailed).Return(nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	mock.AssertExpectationsForObjects(t, f.tenantRepo)
}

func TestHandleDeploy_DeprovisionSuccessTombstonesTenant(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	job := &models.DeploymentJob{
		ID:          jobID,
		TenantID:    "t1",
		Kind:        models.JobDeprovision,
		Payload:     []byte(`{"reason":"subscription deleted"}`),
		State:       models.JobWaiting,
		MaxAttempts: 3,
	}

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()
	f.jobRepo.On("Claim", mock.Anything, jobID).Return(true, nil).Once()
	f.executor.On("Deprovision", mock.Anything, "t1").
		Return(&services.ExecResult{Succeeded: true}, nil).Once()
	f.jobRepo.On("Finalize", mock.Anything, jobID, models.JobCompleted, "", "", false).Return(nil).Once()
	f.lifecycle.On("OnDeprovisioned", mock.Anything, "t1").Return(nil).Once()
	f.jobRepo.On("MarkReported", mock.Anything, jobID).Return(nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	mock.AssertExpectationsForObjects(t, f.jobRepo, f.executor, f.lifecycle)
}

func TestHandleDeploy_CallbackFailureRedelivers(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	runID := uuid.New()
	job := upgradeJob(jobID)
	job.RunID = &runID

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()
	f.jobRepo.On("Claim", mock.Anything, jobID).Return(true, nil).Once()
	f.executor.On("Upgrade", mock.Anything, "t1", "app", "2.0.0", services.UpgradeOptions{}).
		Return(&services.ExecResult{Succeeded: true}, nil).Once()
	f.jobRepo.On("Finalize", mock.Anything, jobID, models.JobCompleted, "", "", false).Return(nil).Once()
	f.upgrades.On("OnJobFinished", mock.Anything, mock.Anything, true, false, "").
		Return(appErr.New(appErr.CodeUnavailable, "run row unreachable")).Once()
	f.dispatcher.On("Dispatch", mock.Anything, jobID, busyRequeueDelay).Return(nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	f.jobRepo.AssertNotCalled(t, "MarkReported", mock.Anything, mock.Anything)
	mock.AssertExpectationsForObjects(t, f.jobRepo, f.dispatcher, f.upgrades)
}

func TestHandleDeploy_FinishedJobReplaysCallbacks(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	runID := uuid.New()
	job := upgradeJob(jobID)
	job.RunID = &runID
	job.State = models.JobCompleted

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()
	f.upgrades.On("OnJobFinished", mock.Anything, mock.Anything, true, false, "").Return(nil).Once()
	f.jobRepo.On("MarkReported", mock.Anything, jobID).Return(nil).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	f.jobRepo.AssertNotCalled(t, "Claim", mock.Anything, mock.Anything)
	f.executor.AssertNotCalled(t, "Upgrade", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	mock.AssertExpectationsForObjects(t, f.jobRepo, f.upgrades)
}

func TestHandleDeploy_ReportedJobDropped(t *testing.T) {
	f := newDeployFixture()
	jobID := uuid.New()
	runID := uuid.New()
	job := upgradeJob(jobID)
	job.RunID = &runID
	job.State = models.JobCompleted
	job.Reported = true

	f.jobRepo.On("GetByID", mock.Anything, jobID, &models.DeploymentJob{}).Return(nil, job).Once()

	require.NoError(t, f.handler.HandleDeploy(context.Background(), deployTask(t, jobID)))
	f.upgrades.AssertNotCalled(t, "OnJobFinished", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.jobRepo.AssertNotCalled(t, "MarkReported", mock.Anything, mock.Anything)
}
