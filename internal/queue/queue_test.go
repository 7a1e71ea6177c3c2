package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stackplane/controlplane/internal/models"
	appErr "github.com/stackplane/controlplane/pkg/errors"
	"github.com/stackplane/controlplane/pkg/logger"
)

func TestMain(m *testing.M) {
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

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	args := m.Called(ctx, jobID, delay)
	return args.Error(0)
}

func TestService_Enqueue(t *testing.T) {
	t.Run("persists the row before dispatching", func(t *testing.T) {
		jobRepo := &mockJobRepository{}
		dispatcher := &mockDispatcher{}
		svc := NewService(jobRepo, dispatcher, 3)

		var created *models.DeploymentJob
		jobRepo.On("Create", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				created = args.Get(1).(*models.DeploymentJob)
			}).Return(nil).Once()
		dispatcher.On("Dispatch", mock.Anything, mock.Anything, time.Duration(0)).Return(nil).Once()

		jobID, err := svc.Enqueue(context.Background(), "t1", models.JobProvision, models.ProvisionPayload{Plan: "pro"})
		require.NoError(t, err)
		require.Equal(t, created.ID, jobID)
		require.Equal(t, models.JobWaiting, created.State)
		require.Equal(t, 3, created.MaxAttempts)
		require.JSONEq(t, `{"plan":"pro"}`, string(created.Payload))
		mock.AssertExpectationsForObjects(t, jobRepo, dispatcher)
	})

	t.Run("deferred jobs dispatch with the remaining delay", func(t *testing.T) {
		jobRepo := &mockJobRepository{}
		dispatcher := &mockDispatcher{}
		svc := NewService(jobRepo, dispatcher, 3)

		runAt := time.Now().UTC().Add(time.Hour)
		var created *models.DeploymentJob
		jobRepo.On("Create", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				created = args.Get(1).(*models.DeploymentJob)
			}).Return(nil).Once()
		dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.MatchedBy(func(d time.Duration) bool {
			return d > 55*time.Minute && d <= time.Hour
		})).Return(nil).Once()

		_, err := svc.Enqueue(context.Background(), "t1", models.JobDeprovision,
			models.DeprovisionPayload{Reason: "operator"}, WithRunAt(runAt))
		require.NoError(t, err)
		require.NotNil(t, created.RunAt)
		require.True(t, created.RunAt.Equal(runAt))
	})

	t.Run("run binding and attempt override options", func(t *testing.T) {
		jobRepo := &mockJobRepository{}
		dispatcher := &mockDispatcher{}
		svc := NewService(jobRepo, dispatcher, 3)

		runID := uuid.New()
		var created *models.DeploymentJob
		jobRepo.On("Create", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				created = args.Get(1).(*models.DeploymentJob)
			}).Return(nil).Once()
		dispatcher.On("Dispatch", mock.Anything, mock.Anything, time.Duration(0)).Return(nil).Once()

		_, err := svc.Enqueue(context.Background(), "t1", models.JobUpgrade,
			models.UpgradePayload{Component: "app", Version: "2.0.0"},
			WithRun(runID, 2), WithMaxAttempts(1))
		require.NoError(t, err)
		require.Equal(t, &runID, created.RunID)
		require.Equal(t, 2, created.Batch)
		require.Equal(t, 1, created.MaxAttempts)
	})

	t.Run("dispatch failure still returns the surviving job id", func(t *testing.T) {
		jobRepo := &mockJobRepository{}
		dispatcher := &mockDispatcher{}
		svc := NewService(jobRepo, dispatcher, 3)

		jobRepo.On("Create", mock.Anything, mock.Anything).Return(nil).Once()
		dispatcher.On("Dispatch", mock.Anything, mock.Anything, time.Duration(0)).
			Return(appErr.New(appErr.CodeUnavailable, "redis unreachable")).Once()

		jobID, err := svc.Enqueue(context.Background(), "t1", models.JobProvision, models.ProvisionPayload{Plan: "pro"})
		require.Error(t, err)
		require.NotEqual(t, uuid.Nil, jobID)
	})
}
