package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stackplane/controlplane/pkg/config"
	"github.com/stackplane/controlplane/pkg/database"
	"github.com/stackplane/controlplane/pkg/logger"

	"github.com/stackplane/controlplane/internal/license"
	"github.com/stackplane/controlplane/internal/provisioner/remote"
	"github.com/stackplane/controlplane/internal/queue"
	"github.com/stackplane/controlplane/internal/queue/tasks"
	"github.com/stackplane/controlplane/internal/repository"
	"github.com/stackplane/controlplane/internal/services"
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer asynqClient.Close()

	tenantRepo := repository.NewTenantRepository(db)
	jobRepo := repository.NewJobRepository(db)
	subRepo := repository.NewSubscriptionRepository(db)
	upgradeRepo := repository.NewUpgradeRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	eventRepo := repository.NewEventRepository(db)

	keys, err := license.LoadKeyPair(cfg.LicensePrivateKey)
	if err != nil {
		log.Fatal("license key load failed", zap.Error(err))
	}
	issuer := license.NewIssuer(keys, cfg.LicenseTTL, auditRepo)

	dispatcher := queue.NewDispatcher(asynqClient)
	queueSvc := queue.NewService(jobRepo, dispatcher, cfg.JobMaxAttempts)

	prov := remote.NewClient(cfg.ProvisionerURL)
	executor := services.NewExecutorService(prov, tenantRepo, jobRepo, cfg.ProvisionTimeout)
	upgrades := services.NewUpgradeService(upgradeRepo, jobRepo, tenantRepo, executor, queueSvc)
	lifecycle := services.NewLifecycleService(tenantRepo, subRepo, eventRepo, issuer, queueSvc, cfg.DefaultRetentionDays)

	handler := tasks.NewDeployTaskHandler(jobRepo, tenantRepo, dispatcher, executor, lifecycle, upgrades, cfg.JobRetryBaseDelay)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskTypeDeploy, handler.HandleDeploy)

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       0,
		},
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
		},
	)

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.WorkerConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.L().Error("worker stopped with error", zap.Error(err))
	}

	// Allow in-flight tasks to finish gracefully
	srv.Shutdown()
}
