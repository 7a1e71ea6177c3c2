package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/stackplane/controlplane/internal/api"
	"github.com/stackplane/controlplane/internal/api/handlers"
	"github.com/stackplane/controlplane/internal/license"
	"github.com/stackplane/controlplane/internal/provisioner/remote"
	"github.com/stackplane/controlplane/internal/queue"
	"github.com/stackplane/controlplane/internal/repository"
	"github.com/stackplane/controlplane/internal/services"
	"github.com/stackplane/controlplane/pkg/config"
	"github.com/stackplane/controlplane/pkg/database"
	"github.com/stackplane/controlplane/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting control plane API",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

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
	if cfg.LicensePrivateKey == "" && cfg.AppEnv == "production" {
		log.Fatal("LICENSE_PRIVATE_KEY is required in production")
	}
	issuer := license.NewIssuer(keys, cfg.LicenseTTL, auditRepo)

	dispatcher := queue.NewDispatcher(asynqClient)
	queueSvc := queue.NewService(jobRepo, dispatcher, cfg.JobMaxAttempts)

	prov := remote.NewClient(cfg.ProvisionerURL)
	executor := services.NewExecutorService(prov, tenantRepo, jobRepo, cfg.ProvisionTimeout)
	upgrades := services.NewUpgradeService(upgradeRepo, jobRepo, tenantRepo, executor, queueSvc)
	lifecycle := services.NewLifecycleService(tenantRepo, subRepo, eventRepo, issuer, queueSvc, cfg.DefaultRetentionDays)

	jwtSecret := []byte(cfg.JWTSecret)
	if len(jwtSecret) == 0 {
		log.Warn("JWT_SECRET not set, using default (INSECURE for production)")
		jwtSecret = []byte("change-me-in-production-please")
	}

	v := validator.New(validator.WithRequiredStructEnabled())

	router := api.NewRouter(api.Dependencies{
		HMACSecret:      jwtSecret,
		TenantsHandler:  handlers.NewTenantsHandler(tenantRepo, lifecycle, queueSvc, v),
		JobsHandler:     handlers.NewJobsHandler(queueSvc),
		RolloutsHandler: handlers.NewRolloutsHandler(upgrades, upgradeRepo, v),
		WebhooksHandler: handlers.NewWebhooksHandler([]byte(cfg.BillingWebhookSecret), lifecycle),
		LicensesHandler: handlers.NewLicensesHandler(issuer, tenantRepo, subRepo, auditRepo, v),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
