package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"afiss_backend/internal/archive"
	"afiss_backend/internal/assessment"
	assessmentsvc "afiss_backend/internal/assessment/service"
	"afiss_backend/internal/bootstrap"
	"afiss_backend/internal/calibration"
	calhandler "afiss_backend/internal/calibration/handler"
	calsvc "afiss_backend/internal/calibration/service"
	"afiss_backend/internal/embeddings"
	"afiss_backend/internal/events"
	"afiss_backend/internal/factors"
	"afiss_backend/internal/factors/catalogue"
	apphttp "afiss_backend/internal/http"
	"afiss_backend/internal/http/router"
	"afiss_backend/internal/ledger"
	"afiss_backend/internal/scheduler"
	"afiss_backend/platform/config"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/storage"
	"afiss_backend/platform/validator"
)

const shutdownTimeout = 10 * time.Second

// ensureBucket wraps the retry logic for verifying a MinIO bucket exists.
func ensureBucket(ctx context.Context, log *logger.Logger, store storage.ObjectStore, name, bucket string) {
	if err := bootstrap.WithRetry(ctx, log, "ensure "+name+" bucket", 5, 2*time.Second, func() error {
		return store.EnsureBucketExists(ctx, bucket)
	}); err != nil {
		log.Error("failed to ensure storage bucket exists", "error", err, "bucket", bucket)
		panic("failed to ensure storage bucket exists: " + err.Error())
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr, "storage", cfg.GetStorageDriver())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	stores, err := bootstrap.OpenStores(ctx, cfg, log, true)
	if err != nil {
		log.Error("failed to open stores", "error", err)
		panic("failed to open stores: " + err.Error())
	}
	defer stores.Close()

	idx, err := bootstrap.NewIndex(ctx, cfg, stores.Pool, log)
	if err != nil {
		log.Error("failed to initialize vector index", "error", err)
		panic("failed to initialize vector index: " + err.Error())
	}

	emb, err := bootstrap.NewEmbedder(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize embedder", "error", err)
		panic("failed to initialize embedder: " + err.Error())
	}

	locker, err := bootstrap.NewLocker(cfg, log)
	if err != nil {
		log.Error("failed to initialize calibration lock", "error", err)
		panic("failed to initialize calibration lock: " + err.Error())
	}

	var store storage.ObjectStore = storage.NewMemoryStore()
	if cfg.IsMinIOEnabled() {
		minioSvc, err := storage.NewMinIOService(cfg)
		if err != nil {
			log.Error("failed to initialize storage service", "error", err)
			panic("failed to initialize storage service: " + err.Error())
		}
		store = minioSvc
	} else {
		log.Warn("MINIO_ENDPOINT not set; calibration snapshots are kept in memory")
	}
	ensureBucket(ctx, log, store, "calibration-snapshots", cfg.GetMinioBucketCalibrationSnapshots())

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	// Shared validator instance for dependency injection
	val := validator.New()

	enqueuer, closeEnqueuer := initCycleEnqueuer(cfg, log)
	if closeEnqueuer != nil {
		defer closeEnqueuer()
	}

	// ========================================================================
	// Domain Modules (Composition Root)
	// ========================================================================

	factorsModule := factors.NewModule(stores.Factors, eventBus, val, log, cfg.GetMaxWeightRetries())
	ledgerModule := ledger.NewModule(stores.Ledger, eventBus, val, log)

	embeddingsModule := embeddings.NewModule(idx, emb, factorsModule.Service(), val, log)

	assessmentModule := assessment.NewModule(
		factorsModule.Service(),
		emb,
		idx,
		ledgerModule.Service(),
		eventBus,
		val,
		log,
		assessmentsvc.Config{
			TriggerThreshold: cfg.GetTriggerThreshold(),
			KCandidates:      cfg.GetKCandidates(),
			EmbedTimeout:     cfg.GetEmbedTimeout(),
			RegistryTimeout:  cfg.GetRegistryTimeout(),
			DomainWeights:    cfg.GetDomainWeights(),
		},
	)

	calibrationModule := calibration.NewModule(
		stores.Cycles,
		stores.Ledger,
		factorsModule.Service(),
		locker,
		enqueuer,
		eventBus,
		val,
		log,
		calsvc.Config{
			MinSampleSize:    cfg.GetMinSampleSize(),
			BaseLearningRate: cfg.GetBaseLearningRate(),
			MaxStep:          cfg.GetMaxStep(),
			LockTTL:          cfg.GetCalibrationLockTTL(),
			StaleAfter:       cfg.GetCalibrationStaleAfter(),
		},
	)

	archiveModule := archive.NewModule(archive.New(
		store,
		cfg.GetMinioBucketCalibrationSnapshots(),
		calibrationModule.Service(),
		factorsModule.Service(),
		log,
	))

	// The memory driver starts empty; give it the default catalogue so the
	// engine has factors to assess against.
	if cfg.GetStorageDriver() == config.StorageDriverMemory {
		seedDefaultCatalogue(ctx, log, factorsModule.Service(), embeddingsModule.Service())
	}

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   stores.Health,
		EventBus: eventBus,
		Modules: []apphttp.Module{
			factorsModule,
			embeddingsModule,
			ledgerModule,
			assessmentModule,
			calibrationModule,
			archiveModule,
		},
	}

	engine := router.New(app)
	srv := &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.GetHTTPAddr())
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

// initCycleEnqueuer returns the asynq client used by POST
// /calibration/cycles?async=true, or nil when Redis is not configured.
func initCycleEnqueuer(cfg config.SchedulerConfig, log *logger.Logger) (calhandler.Enqueuer, func()) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not configured; asynchronous calibration disabled")
		return nil, nil
	}

	client, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize calibration task client", "error", err)
		return nil, nil
	}

	return client, func() {
		_ = client.Close()
	}
}

func seedDefaultCatalogue(ctx context.Context, log *logger.Logger, registry bootstrap.FactorUpserter, indexer bootstrap.FactorIndexer) {
	defs, err := catalogue.Default()
	if err != nil {
		log.Error("failed to read default factor catalogue", "error", err)
		panic("failed to read default factor catalogue: " + err.Error())
	}
	res, err := bootstrap.SeedCatalogue(ctx, defs, registry, indexer, log)
	if err != nil {
		log.Error("failed to seed factor catalogue", "error", err)
		panic("failed to seed factor catalogue: " + err.Error())
	}
	log.Info("factor catalogue seeded", "factors", res.Upserted, "indexed", res.Indexed)
}
