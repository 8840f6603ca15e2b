package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"afiss_backend/internal/archive"
	"afiss_backend/internal/bootstrap"
	calsvc "afiss_backend/internal/calibration/service"
	"afiss_backend/internal/events"
	factorsvc "afiss_backend/internal/factors/service"
	"afiss_backend/internal/scheduler"
	"afiss_backend/platform/config"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The api process owns migrations.
	stores, err := bootstrap.OpenStores(ctx, cfg, log, false)
	if err != nil {
		log.Error("failed to open stores", "error", err)
		panic("failed to open stores: " + err.Error())
	}
	defer stores.Close()
	if cfg.GetStorageDriver() == config.StorageDriverMemory {
		log.Warn("scheduler running on the memory driver; cycles only see this process's state")
	}

	locker, err := bootstrap.NewLocker(cfg, log)
	if err != nil {
		log.Error("failed to initialize calibration lock", "error", err)
		panic("failed to initialize calibration lock: " + err.Error())
	}

	eventBus := events.NewInMemoryBus(log)

	registry := factorsvc.New(stores.Factors, eventBus, log, cfg.GetMaxWeightRetries())
	calibration := calsvc.New(stores.Cycles, stores.Ledger, registry, locker, eventBus, log, calsvc.Config{
		MinSampleSize:    cfg.GetMinSampleSize(),
		BaseLearningRate: cfg.GetBaseLearningRate(),
		MaxStep:          cfg.GetMaxStep(),
		LockTTL:          cfg.GetCalibrationLockTTL(),
		StaleAfter:       cfg.GetCalibrationStaleAfter(),
	})

	// Cycles run by the worker are archived from this process.
	if cfg.IsMinIOEnabled() {
		store, err := storage.NewMinIOService(cfg)
		if err != nil {
			log.Error("failed to initialize storage service", "error", err)
			panic("failed to initialize storage service: " + err.Error())
		}
		bucket := cfg.GetMinioBucketCalibrationSnapshots()
		if err := bootstrap.WithRetry(ctx, log, "ensure calibration-snapshots bucket", 5, 2*time.Second, func() error {
			return store.EnsureBucketExists(ctx, bucket)
		}); err != nil {
			log.Error("failed to ensure storage bucket exists", "error", err, "bucket", bucket)
			panic("failed to ensure storage bucket exists: " + err.Error())
		}
		archive.NewModule(archive.New(store, bucket, calibration, registry, log)).RegisterHandlers(eventBus)
	} else {
		log.Warn("MINIO_ENDPOINT not configured; calibration snapshots disabled")
	}

	staleAfter := cfg.GetCalibrationStaleAfter()
	watchdog := scheduler.NewCycleWatchdog(calibration, log, watchdogInterval(staleAfter), staleAfter)
	go watchdog.Run(ctx)

	if strings.TrimSpace(cfg.GetCalibrationCron()) != "" {
		cron, err := scheduler.NewScheduler(cfg, log)
		if err != nil {
			log.Error("failed to initialize calibration cron", "error", err)
			panic("failed to initialize calibration cron: " + err.Error())
		}
		entryID, err := cron.Register()
		if err != nil {
			log.Error("failed to register calibration cron", "error", err)
			panic("failed to register calibration cron: " + err.Error())
		}
		log.Info("calibration cron registered", "spec", cfg.GetCalibrationCron(), "entryId", entryID)
		go cron.Run(ctx)
	}

	worker, err := scheduler.NewWorker(cfg, calibration, log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	worker.Run(ctx)
}

// watchdogInterval sweeps a few times per stale window, never more often
// than once a minute.
func watchdogInterval(staleAfter time.Duration) time.Duration {
	interval := staleAfter / 3
	if interval < time.Minute {
		return time.Minute
	}
	return interval
}
