// Package bootstrap builds the infrastructure shared by the api and scheduler
// binaries: stores, vector index, embedder and the calibration lock.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	calrepo "afiss_backend/internal/calibration/repository"
	"afiss_backend/internal/embeddings/embedder"
	"afiss_backend/internal/embeddings/index"
	factorrepo "afiss_backend/internal/factors/repository"
	apphttp "afiss_backend/internal/http"
	ledgerrepo "afiss_backend/internal/ledger/repository"
	"afiss_backend/migrations"
	"afiss_backend/platform/ai/embeddings"
	"afiss_backend/platform/ai/gemini"
	"afiss_backend/platform/config"
	"afiss_backend/platform/db"
	"afiss_backend/platform/lock"
	"afiss_backend/platform/logger"
	"afiss_backend/platform/qdrant"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	retryAttempts  = 5
	retryBaseDelay = 2 * time.Second
)

// Stores holds the repositories selected by STORAGE_DRIVER.
type Stores struct {
	Factors factorrepo.Repository
	Ledger  ledgerrepo.Repository
	Cycles  calrepo.Repository
	Health  apphttp.HealthChecker

	// Pool is nil for the memory driver.
	Pool *pgxpool.Pool
}

// Close releases the database pool, if any.
func (s *Stores) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OpenStores connects to Postgres and applies migrations, or returns
// in-memory repositories for the memory driver.
func OpenStores(ctx context.Context, cfg *config.Config, log *logger.Logger, migrate bool) (*Stores, error) {
	if cfg.GetStorageDriver() == config.StorageDriverMemory {
		log.Warn("using in-memory storage; state is lost on restart")
		return &Stores{
			Factors: factorrepo.NewMemory(),
			Ledger:  ledgerrepo.NewMemory(),
			Cycles:  calrepo.NewMemory(),
			Health:  db.NopHealth{},
		}, nil
	}

	var pool *pgxpool.Pool
	if err := WithRetry(ctx, log, "database connection", retryAttempts, retryBaseDelay, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	log.Info("database connection established")

	if migrate {
		if err := WithRetry(ctx, log, "database migrations", retryAttempts, retryBaseDelay, func() error {
			return db.RunMigrations(ctx, pool, migrations.FS)
		}); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run database migrations: %w", err)
		}
		log.Info("database migrations complete")
	}

	return &Stores{
		Factors: factorrepo.New(pool),
		Ledger:  ledgerrepo.New(pool),
		Cycles:  calrepo.New(pool),
		Health:  db.NewPoolAdapter(pool),
		Pool:    pool,
	}, nil
}

// NewIndex selects the vector index: Qdrant when configured, otherwise the
// in-memory LSH index, persisted to Postgres when a pool is available.
func NewIndex(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, log *logger.Logger) (index.Index, error) {
	dim := cfg.GetEmbeddingDimension()

	if cfg.IsQdrantEnabled() {
		client := qdrant.NewClient(qdrant.Config{
			BaseURL:    cfg.GetQdrantURL(),
			APIKey:     cfg.GetQdrantAPIKey(),
			Collection: cfg.GetQdrantCollection(),
		})
		if err := WithRetry(ctx, log, "ensure qdrant collection", retryAttempts, retryBaseDelay, func() error {
			return client.EnsureCollection(ctx, dim)
		}); err != nil {
			return nil, fmt.Errorf("ensure qdrant collection: %w", err)
		}
		log.Info("vector index initialized", "backend", "qdrant", "collection", cfg.GetQdrantCollection())
		return index.NewQdrant(client, dim), nil
	}

	memory := index.NewMemory(dim, index.DefaultLSHConfig)
	if pool == nil {
		log.Info("vector index initialized", "backend", "memory")
		return memory, nil
	}

	persistent := index.NewPersistent(pool, memory)
	loaded, skipped, err := persistent.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load embedding records: %w", err)
	}
	log.Info("vector index initialized", "backend", "postgres", "loaded", loaded, "skipped", skipped)
	return persistent, nil
}

// NewEmbedder selects the embedding provider and bounds it with the
// configured timeout and dimension. An unconfigured provider yields an
// embedder that always reports EMBEDDING_UNAVAILABLE.
func NewEmbedder(ctx context.Context, cfg *config.Config, log *logger.Logger) (*embedder.Guarded, error) {
	var inner embedder.Embedder = embedder.Disabled{}

	switch {
	case !cfg.IsEmbeddingEnabled():
		log.Warn("embedding provider not configured; assessments use rules only", "provider", cfg.GetEmbeddingProvider())
	case cfg.GetEmbeddingProvider() == config.EmbeddingProviderGemini:
		g, err := gemini.NewEmbedder(ctx, gemini.Config{
			APIKey:    cfg.GetGeminiAPIKey(),
			Model:     cfg.GetGeminiEmbeddingModel(),
			Dimension: cfg.GetEmbeddingDimension(),
		})
		if err != nil {
			return nil, err
		}
		inner = g
		log.Info("embedding provider initialized", "provider", "gemini", "model", cfg.GetGeminiEmbeddingModel())
	default:
		inner = embeddings.NewClient(embeddings.Config{
			BaseURL: cfg.GetEmbeddingAPIURL(),
			APIKey:  cfg.GetEmbeddingAPIKey(),
			Timeout: cfg.GetEmbedTimeout(),
		})
		log.Info("embedding provider initialized", "provider", "http")
	}

	return embedder.NewGuarded(inner, cfg.GetEmbedTimeout(), cfg.GetEmbeddingDimension()), nil
}

// NewLocker returns a Redis lock when REDIS_URL is set so that the api and
// scheduler processes exclude each other; otherwise a process-local lock.
func NewLocker(cfg config.SchedulerConfig, log *logger.Logger) (lock.Locker, error) {
	if cfg.GetRedisURL() == "" {
		log.Warn("REDIS_URL not set; calibration lock is process-local")
		return lock.NewLocalLocker(), nil
	}
	return lock.NewRedisLockerFromURL(cfg.GetRedisURL())
}

// WithRetry calls fn up to attempts times with quadratic backoff.
func WithRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
