// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers supported by STORAGE_DRIVER.
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Embedding providers supported by EMBEDDING_PROVIDER.
const (
	EmbeddingProviderHTTP   = "http"
	EmbeddingProviderGemini = "gemini"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// StorageConfig selects the persistence backend.
type StorageConfig interface {
	GetStorageDriver() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// SchedulerConfig provides settings for asynq and the calibration schedule.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
	GetCalibrationCron() string
}

// MinIOConfig provides settings for MinIO S3-compatible storage.
type MinIOConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	GetMinioBucketCalibrationSnapshots() string
	IsMinIOEnabled() bool
}

// QdrantConfig provides settings for Qdrant vector database.
type QdrantConfig interface {
	GetQdrantURL() string
	GetQdrantAPIKey() string
	GetQdrantCollection() string
	IsQdrantEnabled() bool
}

// EmbeddingConfig provides settings for the embedding producer.
type EmbeddingConfig interface {
	GetEmbeddingProvider() string
	GetEmbeddingAPIURL() string
	GetEmbeddingAPIKey() string
	GetGeminiAPIKey() string
	GetGeminiEmbeddingModel() string
	GetEmbeddingDimension() int
	IsEmbeddingEnabled() bool
}

// AssessmentConfig provides the tunables of the assessment engine.
type AssessmentConfig interface {
	GetTriggerThreshold() float64
	GetKCandidates() int
	GetEmbedTimeout() time.Duration
	GetRegistryTimeout() time.Duration
	GetDomainWeights() map[string]float64
}

// CalibrationConfig provides the tunables of the calibration engine.
type CalibrationConfig interface {
	GetMinSampleSize() int
	GetBaseLearningRate() float64
	GetMaxStep() float64
	GetMaxWeightRetries() int
	GetCalibrationLockTTL() time.Duration
	GetCalibrationStaleAfter() time.Duration
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                             string
	HTTPAddr                        string
	StorageDriver                   string
	DatabaseURL                     string
	JWTAccessSecret                 string
	CORSAllowAll                    bool
	CORSOrigins                     []string
	CORSAllowCreds                  bool
	RedisURL                        string
	RedisTLSInsecure                bool
	AsynqQueueName                  string
	AsynqConcurrency                int
	CalibrationCron                 string
	MinIOEndpoint                   string
	MinIOAccessKey                  string
	MinIOSecretKey                  string
	MinIOUseSSL                     bool
	MinioBucketCalibrationSnapshots string
	QdrantURL                       string
	QdrantAPIKey                    string
	QdrantCollection                string
	EmbeddingProvider               string
	EmbeddingAPIURL                 string
	EmbeddingAPIKey                 string
	GeminiAPIKey                    string
	GeminiEmbeddingModel            string
	EmbeddingDimension              int
	TriggerThreshold                float64
	KCandidates                     int
	EmbedTimeout                    time.Duration
	RegistryTimeout                 time.Duration
	DomainWeights                   map[string]float64
	MinSampleSize                   int
	BaseLearningRate                float64
	MaxStep                         float64
	MaxWeightRetries                int
	CalibrationLockTTL              time.Duration
	CalibrationStaleAfter           time.Duration
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// StorageConfig implementation
func (c *Config) GetStorageDriver() string { return c.StorageDriver }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string        { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool  { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string  { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int   { return c.AsynqConcurrency }
func (c *Config) GetCalibrationCron() string { return c.CalibrationCron }

// MinIOConfig implementation
func (c *Config) GetMinIOEndpoint() string  { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool      { return c.MinIOUseSSL }
func (c *Config) GetMinioBucketCalibrationSnapshots() string {
	return c.MinioBucketCalibrationSnapshots
}
func (c *Config) IsMinIOEnabled() bool { return c.MinIOEndpoint != "" }

// QdrantConfig implementation
func (c *Config) GetQdrantURL() string        { return c.QdrantURL }
func (c *Config) GetQdrantAPIKey() string     { return c.QdrantAPIKey }
func (c *Config) GetQdrantCollection() string { return c.QdrantCollection }
func (c *Config) IsQdrantEnabled() bool {
	return c.QdrantURL != "" && c.QdrantCollection != ""
}

// EmbeddingConfig implementation
func (c *Config) GetEmbeddingProvider() string    { return c.EmbeddingProvider }
func (c *Config) GetEmbeddingAPIURL() string      { return c.EmbeddingAPIURL }
func (c *Config) GetEmbeddingAPIKey() string      { return c.EmbeddingAPIKey }
func (c *Config) GetGeminiAPIKey() string         { return c.GeminiAPIKey }
func (c *Config) GetGeminiEmbeddingModel() string { return c.GeminiEmbeddingModel }
func (c *Config) GetEmbeddingDimension() int      { return c.EmbeddingDimension }
func (c *Config) IsEmbeddingEnabled() bool {
	switch c.EmbeddingProvider {
	case EmbeddingProviderGemini:
		return c.GeminiAPIKey != ""
	default:
		return c.EmbeddingAPIURL != ""
	}
}

// AssessmentConfig implementation
func (c *Config) GetTriggerThreshold() float64         { return c.TriggerThreshold }
func (c *Config) GetKCandidates() int                  { return c.KCandidates }
func (c *Config) GetEmbedTimeout() time.Duration       { return c.EmbedTimeout }
func (c *Config) GetRegistryTimeout() time.Duration    { return c.RegistryTimeout }
func (c *Config) GetDomainWeights() map[string]float64 { return c.DomainWeights }

// CalibrationConfig implementation
func (c *Config) GetMinSampleSize() int                   { return c.MinSampleSize }
func (c *Config) GetBaseLearningRate() float64            { return c.BaseLearningRate }
func (c *Config) GetMaxStep() float64                     { return c.MaxStep }
func (c *Config) GetMaxWeightRetries() int                { return c.MaxWeightRetries }
func (c *Config) GetCalibrationLockTTL() time.Duration    { return c.CalibrationLockTTL }
func (c *Config) GetCalibrationStaleAfter() time.Duration { return c.CalibrationStaleAfter }

// DefaultDomainWeights is the composite weighting used when
// ASSESSMENT_DOMAIN_WEIGHTS is not set.
const DefaultDomainWeights = "access=0.20,fall_zone=0.25,interference=0.20,severity=0.30,site_conditions=0.05"

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	domainWeights, err := ParseDomainWeights(getEnv("ASSESSMENT_DOMAIN_WEIGHTS", DefaultDomainWeights))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:                             getEnv("APP_ENV", "development"),
		HTTPAddr:                        getEnv("HTTP_ADDR", ":8080"),
		StorageDriver:                   strings.ToLower(getEnv("STORAGE_DRIVER", StorageDriverPostgres)),
		DatabaseURL:                     getEnv("DATABASE_URL", ""),
		JWTAccessSecret:                 getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:                    corsAllowAll,
		CORSOrigins:                     corsOrigins,
		CORSAllowCreds:                  strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "false"), "true"),
		RedisURL:                        getEnv("REDIS_URL", ""),
		RedisTLSInsecure:                strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:                  getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:                mustInt(getEnv("ASYNQ_CONCURRENCY", "2")),
		CalibrationCron:                 getEnv("CALIBRATION_CRON", "0 3 * * *"),
		MinIOEndpoint:                   getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:                  getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:                  getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:                     strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		MinioBucketCalibrationSnapshots: getEnv("MINIO_BUCKET_CALIBRATION_SNAPSHOTS", "calibration-snapshots"),
		QdrantURL:                       strings.TrimRight(getEnv("QDRANT_URL", ""), "/"),
		QdrantAPIKey:                    getEnv("QDRANT_API_KEY", ""),
		QdrantCollection:                getEnv("QDRANT_COLLECTION", ""),
		EmbeddingProvider:               strings.ToLower(getEnv("EMBEDDING_PROVIDER", EmbeddingProviderHTTP)),
		EmbeddingAPIURL:                 getEnv("EMBEDDING_API_URL", ""),
		EmbeddingAPIKey:                 getEnv("EMBEDDING_API_KEY", ""),
		GeminiAPIKey:                    getEnv("GEMINI_API_KEY", ""),
		GeminiEmbeddingModel:            getEnv("GEMINI_EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDimension:              mustInt(getEnv("EMBEDDING_DIMENSION", "384")),
		TriggerThreshold:                mustFloat(getEnv("ASSESSMENT_TRIGGER_THRESHOLD", "0.75")),
		KCandidates:                     mustInt(getEnv("ASSESSMENT_K_CANDIDATES", "20")),
		EmbedTimeout:                    mustDuration(getEnv("ASSESSMENT_EMBED_TIMEOUT", "2s")),
		RegistryTimeout:                 mustDuration(getEnv("ASSESSMENT_REGISTRY_TIMEOUT", "2s")),
		DomainWeights:                   domainWeights,
		MinSampleSize:                   mustInt(getEnv("CALIBRATION_MIN_SAMPLE_SIZE", "10")),
		BaseLearningRate:                mustFloat(getEnv("CALIBRATION_BASE_LEARNING_RATE", "0.3")),
		MaxStep:                         mustFloat(getEnv("CALIBRATION_MAX_STEP", "0.05")),
		MaxWeightRetries:                mustInt(getEnv("CALIBRATION_MAX_WEIGHT_RETRIES", "5")),
		CalibrationLockTTL:              mustDuration(getEnv("CALIBRATION_LOCK_TTL", "15m")),
		CalibrationStaleAfter:           mustDuration(getEnv("CALIBRATION_STALE_AFTER", "30m")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints. Load calls it; tests may call it
// on hand-built configs.
func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE_DRIVER is postgres")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.JWTAccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if c.CORSAllowAll && c.CORSAllowCreds {
		return fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	switch c.EmbeddingProvider {
	case EmbeddingProviderHTTP, EmbeddingProviderGemini:
	default:
		return fmt.Errorf("unsupported EMBEDDING_PROVIDER %q", c.EmbeddingProvider)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive")
	}
	if c.TriggerThreshold <= 0 || c.TriggerThreshold > 1 {
		return fmt.Errorf("ASSESSMENT_TRIGGER_THRESHOLD must be in (0, 1]")
	}
	if c.KCandidates <= 0 {
		return fmt.Errorf("ASSESSMENT_K_CANDIDATES must be positive")
	}
	if c.EmbedTimeout <= 0 || c.RegistryTimeout <= 0 {
		return fmt.Errorf("assessment timeouts must be positive durations")
	}
	if c.MinSampleSize <= 0 {
		return fmt.Errorf("CALIBRATION_MIN_SAMPLE_SIZE must be positive")
	}
	if c.BaseLearningRate <= 0 {
		return fmt.Errorf("CALIBRATION_BASE_LEARNING_RATE must be positive")
	}
	if c.MaxStep <= 0 {
		return fmt.Errorf("CALIBRATION_MAX_STEP must be positive")
	}
	if c.MaxWeightRetries <= 0 {
		return fmt.Errorf("CALIBRATION_MAX_WEIGHT_RETRIES must be positive")
	}
	return nil
}

// ParseDomainWeights parses "domain=weight" pairs and checks that the weights
// are non-negative and sum to 1.0.
func ParseDomainWeights(raw string) (map[string]float64, error) {
	weights := make(map[string]float64)
	for _, pair := range splitCSV(raw) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid domain weight %q", pair)
		}
		name = strings.TrimSpace(name)
		w, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid domain weight %q: %w", pair, err)
		}
		if w < 0 {
			return nil, fmt.Errorf("domain weight for %s is negative", name)
		}
		weights[name] = w
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("ASSESSMENT_DOMAIN_WEIGHTS is empty")
	}

	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)
	sum := 0.0
	for _, name := range names {
		sum += weights[name]
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return nil, fmt.Errorf("domain weights must sum to 1.0, got %.4f", sum)
	}
	return weights, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
