package core

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Config — central configuration for a robomem instance.
//
// The configuration is resolved through a four-level hierarchy where each
// layer overrides values set by the layer beneath it:
//
//	Priority (highest → lowest):
//	  1. Programmatic overrides (e.g. CLI flags applied after loading)
//	  2. YAML configuration file
//	  3. Environment variables (ROBOMEM_* prefix)
//	  4. Built-in defaults
//
// All duration fields accept standard Go duration strings when supplied
// through the YAML file or environment variables (e.g. "30s", "5m", "1h").
// ---------------------------------------------------------------------------

// ServiceName is the fixed service identifier; the database name must be
// exactly "<ServiceName>_<environment>".
const ServiceName = "robomem"

// MaxEmbeddingDimension is the hard upper bound supported by the vector
// index. Shorter embeddings are zero-padded for indexing; the original
// length is preserved on the node.
const MaxEmbeddingDimension = 2000

// Environments recognised by Validate.
var knownEnvironments = map[string]struct{}{
	"development": {},
	"test":        {},
	"production":  {},
}

// Providers selectable for the extractor callables.
var knownProviders = map[string]struct{}{
	"openai": {}, "anthropic": {}, "gemini": {}, "azure": {}, "ollama": {},
	"huggingface": {}, "openrouter": {}, "bedrock": {}, "deepseek": {},
}

// DatabaseConfig groups connection settings for the Postgres backend.
type DatabaseConfig struct {
	// URL is a full connection string. When set it wins over the component
	// fields below.
	URL string `yaml:"url"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`

	// PoolSize is the maximum number of open connections.
	PoolSize int `yaml:"poolSize"`

	// StatementTimeout is installed per connection and enforced server-side.
	StatementTimeout time.Duration `yaml:"statementTimeout"`
}

// EmbeddingConfig groups embedding extractor settings.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// Dimensions is the provider's native output length; 0 means provider
	// default. Must not exceed MaxDimension.
	Dimensions   int           `yaml:"dimensions"`
	MaxDimension int           `yaml:"maxDimension"`
	Timeout      time.Duration `yaml:"timeout"`

	// CacheSize bounds the LRU of embeddings keyed by content hash.
	CacheSize int `yaml:"cacheSize"`
}

// TagConfig groups tag extractor settings.
type TagConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	MaxDepth int           `yaml:"maxDepth"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PropositionConfig groups proposition extractor settings.
type PropositionConfig struct {
	Provider  string        `yaml:"provider"`
	Model     string        `yaml:"model"`
	Enabled   bool          `yaml:"enabled"`
	Timeout   time.Duration `yaml:"timeout"`
	MinLength int           `yaml:"minLength"`
	MaxLength int           `yaml:"maxLength"`
	MinWords  int           `yaml:"minWords"`
}

// ChunkingConfig groups text chunking settings used at ingest time.
type ChunkingConfig struct {
	ChunkSize    int `yaml:"chunkSize"`
	ChunkOverlap int `yaml:"chunkOverlap"`
}

// BreakerConfig groups circuit-breaker thresholds shared by all extractor
// services (one breaker instance per service).
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
	HalfOpenMaxCalls int           `yaml:"halfOpenMaxCalls"`
}

// RelevanceConfig groups the dynamic relevance scorer weights. The four
// weights must sum to 1 within ±0.01.
type RelevanceConfig struct {
	SemanticWeight       float64       `yaml:"semanticWeight"`
	TagWeight            float64       `yaml:"tagWeight"`
	RecencyWeight        float64       `yaml:"recencyWeight"`
	AccessWeight         float64       `yaml:"accessWeight"`
	RecencyHalfLife      time.Duration `yaml:"recencyHalfLife"`
}

// JobsConfig selects the dispatcher backend. There is no runtime
// auto-detection: the backend is always an explicit configuration choice.
type JobsConfig struct {
	// Backend is one of inline | thread | pool | queue.
	Backend string `yaml:"backend"`

	// PoolWorkers sizes the worker pool for the pool backend.
	PoolWorkers int `yaml:"poolWorkers"`
}

// WorkingMemoryConfig groups per-robot working-memory bounds.
type WorkingMemoryConfig struct {
	MaxTokens int `yaml:"maxTokens"`
}

// CacheConfig groups the query-result cache and the popular-tags cache.
type CacheConfig struct {
	QueryTTL      time.Duration `yaml:"queryTTL"`
	QueryCapacity int           `yaml:"queryCapacity"`
	PopularTagTTL time.Duration `yaml:"popularTagTTL"`
}

// Config is the root configuration object.
type Config struct {
	Environment string `yaml:"environment"`

	Database      DatabaseConfig      `yaml:"database"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Tag           TagConfig           `yaml:"tag"`
	Proposition   PropositionConfig   `yaml:"proposition"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Breaker       BreakerConfig       `yaml:"circuitBreaker"`
	Relevance     RelevanceConfig     `yaml:"relevance"`
	Jobs          JobsConfig          `yaml:"jobs"`
	WorkingMemory WorkingMemoryConfig `yaml:"workingMemory"`
	Cache         CacheConfig         `yaml:"cache"`

	// WeekStart is sunday or monday; it anchors natural-language timeframes.
	WeekStart string `yaml:"weekStart"`

	TelemetryEnabled bool   `yaml:"telemetryEnabled"`
	LogLevel         string `yaml:"logLevel"`
}

// ---------------------------------------------------------------------------
// Factory functions
// ---------------------------------------------------------------------------

// DefaultConfig returns a Config populated with production-safe defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Database: DatabaseConfig{
			Host:             "localhost",
			Port:             5432,
			User:             ServiceName,
			Name:             ServiceName + "_development",
			SSLMode:          "prefer",
			PoolSize:         5,
			StatementTimeout: 30 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:     "openai",
			Model:        "text-embedding-3-small",
			Dimensions:   0,
			MaxDimension: MaxEmbeddingDimension,
			Timeout:      120 * time.Second,
			CacheSize:    1024,
		},
		Tag: TagConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
			MaxDepth: DefaultMaxTagDepth,
			Timeout:  180 * time.Second,
		},
		Proposition: PropositionConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			Enabled:   false,
			Timeout:   180 * time.Second,
			MinLength: 10,
			MaxLength: 1000,
			MinWords:  5,
		},
		Chunking: ChunkingConfig{
			ChunkSize:    1024,
			ChunkOverlap: 64,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			HalfOpenMaxCalls: 3,
		},
		Relevance: RelevanceConfig{
			SemanticWeight:  0.5,
			TagWeight:       0.3,
			RecencyWeight:   0.1,
			AccessWeight:    0.1,
			RecencyHalfLife: 168 * time.Hour,
		},
		Jobs: JobsConfig{
			Backend:     "pool",
			PoolWorkers: 4,
		},
		WorkingMemory: WorkingMemoryConfig{
			MaxTokens: 8192,
		},
		Cache: CacheConfig{
			QueryTTL:      300 * time.Second,
			QueryCapacity: 512,
			PopularTagTTL: 5 * time.Minute,
		},
		WeekStart:        "monday",
		TelemetryEnabled: true,
		LogLevel:         "info",
	}
}

// ConfigFromFile reads a YAML configuration file and merges it on top of the
// built-in defaults. Fields absent from the file retain their defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// ConfigFromEnv applies environment variable overrides to the given Config.
// If cfg is nil a new default Config is created first.
//
// Environment variable mapping (all optional, prefix ROBOMEM_):
//
//	ROBOMEM_ENV                 → Environment
//	ROBOMEM_DATABASE_URL        → Database.URL
//	ROBOMEM_DATABASE_HOST       → Database.Host
//	ROBOMEM_DATABASE_PORT       → Database.Port
//	ROBOMEM_DATABASE_USER       → Database.User
//	ROBOMEM_DATABASE_PASSWORD   → Database.Password
//	ROBOMEM_DATABASE_NAME       → Database.Name
//	ROBOMEM_DATABASE_SSLMODE    → Database.SSLMode
//	ROBOMEM_DATABASE_POOL_SIZE  → Database.PoolSize
//	ROBOMEM_STATEMENT_TIMEOUT   → Database.StatementTimeout (duration string)
//	ROBOMEM_EMBEDDING_PROVIDER  → Embedding.Provider
//	ROBOMEM_EMBEDDING_MODEL     → Embedding.Model
//	ROBOMEM_EMBEDDING_DIMENSIONS→ Embedding.Dimensions
//	ROBOMEM_EMBEDDING_TIMEOUT   → Embedding.Timeout (duration string)
//	ROBOMEM_TAG_PROVIDER        → Tag.Provider
//	ROBOMEM_TAG_MODEL           → Tag.Model
//	ROBOMEM_TAG_MAX_DEPTH       → Tag.MaxDepth
//	ROBOMEM_PROPOSITION_ENABLED → Proposition.Enabled ("true"/"false")
//	ROBOMEM_PROPOSITION_PROVIDER→ Proposition.Provider
//	ROBOMEM_JOB_BACKEND         → Jobs.Backend (inline|thread|pool|queue)
//	ROBOMEM_JOB_POOL_WORKERS    → Jobs.PoolWorkers
//	ROBOMEM_WM_MAX_TOKENS       → WorkingMemory.MaxTokens
//	ROBOMEM_WEEK_START          → WeekStart (sunday|monday)
//	ROBOMEM_TELEMETRY_ENABLED   → TelemetryEnabled ("true"/"false")
//	ROBOMEM_LOG_LEVEL           → LogLevel
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	setEnvStr("ROBOMEM_ENV", &cfg.Environment)

	// -- Database --
	setEnvStr("ROBOMEM_DATABASE_URL", &cfg.Database.URL)
	setEnvStr("ROBOMEM_DATABASE_HOST", &cfg.Database.Host)
	setEnvInt("ROBOMEM_DATABASE_PORT", &cfg.Database.Port)
	setEnvStr("ROBOMEM_DATABASE_USER", &cfg.Database.User)
	setEnvStr("ROBOMEM_DATABASE_PASSWORD", &cfg.Database.Password)
	setEnvStr("ROBOMEM_DATABASE_NAME", &cfg.Database.Name)
	setEnvStr("ROBOMEM_DATABASE_SSLMODE", &cfg.Database.SSLMode)
	setEnvInt("ROBOMEM_DATABASE_POOL_SIZE", &cfg.Database.PoolSize)
	setEnvDuration("ROBOMEM_STATEMENT_TIMEOUT", &cfg.Database.StatementTimeout)

	// -- Extractors --
	setEnvStr("ROBOMEM_EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	setEnvStr("ROBOMEM_EMBEDDING_MODEL", &cfg.Embedding.Model)
	setEnvInt("ROBOMEM_EMBEDDING_DIMENSIONS", &cfg.Embedding.Dimensions)
	setEnvDuration("ROBOMEM_EMBEDDING_TIMEOUT", &cfg.Embedding.Timeout)
	setEnvStr("ROBOMEM_TAG_PROVIDER", &cfg.Tag.Provider)
	setEnvStr("ROBOMEM_TAG_MODEL", &cfg.Tag.Model)
	setEnvInt("ROBOMEM_TAG_MAX_DEPTH", &cfg.Tag.MaxDepth)
	setEnvBool("ROBOMEM_PROPOSITION_ENABLED", &cfg.Proposition.Enabled)
	setEnvStr("ROBOMEM_PROPOSITION_PROVIDER", &cfg.Proposition.Provider)

	// -- Jobs / working memory --
	setEnvStr("ROBOMEM_JOB_BACKEND", &cfg.Jobs.Backend)
	setEnvInt("ROBOMEM_JOB_POOL_WORKERS", &cfg.Jobs.PoolWorkers)
	setEnvInt("ROBOMEM_WM_MAX_TOKENS", &cfg.WorkingMemory.MaxTokens)

	// -- Misc --
	setEnvStr("ROBOMEM_WEEK_START", &cfg.WeekStart)
	setEnvBool("ROBOMEM_TELEMETRY_ENABLED", &cfg.TelemetryEnabled)
	setEnvStr("ROBOMEM_LOG_LEVEL", &cfg.LogLevel)

	return cfg
}

// LoadConfig implements the full four-level configuration hierarchy:
//
//  1. Start with built-in defaults.
//  2. If configPath is non-empty, overlay the YAML file.
//  3. Apply environment variable overrides.
//  4. The caller may then apply programmatic overrides (e.g. CLI flags).
//
// Returns the merged Config or an error if the file cannot be read/parsed.
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	cfg = ConfigFromEnv(cfg)
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate performs structural validation of the entire configuration.
// Returns a CONFIGURATION error for the first invalid field encountered.
func (c *Config) Validate() error {
	const op = "core.Config.Validate"

	env := strings.ToLower(strings.TrimSpace(c.Environment))
	if _, ok := knownEnvironments[env]; !ok {
		return E(KindConfiguration, op, "environment must be one of development|test|production, got %q", c.Environment)
	}
	c.Environment = env

	// Database. The name rule is strict: "<service>_<environment>" exactly.
	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return E(KindConfiguration, op, "database.host must not be empty when database.url is unset")
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return E(KindConfiguration, op, "database.port must be in 1..65535, got %d", c.Database.Port)
		}
	}
	wantDB := ServiceName + "_" + c.Environment
	if c.Database.Name != wantDB {
		return E(KindConfiguration, op, "database.name must be %q for environment %q, got %q", wantDB, c.Environment, c.Database.Name)
	}
	if c.Database.PoolSize < 1 {
		return E(KindConfiguration, op, "database.poolSize must be >= 1, got %d", c.Database.PoolSize)
	}
	if c.Database.StatementTimeout <= 0 {
		return E(KindConfiguration, op, "database.statementTimeout must be > 0")
	}

	// Extractor providers.
	for _, p := range []struct{ field, value string }{
		{"embedding.provider", c.Embedding.Provider},
		{"tag.provider", c.Tag.Provider},
		{"proposition.provider", c.Proposition.Provider},
	} {
		if _, ok := knownProviders[p.value]; !ok {
			return E(KindConfiguration, op, "%s: unknown provider %q", p.field, p.value)
		}
	}

	// Embedding dimensions.
	if c.Embedding.MaxDimension < 1 || c.Embedding.MaxDimension > MaxEmbeddingDimension {
		return E(KindConfiguration, op, "embedding.maxDimension must be in 1..%d, got %d", MaxEmbeddingDimension, c.Embedding.MaxDimension)
	}
	if c.Embedding.Dimensions < 0 || c.Embedding.Dimensions > c.Embedding.MaxDimension {
		return E(KindConfiguration, op, "embedding.dimensions must be in 0..%d, got %d", c.Embedding.MaxDimension, c.Embedding.Dimensions)
	}

	// Tag depth.
	if c.Tag.MaxDepth < 1 {
		return E(KindConfiguration, op, "tag.maxDepth must be >= 1, got %d", c.Tag.MaxDepth)
	}

	// Proposition bounds.
	if c.Proposition.MinLength < 1 || c.Proposition.MaxLength < c.Proposition.MinLength {
		return E(KindConfiguration, op, "proposition length bounds invalid: min=%d max=%d", c.Proposition.MinLength, c.Proposition.MaxLength)
	}
	if c.Proposition.MinWords < 1 {
		return E(KindConfiguration, op, "proposition.minWords must be >= 1, got %d", c.Proposition.MinWords)
	}

	// Chunking.
	if c.Chunking.ChunkSize < 1 {
		return E(KindConfiguration, op, "chunking.chunkSize must be >= 1, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return E(KindConfiguration, op, "chunking.chunkOverlap must be in 0..chunkSize-1, got %d", c.Chunking.ChunkOverlap)
	}

	// Circuit breaker.
	if c.Breaker.FailureThreshold < 1 {
		return E(KindConfiguration, op, "circuitBreaker.failureThreshold must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return E(KindConfiguration, op, "circuitBreaker.resetTimeout must be > 0")
	}
	if c.Breaker.HalfOpenMaxCalls < 1 {
		return E(KindConfiguration, op, "circuitBreaker.halfOpenMaxCalls must be >= 1, got %d", c.Breaker.HalfOpenMaxCalls)
	}

	// Relevance weights must sum to 1 within ±0.01.
	sum := c.Relevance.SemanticWeight + c.Relevance.TagWeight +
		c.Relevance.RecencyWeight + c.Relevance.AccessWeight
	if math.Abs(sum-1.0) > 0.01 {
		return E(KindConfiguration, op, "relevance weights must sum to 1±0.01, got %.3f", sum)
	}
	for _, w := range []float64{c.Relevance.SemanticWeight, c.Relevance.TagWeight, c.Relevance.RecencyWeight, c.Relevance.AccessWeight} {
		if w < 0 {
			return E(KindConfiguration, op, "relevance weights must be >= 0")
		}
	}
	if c.Relevance.RecencyHalfLife <= 0 {
		return E(KindConfiguration, op, "relevance.recencyHalfLife must be > 0")
	}

	// Jobs.
	switch c.Jobs.Backend {
	case "inline", "thread", "pool", "queue":
	default:
		return E(KindConfiguration, op, "jobs.backend must be one of inline|thread|pool|queue, got %q", c.Jobs.Backend)
	}
	if c.Jobs.Backend == "pool" && c.Jobs.PoolWorkers < 1 {
		return E(KindConfiguration, op, "jobs.poolWorkers must be >= 1 for the pool backend, got %d", c.Jobs.PoolWorkers)
	}

	// Working memory.
	if c.WorkingMemory.MaxTokens < 1 {
		return E(KindConfiguration, op, "workingMemory.maxTokens must be >= 1, got %d", c.WorkingMemory.MaxTokens)
	}

	// Caches.
	if c.Cache.QueryTTL <= 0 || c.Cache.PopularTagTTL <= 0 {
		return E(KindConfiguration, op, "cache TTLs must be > 0")
	}
	if c.Cache.QueryCapacity < 1 {
		return E(KindConfiguration, op, "cache.queryCapacity must be >= 1, got %d", c.Cache.QueryCapacity)
	}

	// Week start.
	switch strings.ToLower(c.WeekStart) {
	case "sunday", "monday":
		c.WeekStart = strings.ToLower(c.WeekStart)
	default:
		return E(KindConfiguration, op, "weekStart must be sunday or monday, got %q", c.WeekStart)
	}

	return nil
}

// ConnString assembles the lib/pq connection string. The URL form wins when
// present.
func (c *DatabaseConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	parts := []string{
		"host=" + c.Host,
		"port=" + strconv.Itoa(c.Port),
		"dbname=" + c.Name,
		"user=" + c.User,
	}
	if c.Password != "" {
		parts = append(parts, "password="+c.Password)
	}
	if c.SSLMode != "" {
		parts = append(parts, "sslmode="+c.SSLMode)
	}
	return strings.Join(parts, " ")
}

// ---------------------------------------------------------------------------
// Environment variable helpers
// ---------------------------------------------------------------------------

// setEnvStr sets *target to the value of the named env var if it is non-empty.
func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setEnvBool sets *target to the parsed boolean value of the named env var.
func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// setEnvInt sets *target to the parsed integer value of the named env var.
func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setEnvDuration sets *target to the parsed duration of the named env var.
// Uses time.ParseDuration, so accepts "30s", "5m", "1h30m", etc.
func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

// ---------------------------------------------------------------------------
// CLI flag overrides — final layer of the configuration hierarchy.
// ---------------------------------------------------------------------------

// CLIOverrides carries optional values set via command-line flags. Pointer
// fields are nil when the flag was not explicitly provided, allowing the
// caller to distinguish "not set" from the zero value.
type CLIOverrides struct {
	ConfigPath       *string
	Environment      *string
	DatabaseURL      *string
	PoolSize         *int
	JobBackend       *string
	WMMaxTokens      *int
	TelemetryEnabled *bool
	LogLevel         *string
}

// ApplyCLIOverrides patches the Config with any explicitly-set CLI flags.
// Only non-nil fields are applied, preserving all values resolved from
// earlier hierarchy layers.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.Environment != nil {
		c.Environment = *o.Environment
	}
	if o.DatabaseURL != nil {
		c.Database.URL = *o.DatabaseURL
	}
	if o.PoolSize != nil {
		c.Database.PoolSize = *o.PoolSize
	}
	if o.JobBackend != nil {
		c.Jobs.Backend = *o.JobBackend
	}
	if o.WMMaxTokens != nil {
		c.WorkingMemory.MaxTokens = *o.WMMaxTokens
	}
	if o.TelemetryEnabled != nil {
		c.TelemetryEnabled = *o.TelemetryEnabled
	}
	if o.LogLevel != nil {
		c.LogLevel = *o.LogLevel
	}
}
