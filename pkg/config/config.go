// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the server binary needs to start.
type Config struct {
	// Server
	Host string
	Port int

	// Storage. An empty DatabaseURL selects the in-memory stores; a
	// postgres:// or sqlite: URL selects the matching SQL backend.
	DatabaseURL string
	RedisURL    string

	// Auth
	APIKeys   string
	JWTSecret string

	// Workers
	WorkerConcurrency int

	// Approvals
	ApprovalTTL time.Duration

	// PolicyFile is an optional YAML bundle loaded into the policy
	// store at startup.
	PolicyFile string

	// Evidence externalization
	EvidenceDir      string
	EvidenceS3Bucket string
	EvidenceS3Region string

	// Observability
	LogLevel     string
	OTLPEndpoint string
	OTLPEnabled  bool
	SampleRate   float64
	Environment  string
}

// Load reads the environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Host:              getEnv("HOST", "0.0.0.0"),
		Port:              getEnvInt("PORT", 8080),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		APIKeys:           os.Getenv("MCP_API_KEYS"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		ApprovalTTL:       getEnvDuration("APPROVAL_TTL", 24*time.Hour),
		PolicyFile:        os.Getenv("POLICY_FILE"),
		EvidenceDir:       getEnv("EVIDENCE_DIR", "./evidence"),
		EvidenceS3Bucket:  os.Getenv("EVIDENCE_S3_BUCKET"),
		EvidenceS3Region:  getEnv("EVIDENCE_S3_REGION", "us-east-1"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPEnabled:       getEnvBool("OTLP_ENABLED", false),
		SampleRate:        getEnvFloat("OTLP_SAMPLE_RATE", 1.0),
		Environment:       getEnv("ENVIRONMENT", "development"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run safely.
func (c *Config) Validate() error {
	var problems []string
	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("PORT %d out of range", c.Port))
	}
	if c.WorkerConcurrency < 1 {
		problems = append(problems, "WORKER_CONCURRENCY must be at least 1")
	}
	if c.ApprovalTTL <= 0 {
		problems = append(problems, "APPROVAL_TTL must be positive")
	}
	if c.APIKeys == "" && c.JWTSecret == "" {
		problems = append(problems, "set MCP_API_KEYS or JWT_SECRET; the API cannot run unauthenticated")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		problems = append(problems, "OTLP_SAMPLE_RATE must be in [0, 1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsPostgres reports whether DatabaseURL selects PostgreSQL.
func (c *Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") ||
		strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// IsSQLite reports whether DatabaseURL selects SQLite.
func (c *Config) IsSQLite() bool {
	return strings.HasPrefix(c.DatabaseURL, "sqlite:") ||
		strings.HasSuffix(c.DatabaseURL, ".db")
}

// SQLitePath strips the sqlite: scheme from DatabaseURL.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite:")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
