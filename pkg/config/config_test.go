package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MCP_API_KEYS", "key:actor:org")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, 24*time.Hour, cfg.ApprovalTTL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.OTLPEnabled)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MCP_API_KEYS", "key:actor:org")
	t.Setenv("PORT", "9090")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("APPROVAL_TTL", "2h")
	t.Setenv("OTLP_ENABLED", "true")
	t.Setenv("OTLP_SAMPLE_RATE", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 2*time.Hour, cfg.ApprovalTTL)
	assert.True(t, cfg.OTLPEnabled)
	assert.Equal(t, 0.25, cfg.SampleRate)
}

func TestLoadRequiresAuth(t *testing.T) {
	t.Setenv("MCP_API_KEYS", "")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthenticated")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port too low", func(c *Config) { c.Port = 0 }},
		{"port too high", func(c *Config) { c.Port = 70000 }},
		{"zero workers", func(c *Config) { c.WorkerConcurrency = 0 }},
		{"negative ttl", func(c *Config) { c.ApprovalTTL = -time.Hour }},
		{"sample rate", func(c *Config) { c.SampleRate = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Port:              8080,
				WorkerConcurrency: 4,
				ApprovalTTL:       time.Hour,
				APIKeys:           "k:a:o",
				SampleRate:        1.0,
			}
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseDetection(t *testing.T) {
	pg := &Config{DatabaseURL: "postgres://u:p@localhost/warden"}
	assert.True(t, pg.IsPostgres())
	assert.False(t, pg.IsSQLite())

	lite := &Config{DatabaseURL: "sqlite:warden.db"}
	assert.True(t, lite.IsSQLite())
	assert.Equal(t, "warden.db", lite.SQLitePath())

	file := &Config{DatabaseURL: "/var/lib/warden/state.db"}
	assert.True(t, file.IsSQLite())

	mem := &Config{}
	assert.False(t, mem.IsPostgres())
	assert.False(t, mem.IsSQLite())
}
