package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/clarifier/internal/circuitbreaker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clarifier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("Default configuration", func(t *testing.T) {
		cfg, err := LoadFile("")
		require.NoError(t, err)

		assert.Equal(t, ":8000", cfg.Server.Addr)
		assert.Equal(t, BackendMemory, cfg.Store.Backend)
		assert.Equal(t, 3, cfg.Workflow.MaxRefinementRounds)
		assert.Equal(t, 2, cfg.Workflow.MaxClarificationRounds)
		assert.Equal(t, 24*time.Hour, cfg.Workflow.SuspendedTTL)
		assert.Equal(t, "gpt-4o", cfg.LLM.Model)
		assert.Equal(t, "advanced", cfg.Search.SearchDepth)
		assert.Equal(t, 5, cfg.Search.MaxResults)
		assert.True(t, cfg.Keywords.Enabled)
		assert.False(t, cfg.Tracing.Enabled)
		assert.False(t, cfg.Archive.Enabled)
		assert.Greater(t, cfg.Store.Redis.LockTTL, cfg.Server.RequestTimeout)
	})

	t.Run("File values", func(t *testing.T) {
		path := writeConfig(t, `
server:
  addr: ":9000"
store:
  backend: redis
  redis:
    addr: redis:6379
    lock_ttl: 6m
workflow:
  max_refinement_rounds: 1
  completed_retention: 0s
search:
  max_results: 3
  shared_cache: true
rate_limit:
  overrides:
    openai:
      rpm: 10
circuit_breakers:
  llm:
    failure_threshold: 2
archive:
  enabled: true
  driver: postgres
  dsn: postgres://archive
`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)

		assert.Equal(t, ":9000", cfg.Server.Addr)
		assert.Equal(t, BackendRedis, cfg.Store.Backend)
		assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
		assert.Equal(t, 6*time.Minute, cfg.Store.Redis.LockTTL)
		assert.Equal(t, 1, cfg.Workflow.MaxRefinementRounds)
		assert.Equal(t, time.Duration(0), cfg.Workflow.CompletedRetention)
		assert.Equal(t, 3, cfg.Search.MaxResults)
		assert.True(t, cfg.Search.SharedCache)
		assert.Equal(t, 10, cfg.RateLimit.Overrides["openai"].RPM)
		assert.EqualValues(t, 2, cfg.CircuitBreakers["llm"].FailureThreshold)
		assert.Equal(t, "postgres", cfg.Archive.Driver)
	})

	t.Run("Environment variable override", func(t *testing.T) {
		t.Setenv("CLARIFIER_SERVER_ADDR", ":7000")
		t.Setenv("CLARIFIER_WORKFLOW_MAX_CLARIFICATION_ROUNDS", "5")
		t.Setenv("OPENAI_API_KEY", "sk-env")
		t.Setenv("TAVILY_API_KEY", "tvly-env")

		cfg, err := LoadFile(writeConfig(t, "server:\n  addr: \":9000\"\n"))
		require.NoError(t, err)
		assert.Equal(t, ":7000", cfg.Server.Addr)
		assert.Equal(t, 5, cfg.Workflow.MaxClarificationRounds)
		assert.Equal(t, "sk-env", cfg.LLM.APIKey)
		assert.Equal(t, "tvly-env", cfg.Search.APIKey)
	})

	t.Run("CLARIFIER_CONFIG selects the file", func(t *testing.T) {
		t.Setenv(envPath, writeConfig(t, "logging:\n  level: debug\n"))
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("Missing explicit file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"backend":    "store:\n  backend: etcd\n",
		"format":     "logging:\n  format: xml\n",
		"driver":     "archive:\n  enabled: true\n  driver: mysql\n",
		"pg dsn":     "archive:\n  enabled: true\n  driver: postgres\n",
		"breaker":    "circuit_breakers:\n  grpc:\n    failure_threshold: 1\n",
		"negative":   "workflow:\n  max_refinement_rounds: -1\n",
		"redis addr": "store:\n  backend: redis\n  redis:\n    addr: \"\"\n",
		"lock ttl":   "store:\n  backend: redis\n  redis:\n    lock_ttl: 4m\n",
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestApplyCircuitBreakers(t *testing.T) {
	before := circuitbreaker.ConfigFor(circuitbreaker.KindDatabase)
	t.Cleanup(func() { circuitbreaker.Configure(circuitbreaker.KindDatabase, before) })

	cfg := &Config{CircuitBreakers: map[string]circuitbreaker.CircuitBreakerConfig{
		"database": {FailureThreshold: 9},
	}}
	cfg.ApplyCircuitBreakers()

	got := circuitbreaker.ConfigFor(circuitbreaker.KindDatabase)
	assert.EqualValues(t, 9, got.FailureThreshold)
	assert.Equal(t, before.Timeout, got.Timeout)
}
