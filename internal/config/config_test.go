package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{{ID: "main", Provider: "openai", APIKey: "sk-test-000000000000000000000", Priority: 1}}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, "127.0.0.1:3000", cfg.Addr())
	assert.Contains(t, cfg.String(), `"max_concurrency": 4`)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("no profiles", func(t *testing.T) {
		err := DefaultConfig().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no AI credentials")
	})

	t.Run("unknown provider", func(t *testing.T) {
		cfg := validConfig()
		cfg.AI.Profiles[0].Provider = "mystery"
		assert.ErrorContains(t, cfg.Validate(), "invalid provider")
	})

	t.Run("zero concurrency", func(t *testing.T) {
		cfg := validConfig()
		cfg.Scheduler.MaxConcurrency = 0
		assert.ErrorContains(t, cfg.Validate(), "max_concurrency")
	})
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file is missing", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, 3000, cfg.Server.Port)
		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "ema.log"), cfg.Logging.File)
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ema.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"data_dir": "`+dir+`",
			"server": {"port": 4100},
			"scheduler": {"max_concurrency": 2},
			"ai": {"profiles": [{"id": "a", "provider": "anthropic", "api_key": "sk-ant-x", "priority": 1}]},
			"jobs": [{"name": "digest", "kind": "every", "every_ms": 60000, "prompt": "summarize", "enabled": true}]
		}`), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, 4100, cfg.Server.Port)
		assert.Equal(t, 2, cfg.Scheduler.MaxConcurrency)
		assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "anthropic", cfg.AI.Profiles[0].Provider)
		require.Len(t, cfg.Jobs, 1)
		assert.Equal(t, int64(60000), cfg.Jobs[0].EveryMs)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("EMA_SERVER_PORT", "5200")
		t.Setenv("EMA_DATA_DIR", dir)

		cfg, err := NewLoader(filepath.Join(dir, "none.json")).Load()
		require.NoError(t, err)
		assert.Equal(t, 5200, cfg.Server.Port)
		assert.Equal(t, dir, cfg.DataDir)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
		_, err := NewLoader(path).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "ema.json")

	cfg := validConfig()
	cfg.DataDir = dir
	cfg.Server.Port = 3999

	loader := NewLoader(path)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 3999, loaded.Server.Port)
	assert.Equal(t, "main", loaded.AI.Profiles[0].ID)
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateAPIKey("sk-ant-abc", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("sk-abc", "anthropic"))
	assert.Error(t, v.ValidateAPIKey("", "openai"))
	assert.NoError(t, v.ValidateAPIKey("anything", "gemini"))

	assert.NoError(t, v.ValidateTemperature(0.7))
	assert.Error(t, v.ValidateTemperature(3))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateLogLevel("loud"))

	t.Run("jobs", func(t *testing.T) {
		assert.NoError(t, v.ValidateJob(JobConfig{Name: "n", Kind: "cron", Expr: "*/5 * * * *", Prompt: "p"}))
		assert.Error(t, v.ValidateJob(JobConfig{Name: "n", Kind: "cron", Expr: "nope", Prompt: "p"}))
		assert.Error(t, v.ValidateJob(JobConfig{Name: "n", Kind: "every", Prompt: "p"}))
		assert.Error(t, v.ValidateJob(JobConfig{Name: "n", Kind: "hourly", Prompt: "p"}))
		assert.Error(t, v.ValidateJob(JobConfig{Name: "n", Kind: "at"}))
	})

	t.Run("collects all problems", func(t *testing.T) {
		cfg := validConfig()
		cfg.Agent.Temperature = 5
		cfg.Logging.Level = "verbose"
		cfg.Jobs = []JobConfig{{Name: "x", Kind: "every", Prompt: "p"}}
		assert.Len(t, v.ValidateConfig(cfg), 3)
	})
}
