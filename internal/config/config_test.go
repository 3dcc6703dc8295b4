package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8000, cfg.Service.Port)
	assert.Equal(t, 8081, cfg.Service.AdminPort)
	assert.Equal(t, "llama_mock", cfg.Assistant.Implementation)
	assert.Equal(t, 1, cfg.Assistant.MaxWorkers)
	assert.Equal(t, 1, cfg.Assistant.HistoryTurns)
	assert.Equal(t, 64, cfg.Session.Depth)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.True(t, cfg.Auth.SkipAuth)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoadReadsFileWithEnvOverrides(t *testing.T) {
	doc := `
assistant:
  implementation: obj
  max_workers: 2
session:
  ttl: 1h
  depth: 16
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "meshchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	t.Setenv("MESHCHAT_CONFIG", path)
	t.Setenv("DB_PASSWORD", "sekret")
	t.Setenv("MAX_WORKERS", "3")

	cfg, err := Load()
	require.NoError(t, err)

	// File values.
	assert.Equal(t, "obj", cfg.Assistant.Implementation)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	assert.Equal(t, 16, cfg.Session.Depth)

	// Environment wins over the file.
	assert.Equal(t, 3, cfg.Assistant.MaxWorkers)
	assert.Equal(t, "sekret", cfg.Database.Password)

	// Keys absent from both keep their defaults.
	assert.Equal(t, 8000, cfg.Service.Port)
	assert.Equal(t, 1024, cfg.Session.MaxChats)
}

func TestLoadWithoutFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("MESHCHAT_CONFIG", "")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "5433")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("AUTH_SKIP", "false")
	t.Setenv("AUTH_SIGNING_KEY", "k")
	t.Setenv("S3_ENDPOINT", "http://minio:9000")
	t.Setenv("S3_USE_PATH_STYLE", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.Auth.SkipAuth)
	assert.Equal(t, "http://minio:9000", cfg.Storage.Endpoint)
	assert.True(t, cfg.Storage.UsePathStyle)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	doc := `
assistant:
  max_workers: 0
`
	path := filepath.Join(t.TempDir(), "meshchat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	t.Setenv("MESHCHAT_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_workers")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero workers", func(c *Config) { c.Assistant.MaxWorkers = 0 }, "max_workers"},
		{"unknown implementation", func(c *Config) { c.Assistant.Implementation = "gguf" }, "implementation"},
		{"llama needs a model", func(c *Config) { c.Assistant.Implementation = "llama" }, "model_path"},
		{"zero history turns", func(c *Config) { c.Assistant.HistoryTurns = 0 }, "history_turns"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad encoding", func(c *Config) { c.Logging.Encoding = "xml" }, "logging.encoding"},
		{"auth key required", func(c *Config) { c.Auth.SkipAuth = false }, "signing_key"},
		{"zero rate limit", func(c *Config) { c.RateLimit.PerMinute = 0 }, "per_minute"},
		{"bad port", func(c *Config) { c.Service.Port = 0 }, "service.port"},
		{"admin port collision", func(c *Config) { c.Service.AdminPort = c.Service.Port }, "admin_port"},
		{"missing db host", func(c *Config) { c.Database.Host = "" }, "database.host"},
		{"redis host required", func(c *Config) { c.Redis.Host = "" }, "redis.host"},
		{"zero session depth", func(c *Config) { c.Session.Depth = 0 }, "session.depth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateConfigMap(t *testing.T) {
	ok := map[string]interface{}{
		"rate_limit": map[string]interface{}{"per_minute": 240},
	}
	assert.NoError(t, ValidateConfigMap(ok))

	bad := map[string]interface{}{
		"assistant": map[string]interface{}{"implementation": "gguf"},
	}
	assert.Error(t, ValidateConfigMap(bad))
}

func TestHotReloadAppliesValidConfig(t *testing.T) {
	logger := zap.NewNop()
	cm, err := NewConfigManager(t.TempDir(), logger)
	require.NoError(t, err)

	mcm := NewMeshChatConfigManager(cm, logger)
	require.NoError(t, mcm.Initialize())

	require.NoError(t, cm.SetConfig("meshchat.yaml", map[string]interface{}{
		"rate_limit": map[string]interface{}{"per_minute": 240},
		"session":    map[string]interface{}{"ttl": "1h"},
	}))

	// Handlers run asynchronously.
	require.Eventually(t, func() bool {
		return mcm.GetConfig().RateLimit.PerMinute == 240
	}, 2*time.Second, 10*time.Millisecond)

	cfg := mcm.GetConfig()
	assert.Equal(t, time.Hour, cfg.Session.TTL)
	// Sections absent from the file keep defaults.
	assert.Equal(t, DefaultConfig().Session.Depth, cfg.Session.Depth)
	assert.Equal(t, DefaultConfig().Service.Port, cfg.Service.Port)

	// An invalid update is rejected up front and the config stays put.
	err = cm.SetConfig("meshchat.yaml", map[string]interface{}{
		"assistant": map[string]interface{}{"max_workers": 0},
	})
	require.Error(t, err)
	assert.Equal(t, 240, mcm.GetConfig().RateLimit.PerMinute)
}

func TestHotReloadNotifiesCallbacks(t *testing.T) {
	logger := zap.NewNop()
	cm, err := NewConfigManager(t.TempDir(), logger)
	require.NoError(t, err)

	mcm := NewMeshChatConfigManager(cm, logger)
	require.NoError(t, mcm.Initialize())

	changed := make(chan int, 1)
	mcm.RegisterCallback(func(old, new *Config) error {
		changed <- new.RateLimit.PerMinute
		return nil
	})

	require.NoError(t, cm.SetConfig("meshchat.yaml", map[string]interface{}{
		"rate_limit": map[string]interface{}{"per_minute": 120},
	}))

	select {
	case got := <-changed:
		assert.Equal(t, 120, got)
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestHotReloadRevertsOnDelete(t *testing.T) {
	mcm := NewMeshChatConfigManager(nil, zap.NewNop())
	tuned := DefaultConfig()
	tuned.RateLimit.PerMinute = 999
	mcm.current = tuned

	require.NoError(t, mcm.handleConfigChange(ChangeEvent{File: "meshchat.yaml", Action: "delete"}))
	assert.Equal(t, DefaultConfig().RateLimit.PerMinute, mcm.GetConfig().RateLimit.PerMinute)
}

func TestRedisAddr(t *testing.T) {
	assert.Equal(t, "cache:6380", RedisConfig{Host: "cache", Port: 6380}.Addr())
	assert.Equal(t, "", RedisConfig{Port: 6379}.Addr())
}

func TestConfigYAMLTags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Assistant.Implementation = "obj"
	cfg.Session.Depth = 16

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, cfg.Assistant.Implementation, back.Assistant.Implementation)
	assert.Equal(t, cfg.Session.Depth, back.Session.Depth)
	assert.Equal(t, cfg.Session.TTL, back.Session.TTL)
	assert.Equal(t, cfg.Service.Port, back.Service.Port)
}
