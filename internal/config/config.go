// Package config loads and watches the service configuration: a YAML
// file decoded over typed defaults, with environment overrides for the
// values that differ per deployment, and an fsnotify-backed manager that
// hot-reloads the file at runtime.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Load reads the configuration file, applies environment overrides and
// validates the result. A missing file is not an error: defaults plus
// environment cover deployments that mount no config at all.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := Path(); path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Path resolves the config file location. MESHCHAT_CONFIG wins; otherwise
// the first conventional path that exists is used. Empty means no file.
func Path() string {
	if p := os.Getenv("MESHCHAT_CONFIG"); p != "" {
		return p
	}
	for _, p := range []string{"config/meshchat.yaml", "/app/config/meshchat.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// applyEnvOverrides layers deployment environment variables over the file
// values. Only the knobs that vary per container are exposed this way;
// everything else belongs in the file.
func applyEnvOverrides(cfg *Config) {
	envInt("PORT", &cfg.Service.Port)
	envInt("ADMIN_PORT", &cfg.Service.AdminPort)

	envString("LOG_LEVEL", &cfg.Logging.Level)

	envString("DB_HOST", &cfg.Database.Host)
	envInt("DB_PORT", &cfg.Database.Port)
	envString("DB_USER", &cfg.Database.User)
	envString("DB_PASSWORD", &cfg.Database.Password)
	envString("DB_NAME", &cfg.Database.Database)
	envString("DB_SSLMODE", &cfg.Database.SSLMode)

	envBool("REDIS_ENABLED", &cfg.Redis.Enabled)
	envString("REDIS_HOST", &cfg.Redis.Host)
	envInt("REDIS_PORT", &cfg.Redis.Port)
	envString("REDIS_PASSWORD", &cfg.Redis.Password)

	envString("S3_ENDPOINT", &cfg.Storage.Endpoint)
	envString("S3_REGION", &cfg.Storage.Region)
	envString("S3_ACCESS_KEY", &cfg.Storage.AccessKey)
	envString("S3_SECRET_KEY", &cfg.Storage.SecretKey)
	envString("S3_BUCKET_PREFIX", &cfg.Storage.BucketPrefix)
	envBool("S3_USE_PATH_STYLE", &cfg.Storage.UsePathStyle)

	envBool("AUTH_SKIP", &cfg.Auth.SkipAuth)
	envString("AUTH_SIGNING_KEY", &cfg.Auth.SigningKey)
	envString("DEV_PASSWORD_HASH", &cfg.Auth.DevPasswordHash)

	envString("ASSISTANT_IMPL", &cfg.Assistant.Implementation)
	envInt("MAX_WORKERS", &cfg.Assistant.MaxWorkers)
	envString("WORKER_BINARY", &cfg.Assistant.WorkerBinary)
	envString("MODEL_PATH", &cfg.Assistant.ModelPath)
	envString("LORA_PATH", &cfg.Assistant.LoraPath)
	envString("LLAMA_URL", &cfg.Assistant.LlamaURL)

	envInt("RATE_LIMIT_PER_MINUTE", &cfg.RateLimit.PerMinute)

	envBool("ENABLE_TRACING", &cfg.Tracing.Enabled)
	envString("OTLP_ENDPOINT", &cfg.Tracing.OTLPEndpoint)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}
