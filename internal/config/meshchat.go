package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the full service configuration. Every field has a default, so
// a missing file or a partial one still yields a runnable config.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Assistant AssistantConfig `mapstructure:"assistant" yaml:"assistant"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Redis     RedisConfig     `mapstructure:"redis" yaml:"redis"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
}

// ServiceConfig covers the two HTTP listeners: the API port and the admin
// port carrying /metrics, /healthz and /readyz.
type ServiceConfig struct {
	Port              int           `mapstructure:"port" yaml:"port"`
	AdminPort         int           `mapstructure:"admin_port" yaml:"admin_port"`
	GracefulTimeout   time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes" yaml:"max_header_bytes"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Encoding    string `mapstructure:"encoding" yaml:"encoding"`
	Development bool   `mapstructure:"development" yaml:"development"`
}

// AuthConfig controls bearer-token validation. SkipAuth trades the token
// check for a fixed dev identity and is the out-of-the-box default; any
// real deployment sets a signing key and turns it off.
type AuthConfig struct {
	SkipAuth        bool          `mapstructure:"skip_auth" yaml:"skip_auth"`
	SigningKey      string        `mapstructure:"signing_key" yaml:"signing_key"`
	TokenExpiry     time.Duration `mapstructure:"token_expiry" yaml:"token_expiry"`
	DevPasswordHash string        `mapstructure:"dev_password_hash" yaml:"dev_password_hash"`
}

// AssistantConfig selects the inference implementation and sizes the
// worker pool. Implementation must be one of the factory tags: llama,
// llama_mock, mock or obj.
type AssistantConfig struct {
	Implementation string        `mapstructure:"implementation" yaml:"implementation"`
	MaxWorkers     int           `mapstructure:"max_workers" yaml:"max_workers"`
	WorkerBinary   string        `mapstructure:"worker_binary" yaml:"worker_binary"`
	ModelPath      string        `mapstructure:"model_path" yaml:"model_path"`
	LoraPath       string        `mapstructure:"lora_path" yaml:"lora_path"`
	LlamaURL       string        `mapstructure:"llama_url" yaml:"llama_url"`
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// HistoryTurns is how many recent messages are fed to the model per
	// request. The product ships with 1: only the latest turn.
	HistoryTurns int `mapstructure:"history_turns" yaml:"history_turns"`
	// MockInterval paces the canned token feeds of the mock
	// implementations. Zero keeps each implementation's own default.
	MockInterval time.Duration `mapstructure:"mock_interval" yaml:"mock_interval"`
	// ReadyTimeout bounds a worker's model load at spawn. Zero keeps the
	// pool's default.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout" yaml:"ready_timeout"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Database        string        `mapstructure:"database" yaml:"database"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections" yaml:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime" yaml:"max_lifetime"`
}

// RedisConfig locates the cache used for chat history and rate limiting.
// Disabled means the service runs without a cache tier: history reads go
// to Postgres and rate limiting falls back to in-process token buckets.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// Addr renders the host:port pair go-redis expects.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StorageConfig locates the S3-compatible object store holding mesh
// blobs. An empty endpoint uses AWS proper; access keys left empty fall
// back to the SDK's default credential chain.
type StorageConfig struct {
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	Region       string `mapstructure:"region" yaml:"region"`
	AccessKey    string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey    string `mapstructure:"secret_key" yaml:"secret_key"`
	BucketPrefix string `mapstructure:"bucket_prefix" yaml:"bucket_prefix"`
	UsePathStyle bool   `mapstructure:"use_path_style" yaml:"use_path_style"`
}

// SessionConfig tunes the chat-history cache.
type SessionConfig struct {
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Depth    int           `mapstructure:"depth" yaml:"depth"`
	MaxChats int           `mapstructure:"max_chats" yaml:"max_chats"`
}

type RateLimitConfig struct {
	PerMinute int `mapstructure:"per_minute" yaml:"per_minute"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

type HealthConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval" yaml:"check_interval"`
	CheckTimeout  time.Duration `mapstructure:"check_timeout" yaml:"check_timeout"`
}

// DefaultConfig returns the configuration the service boots with when no
// file and no environment overrides are present: mock inference, local
// Postgres and Redis, auth skipped.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Port:              8000,
			AdminPort:         8081,
			GracefulTimeout:   10 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Encoding:    "json",
			Development: false,
		},
		Auth: AuthConfig{
			SkipAuth:    true,
			TokenExpiry: 24 * time.Hour,
		},
		Assistant: AssistantConfig{
			Implementation: "llama_mock",
			MaxWorkers:     1,
			WorkerBinary:   "meshworker",
			HistoryTurns:   1,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Database:        "meshchat",
			SSLMode:         "disable",
			MaxConnections:  25,
			IdleConnections: 5,
			MaxLifetime:     5 * time.Minute,
		},
		Redis: RedisConfig{
			Enabled: true,
			Host:    "localhost",
			Port:    6379,
		},
		Storage: StorageConfig{
			Region: "us-east-1",
		},
		Session: SessionConfig{
			TTL:      24 * time.Hour,
			Depth:    64,
			MaxChats: 1024,
		},
		RateLimit: RateLimitConfig{
			PerMinute: 60,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "meshchat",
			OTLPEndpoint: "localhost:4317",
		},
		Health: HealthConfig{
			Enabled:       true,
			CheckInterval: 30 * time.Second,
			CheckTimeout:  5 * time.Second,
		},
	}
}

// Validate rejects configurations the service cannot run with. It is the
// single rule set behind both the startup loader and the hot-reload
// validator.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port %d out of range", c.Service.Port)
	}
	if c.Service.AdminPort < 0 || c.Service.AdminPort > 65535 {
		return fmt.Errorf("service.admin_port %d out of range", c.Service.AdminPort)
	}
	if c.Service.AdminPort != 0 && c.Service.AdminPort == c.Service.Port {
		return fmt.Errorf("service.admin_port must differ from service.port")
	}
	if c.Service.GracefulTimeout <= 0 {
		return fmt.Errorf("service.graceful_timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logging.encoding %q not one of json, console", c.Logging.Encoding)
	}

	if !c.Auth.SkipAuth && c.Auth.SigningKey == "" {
		return fmt.Errorf("auth.signing_key is required unless auth.skip_auth is set")
	}
	if c.Auth.TokenExpiry <= 0 {
		return fmt.Errorf("auth.token_expiry must be positive")
	}

	switch c.Assistant.Implementation {
	case "llama", "llama_mock", "mock", "obj":
	default:
		return fmt.Errorf("assistant.implementation %q not one of llama, llama_mock, mock, obj", c.Assistant.Implementation)
	}
	if c.Assistant.MaxWorkers < 1 {
		return fmt.Errorf("assistant.max_workers must be at least 1")
	}
	if c.Assistant.Implementation == "llama" && c.Assistant.ModelPath == "" && c.Assistant.LlamaURL == "" {
		return fmt.Errorf("assistant.implementation \"llama\" needs assistant.model_path or assistant.llama_url")
	}
	if c.Assistant.HistoryTurns < 1 {
		return fmt.Errorf("assistant.history_turns must be at least 1")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d out of range", c.Database.Port)
	}

	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("redis.host is required when redis.enabled is set")
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.Depth < 1 {
		return fmt.Errorf("session.depth must be at least 1")
	}
	if c.Session.MaxChats < 1 {
		return fmt.Errorf("session.max_chats must be at least 1")
	}

	if c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("rate_limit.per_minute must be at least 1")
	}

	if c.Health.Enabled {
		if c.Health.CheckInterval <= 0 {
			return fmt.Errorf("health.check_interval must be positive")
		}
		if c.Health.CheckTimeout <= 0 {
			return fmt.Errorf("health.check_timeout must be positive")
		}
	}

	return nil
}

// fromMap decodes a parsed config file over the defaults, so keys absent
// from the file keep their default values. Durations are accepted as
// strings ("30s") via viper's decode hooks.
func fromMap(raw map[string]interface{}) (*Config, error) {
	v := viper.New()
	if err := v.MergeConfigMap(raw); err != nil {
		return nil, fmt.Errorf("merge config map: %w", err)
	}
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ValidateConfigMap is the validator registered with the ConfigManager
// for meshchat config files.
func ValidateConfigMap(raw map[string]interface{}) error {
	cfg, err := fromMap(raw)
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// ConfigurationCallback is invoked after a config change is applied.
type ConfigurationCallback func(old, new *Config) error

// MeshChatConfigManager layers the typed meshchat schema over the generic
// file manager: it validates incoming files, keeps the current Config,
// and fans changes out to registered callbacks.
type MeshChatConfigManager struct {
	configManager *ConfigManager
	logger        *zap.Logger

	mu        sync.RWMutex
	current   *Config
	callbacks []ConfigurationCallback
}

// NewMeshChatConfigManager starts from defaults; Initialize picks up any
// config file the underlying manager has already loaded.
func NewMeshChatConfigManager(configManager *ConfigManager, logger *zap.Logger) *MeshChatConfigManager {
	return &MeshChatConfigManager{
		configManager: configManager,
		logger:        logger,
		current:       DefaultConfig(),
	}
}

// configFiles are the filenames the manager reacts to.
var configFiles = []string{"meshchat.yaml", "meshchat.yml", "meshchat.json"}

// Initialize registers the validator and change handler for the meshchat
// config files and adopts any already-loaded configuration.
func (m *MeshChatConfigManager) Initialize() error {
	for _, name := range configFiles {
		m.configManager.RegisterValidator(name, ValidateConfigMap)
		m.configManager.RegisterHandler(name, m.handleConfigChange)
	}

	for _, name := range configFiles {
		if raw, ok := m.configManager.GetConfig(name); ok {
			if err := m.handleConfigChange(ChangeEvent{File: name, Action: "initial_load", Config: raw}); err != nil {
				return fmt.Errorf("apply existing config %s: %w", name, err)
			}
		}
	}
	return nil
}

// GetConfig returns a copy of the current configuration.
func (m *MeshChatConfigManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.current
	return &cfg
}

// RegisterCallback adds a listener for applied config changes.
func (m *MeshChatConfigManager) RegisterCallback(cb ConfigurationCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// handleConfigChange rebuilds the typed config from a file event. A
// deleted file reverts to defaults rather than freezing the last state.
func (m *MeshChatConfigManager) handleConfigChange(event ChangeEvent) error {
	var next *Config
	if event.Action == "delete" {
		m.logger.Warn("Configuration file removed, reverting to defaults",
			zap.String("file", event.File))
		next = DefaultConfig()
	} else {
		cfg, err := fromMap(event.Config)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration in %s: %w", event.File, err)
		}
		next = cfg
	}

	m.mu.Lock()
	old := m.current
	m.current = next
	callbacks := make([]ConfigurationCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	m.logChanges(old, next)

	for _, cb := range callbacks {
		if err := cb(old, next); err != nil {
			m.logger.Error("Configuration callback failed",
				zap.String("file", event.File),
				zap.Error(err))
		}
	}
	return nil
}

// logChanges reports what a reload actually changed, and calls out the
// sections that only take effect after a restart.
func (m *MeshChatConfigManager) logChanges(old, next *Config) {
	if old.Logging.Level != next.Logging.Level {
		m.logger.Info("Log level changed",
			zap.String("old", old.Logging.Level),
			zap.String("new", next.Logging.Level))
	}
	if old.RateLimit != next.RateLimit {
		m.logger.Info("Rate limit changed",
			zap.Int("old_per_minute", old.RateLimit.PerMinute),
			zap.Int("new_per_minute", next.RateLimit.PerMinute))
	}
	if old.Session != next.Session {
		m.logger.Info("Session cache settings changed",
			zap.Duration("ttl", next.Session.TTL),
			zap.Int("depth", next.Session.Depth),
			zap.Int("max_chats", next.Session.MaxChats))
	}
	if old.Assistant.HistoryTurns != next.Assistant.HistoryTurns {
		m.logger.Info("History turns changed",
			zap.Int("old", old.Assistant.HistoryTurns),
			zap.Int("new", next.Assistant.HistoryTurns))
	}

	// Everything wired at startup: listeners, pool, clients.
	oldStatic, nextStatic := *old, *next
	oldStatic.Logging.Level, nextStatic.Logging.Level = "", ""
	oldStatic.RateLimit, nextStatic.RateLimit = RateLimitConfig{}, RateLimitConfig{}
	oldStatic.Session, nextStatic.Session = SessionConfig{}, SessionConfig{}
	oldStatic.Assistant.HistoryTurns, nextStatic.Assistant.HistoryTurns = 0, 0
	if oldStatic != nextStatic {
		m.logger.Info("Static configuration changed, restart required to apply")
	}
}
