// Package config loads the application configuration for both the
// kbmapi-server and kbmapi-orchestrator binaries: a typed Config struct
// tagged mapstructure:"...", viper defaults set before any file/env
// read, and an explicit Validate() run after Unmarshal.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for this service.
type Config struct {
	Store        StoreConfig        `mapstructure:"store"`
	Server       ServerConfig       `mapstructure:"server"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Pruner       PrunerConfig       `mapstructure:"pruner"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	App          AppConfig          `mapstructure:"app"`
}

// StoreBackend selects the Store implementation.
type StoreBackend string

const (
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendPostgres StoreBackend = "postgres"
)

// StoreConfig holds the backing-store selection and connection tuning.
type StoreConfig struct {
	Backend StoreBackend `mapstructure:"backend"`

	// Postgres connection settings, used when Backend == "postgres".
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int32         `mapstructure:"max_connections"`
	MinConnections  int32         `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	URL             string        `mapstructure:"url"`

	// TestBucketPrefix is loaded from test_bucket_prefix; neither store
	// backend reads it, so bucket and table names do not depend on it.
	TestBucketPrefix string `mapstructure:"test_bucket_prefix"`
}

// ServerConfig holds the HTTP server's listen/timeout tuning (kbmapi-server).
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
	RequestsPerSecond       float64       `mapstructure:"requests_per_second"`
	RequestBurst            int           `mapstructure:"request_burst"`
}

// OrchestratorConfig holds the kbmapi-orchestrator binary's tuning.
type OrchestratorConfig struct {
	InstanceUUID string        `mapstructure:"instance_uuid"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	TaskDeadline time.Duration `mapstructure:"task_deadline"`
	PIVCacheSize int           `mapstructure:"piv_cache_size"`
	NodeAgentURL string        `mapstructure:"node_agent_url"`
}

// PrunerConfig holds the retention-sweep tuning. Only kbmapi-orchestrator
// runs the pruner: on its own ticker, and once more after each
// transition it processes successfully; kbmapi-server never runs it.
type PrunerConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	HistoryDuration time.Duration `mapstructure:"history_duration"`
}

// AuthConfig holds the admin fallback public key for HTTP-Signature
// authentication, tried when a signature does not verify against the
// PIV token's own key, and
// the recovery-token freshness window repeated PIV-token creates are
// judged against.
type AuthConfig struct {
	AdminPublicKey        string        `mapstructure:"admin_public_key"`
	RecoveryTokenDuration time.Duration `mapstructure:"recovery_token_duration"`
}

// LogConfig holds level/format plus lumberjack rotation fields, used
// only when Filename is non-empty.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig holds the Prometheus exposition endpoint settings.
type MetricsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Path          string        `mapstructure:"path"`
	Port          int           `mapstructure:"port"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
}

// AppConfig holds miscellaneous application identity fields.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// LoadConfig loads configuration from an optional YAML file layered
// under environment variables and defaults, then validates it.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("store.backend", "postgres")
	viper.SetDefault("store.host", "localhost")
	viper.SetDefault("store.port", 5432)
	viper.SetDefault("store.database", "kbmapi")
	viper.SetDefault("store.username", "kbmapi")
	viper.SetDefault("store.password", "")
	viper.SetDefault("store.ssl_mode", "disable")
	viper.SetDefault("store.max_connections", 25)
	viper.SetDefault("store.min_connections", 2)
	viper.SetDefault("store.max_conn_lifetime", "1h")
	viper.SetDefault("store.max_conn_idle_time", "30m")
	viper.SetDefault("store.connect_timeout", "10s")
	viper.SetDefault("store.test_bucket_prefix", "")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")
	viper.SetDefault("server.requests_per_second", 50.0)
	viper.SetDefault("server.request_burst", 100)

	viper.SetDefault("orchestrator.poll_interval", "5s")
	viper.SetDefault("orchestrator.task_deadline", "5m")
	viper.SetDefault("orchestrator.piv_cache_size", 1024)
	viper.SetDefault("orchestrator.node_agent_url", "http://localhost:8081")

	viper.SetDefault("pruner.poll_interval", "10m")
	viper.SetDefault("pruner.history_duration", "720h") // 30 days

	viper.SetDefault("auth.admin_public_key", "")
	viper.SetDefault("auth.recovery_token_duration", "24h")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.filename", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.gather_timeout", "5s")

	viper.SetDefault("app.name", "kbmapi")
	viper.SetDefault("app.environment", "development")
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Store.Backend != StoreBackendMemory && c.Store.Backend != StoreBackendPostgres {
		return fmt.Errorf("invalid store backend: %s (must be 'memory' or 'postgres')", c.Store.Backend)
	}
	if c.Store.Backend == StoreBackendPostgres {
		if c.Store.Host == "" {
			return fmt.Errorf("store.host cannot be empty for postgres backend")
		}
		if c.Store.Database == "" {
			return fmt.Errorf("store.database cannot be empty for postgres backend")
		}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Orchestrator.PollInterval <= 0 {
		return fmt.Errorf("orchestrator.poll_interval must be positive")
	}
	if c.Orchestrator.TaskDeadline <= 0 {
		return fmt.Errorf("orchestrator.task_deadline must be positive")
	}

	if c.Pruner.PollInterval <= 0 {
		return fmt.Errorf("pruner.poll_interval must be positive")
	}
	if c.Pruner.HistoryDuration <= 0 {
		return fmt.Errorf("pruner.history_duration must be positive")
	}

	if c.Auth.RecoveryTokenDuration <= 0 {
		return fmt.Errorf("auth.recovery_token_duration must be positive")
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log level cannot be empty")
	}

	if c.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}

	return nil
}

// DatabaseURL constructs the pgx connection string from the store
// config, unless an explicit URL was provided.
func (c *Config) DatabaseURL() string {
	if c.Store.URL != "" {
		return c.Store.URL
	}
	sslMode := c.Store.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Store.Username, c.Store.Password, c.Store.Host, c.Store.Port, c.Store.Database, sslMode)
}

// IsDevelopment reports whether the app is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}
