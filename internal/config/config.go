package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"erpsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	ERP        ERPConfig        `yaml:"erp"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Sync       SyncConfig       `yaml:"sync"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

// APIGRPCConfig configures the gRPC health endpoint.
type APIGRPCConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Port           int           `yaml:"port"`
	Reflection     bool          `yaml:"reflection"`
	HealthInterval time.Duration `yaml:"health_interval"`
	TLS            APITLSConfig  `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// TelegramConfig configures the operator notification sink.
type TelegramConfig struct {
	Enabled  bool    `yaml:"enabled"`
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
	Debug    bool    `yaml:"debug"`
}

type ERPConfig struct {
	BaseURL      string        `yaml:"base_url"`
	TokenURL     string        `yaml:"token_url"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	Scopes       []string      `yaml:"scopes"`
	Timeout      time.Duration `yaml:"timeout"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	Burst        int           `yaml:"burst"`
}

type DispatcherConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	BatchSize         int           `yaml:"batch_size"`
	Workers           int           `yaml:"workers"`
	CatalogDelay      time.Duration `yaml:"catalog_delay"`
	StaleRunningAfter time.Duration `yaml:"stale_running_after"`
	WakeQueueKey      string        `yaml:"wake_queue_key"`
}

type SyncConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	StuckThreshold   time.Duration `yaml:"stuck_threshold"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.ERP.BaseURL == "" {
		return errors.New("erp.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.ERP.BaseURL); err != nil {
		return fmt.Errorf("erp.base_url is invalid: %w", err)
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return errors.New("telegram.bot_token is required when telegram is enabled")
		}
		if len(c.Telegram.ChatIDs) == 0 {
			return errors.New("telegram.chat_ids must list at least one chat")
		}
	}

	if tls := c.API.GRPC.TLS; c.API.GRPC.Enabled && tls.Enabled {
		if tls.CertFile == "" || tls.KeyFile == "" {
			return errors.New("api.grpc.tls requires cert_file and key_file")
		}
		if tls.RequireClientCert && tls.ClientCAFile == "" {
			return errors.New("api.grpc.tls.require_client_cert needs client_ca_file")
		}
	}

	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be >= 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Dispatcher.Workers < 1 {
		return fmt.Errorf("dispatcher.workers must be >= 1, got %d", c.Dispatcher.Workers)
	}
	if c.Dispatcher.CatalogDelay < models.CatalogMinDelay {
		return fmt.Errorf("dispatcher.catalog_delay must be >= %s", models.CatalogMinDelay)
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

// ValidateAPIKeys rejects empty and duplicate keys.
func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if k.Key == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "erpsync"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.GRPC.HealthInterval == 0 {
		c.API.GRPC.HealthInterval = 15 * time.Second
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.ERP.Timeout == 0 {
		c.ERP.Timeout = 30 * time.Second
	}
	if c.ERP.RateLimitRPS == 0 {
		c.ERP.RateLimitRPS = 5
	}
	if c.ERP.Burst == 0 {
		c.ERP.Burst = 5
	}

	if c.Dispatcher.PollInterval == 0 {
		c.Dispatcher.PollInterval = models.DefaultPollInterval
	}
	if c.Dispatcher.BatchSize == 0 {
		c.Dispatcher.BatchSize = models.DefaultBatchSize
	}
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = models.DefaultWorkers
	}
	if c.Dispatcher.CatalogDelay == 0 {
		c.Dispatcher.CatalogDelay = models.CatalogMinDelay
	}
	if c.Dispatcher.StaleRunningAfter == 0 {
		c.Dispatcher.StaleRunningAfter = models.StaleRunningAfter
	}
	if c.Dispatcher.WakeQueueKey == "" {
		c.Dispatcher.WakeQueueKey = models.DefaultWakeQueueKey
	}

	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = models.MaxSyncAttempts
	}
	if c.Sync.RetryDelay == 0 {
		c.Sync.RetryDelay = models.SyncRetryDelay
	}
	if c.Sync.StuckThreshold == 0 {
		c.Sync.StuckThreshold = models.StuckThreshold
	}
	if c.Sync.RecoveryInterval == 0 {
		c.Sync.RecoveryInterval = time.Minute
	}
	if c.Sync.LockTTL == 0 {
		c.Sync.LockTTL = 2 * time.Minute
	}
}
