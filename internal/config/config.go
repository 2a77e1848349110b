package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the orchestrator.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Dify       DifyConfig       `yaml:"dify"`
	ERP        ERPConfig        `yaml:"erp"`
	MasterData MasterDataConfig `yaml:"masterdata"`
	Blob       BlobConfig       `yaml:"blob"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	SES        SESConfig        `yaml:"ses"`
	Listener   ListenerConfig   `yaml:"listener"`
	Graph      GraphConfig      `yaml:"graph"`
	Auth       AuthConfig       `yaml:"auth"`
}

// AppConfig holds app-wide settings.
type AppConfig struct {
	Env      string `yaml:"env"`       // dev/staging/prod
	LogLevel string `yaml:"log_level"` // DEBUG/INFO/WARN/ERROR
}

// DBEcho returns true when verbose DB logging should be enabled.
func (c AppConfig) DBEcho() bool { return c.Env == "dev" }

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CheckpointConfig selects the checkpoint backend. The TTL is the retention
// period for finalized runs; paused MANUAL_REVIEW runs never expire.
type CheckpointConfig struct {
	Backend    string `yaml:"backend"` // "memory" or "durable"
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// TTL returns the checkpoint retention period.
func (c CheckpointConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// DifyApp holds the routing target for one LLM chat-flow.
type DifyApp struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	AppKey  string `yaml:"app_key" json:"app_key"`
}

// DifyConfig holds LLM chat-flow settings. Apps maps a logical flow name
// ("contract", "order_payload") to its routing target; flows not present in
// the map fall back to the top-level BaseURL and keys.
type DifyConfig struct {
	BaseURL        string             `yaml:"base_url"`
	ContractKey    string             `yaml:"contract_app_key"`
	OrderKey       string             `yaml:"order_app_key"`
	Apps           map[string]DifyApp `yaml:"apps"`
	TimeoutSeconds int                `yaml:"timeout_seconds"`
}

// Timeout returns the per-request LLM timeout.
func (c DifyConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// App resolves the routing target for a logical flow name. Both the short
// name ("contract") and the fully qualified node key
// ("sales_email-call_dify_contract") are accepted in the Apps map.
func (c DifyConfig) App(name string) DifyApp {
	if app, ok := c.Apps[name]; ok && app.BaseURL != "" {
		return app
	}
	if app, ok := c.Apps["sales_email-call_dify_"+name]; ok && app.BaseURL != "" {
		return app
	}
	key := ""
	switch name {
	case "contract":
		key = c.ContractKey
	case "order_payload":
		key = c.OrderKey
	}
	return DifyApp{BaseURL: c.BaseURL, AppKey: key}
}

// ERPConfig holds ERP gateway settings.
type ERPConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TenantID       string `yaml:"tenant_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the per-request ERP timeout.
func (c ERPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MasterDataConfig holds master-data service and cache settings.
type MasterDataConfig struct {
	APIURL          string `yaml:"api_url"`
	APIKey          string `yaml:"api_key"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// CacheTTL returns the master-data snapshot TTL.
func (c MasterDataConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Timeout returns the per-request master-data timeout.
func (c MasterDataConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BlobConfig holds blob store settings. Backend "local" writes under
// BaseDir; "s3" uploads to the configured bucket.
type BlobConfig struct {
	Backend       string `yaml:"backend"` // "local" or "s3"
	BaseDir       string `yaml:"base_dir"`
	PublicBaseURL string `yaml:"public_base_url"`
	S3Bucket      string `yaml:"s3_bucket"`
	S3Region      string `yaml:"s3_region"`
	S3Prefix      string `yaml:"s3_prefix"`
}

// SMTPConfig holds SMTP notifier settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	SalesTo  string `yaml:"sales_to"`
}

// SESConfig holds AWS SES notifier settings. When enabled, SES takes
// priority over SMTP.
type SESConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	From      string `yaml:"from"`
	SalesTo   string `yaml:"sales_to"`
}

// ListenerConfig holds channel listener settings. AllowFrom maps a channel
// name to its sender whitelist; an absent or empty list allows all senders.
type ListenerConfig struct {
	Enabled             []string            `yaml:"enabled"`
	PollIntervalSeconds int                 `yaml:"poll_interval_seconds"`
	AllowFrom           map[string][]string `yaml:"allow_from"`
	RestMail            RestMailConfig      `yaml:"restmail"`
}

// PollInterval returns the per-channel sweep period.
func (c ListenerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RestMailConfig holds the REST mailbox provider settings (OAuth2 client
// credentials flow).
type RestMailConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Account      string `yaml:"account"`
	Folder       string `yaml:"folder"`
}

// GraphConfig holds orchestration graph tuning.
type GraphConfig struct {
	StepTimeoutSeconds int      `yaml:"step_timeout_seconds"`
	SignalPolicy       string   `yaml:"signal_policy"` // "strict" or "passthrough"
	CustomerScoreMin   float64  `yaml:"customer_score_min"`
	ContractKeywords   []string `yaml:"contract_keywords"`
}

// StepTimeout returns the per-step wall clock limit. Zero means no limit.
func (c GraphConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutSeconds) * time.Second
}

// AuthConfig holds manual-review authorization settings.
type AuthConfig struct {
	APIKey         string   `yaml:"api_key"`
	AllowedTenants []string `yaml:"allowed_tenants"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.App.Env == "" {
		cfg.App.Env = "dev"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "INFO"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = "durable"
	}
	if cfg.Checkpoint.TTLSeconds == 0 {
		cfg.Checkpoint.TTLSeconds = 30 * 24 * 3600
	}
	if cfg.Dify.BaseURL == "" {
		cfg.Dify.BaseURL = "https://api.dify.ai"
	}
	if cfg.Dify.TimeoutSeconds == 0 {
		cfg.Dify.TimeoutSeconds = 120
	}
	if cfg.ERP.TimeoutSeconds == 0 {
		cfg.ERP.TimeoutSeconds = 30
	}
	if cfg.MasterData.CacheTTLSeconds == 0 {
		cfg.MasterData.CacheTTLSeconds = 300
	}
	if cfg.MasterData.TimeoutSeconds == 0 {
		cfg.MasterData.TimeoutSeconds = 30
	}
	if cfg.Blob.Backend == "" {
		cfg.Blob.Backend = "local"
	}
	if cfg.Blob.BaseDir == "" {
		cfg.Blob.BaseDir = "public/files"
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.Listener.PollIntervalSeconds == 0 {
		cfg.Listener.PollIntervalSeconds = 60
	}
	if cfg.Graph.StepTimeoutSeconds == 0 {
		cfg.Graph.StepTimeoutSeconds = 180
	}
	if cfg.Graph.SignalPolicy == "" {
		cfg.Graph.SignalPolicy = "strict"
	}
	if cfg.Graph.CustomerScoreMin == 0 {
		cfg.Graph.CustomerScoreMin = 75
	}
	if len(cfg.Graph.ContractKeywords) == 0 {
		cfg.Graph.ContractKeywords = []string{"采购合同", "purchase contract", "purchase order"}
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
// If the yaml file is missing, config starts from defaults.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CHECKPOINT_BACKEND"); v != "" {
		cfg.Checkpoint.Backend = v
	}
	if v := os.Getenv("DIFY_BASE_URL"); v != "" {
		cfg.Dify.BaseURL = v
	}
	if v := os.Getenv("DIFY_CONTRACT_APP_KEY"); v != "" {
		cfg.Dify.ContractKey = v
	}
	if v := os.Getenv("DIFY_ORDER_APP_KEY"); v != "" {
		cfg.Dify.OrderKey = v
	}
	// DIFY_CONF: JSON map {"flow": {"base_url": ..., "app_key": ...}}
	if v := os.Getenv("DIFY_CONF"); v != "" {
		apps := map[string]DifyApp{}
		if err := json.Unmarshal([]byte(v), &apps); err == nil {
			cfg.Dify.Apps = apps
		}
	}
	if v := os.Getenv("ERP_BASE_URL"); v != "" {
		cfg.ERP.BaseURL = v
	}
	if v := os.Getenv("ERP_API_KEY"); v != "" {
		cfg.ERP.APIKey = v
	}
	if v := os.Getenv("ERP_TENANT_ID"); v != "" {
		cfg.ERP.TenantID = v
	}
	if v := os.Getenv("MASTERDATA_API_URL"); v != "" {
		cfg.MasterData.APIURL = v
	}
	if v := os.Getenv("MASTERDATA_API_KEY"); v != "" {
		cfg.MasterData.APIKey = v
	}
	if v := os.Getenv("CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MasterData.CacheTTLSeconds = n
		}
	}
	if v := os.Getenv("BLOB_BASE_DIR"); v != "" {
		cfg.Blob.BaseDir = v
	}
	if v := os.Getenv("BLOB_S3_BUCKET"); v != "" {
		cfg.Blob.S3Bucket = v
		cfg.Blob.Backend = "s3"
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.SMTP.User = v
	}
	if v := os.Getenv("SMTP_PASS"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("ENABLED_LISTENERS"); v != "" {
		names := []string{}
		for _, n := range strings.Split(v, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
		cfg.Listener.Enabled = names
	}
	if v := os.Getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Listener.PollIntervalSeconds = n
		}
	}
	// CHANNEL_ALLOW_FROM: JSON map {channel: [sender_id, ...]}; empty allows all
	if v := os.Getenv("CHANNEL_ALLOW_FROM"); v != "" {
		allow := map[string][]string{}
		if err := json.Unmarshal([]byte(v), &allow); err == nil {
			cfg.Listener.AllowFrom = allow
		}
	}
	if v := os.Getenv("STEP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Graph.StepTimeoutSeconds = n
		}
	}
	if v := os.Getenv("SIGNAL_POLICY"); v != "" {
		cfg.Graph.SignalPolicy = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("ALLOWED_TENANTS"); v != "" {
		cfg.Auth.AllowedTenants = strings.Split(v, ",")
	}

	return cfg, nil
}
