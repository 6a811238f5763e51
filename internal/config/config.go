package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Management    ManagementConfig    `yaml:"management"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Audit         AuditConfig         `yaml:"audit"`
	Auth          AuthConfig          `yaml:"auth"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Log           LogConfig           `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig enables the shared request budget when Enabled is set.
// Without it each process keeps its own in-memory budget.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type ManagementConfig struct {
	BaseURL           string        `yaml:"base_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryMinDelay     time.Duration `yaml:"retry_min_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
	ValidateOnStart   bool          `yaml:"validate_on_start"`
}

type CredentialsConfig struct {
	Token            string `yaml:"token"`
	ProjectRef       string `yaml:"project_ref"`
	CheckAllProjects bool   `yaml:"check_all_projects"`
	OwnerID          string `yaml:"owner_id"`
	// EncryptionKey seals tokens stored in user_pats. 32 bytes, hex encoded.
	EncryptionKey string `yaml:"encryption_key"`
}

type AuditConfig struct {
	MaxConcurrency     int           `yaml:"max_concurrency"`
	ReservedSchemas    []string      `yaml:"reserved_schemas"`
	EvidencePageSize   int           `yaml:"evidence_page_size"`
	EvidenceQueueSize  int           `yaml:"evidence_queue_size"`
	RunTimeout         time.Duration `yaml:"run_timeout"`
	Schedule           string        `yaml:"schedule"`
	EvidenceRefreshJob string        `yaml:"evidence_refresh_schedule"`
}

type AuthConfig struct {
	JWTSecret         string        `yaml:"jwt_secret"`
	AccessTokenExpiry time.Duration `yaml:"access_token_expiry"`
	Issuer            string        `yaml:"issuer"`
}

type NotificationsConfig struct {
	NotifyOnError bool              `yaml:"notify_on_error"`
	Slack         SlackNotifyConfig `yaml:"slack"`
	Email         EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	if c.Management.BaseURL == "" {
		c.Management.BaseURL = "http://localhost:3000/api"
	}
	if c.Management.Timeout == 0 {
		c.Management.Timeout = 30 * time.Second
	}
	if c.Management.RequestsPerMinute == 0 {
		c.Management.RequestsPerMinute = 60
	}
	if c.Management.RetryAttempts == 0 {
		c.Management.RetryAttempts = 3
	}
	if c.Management.RetryMinDelay == 0 {
		c.Management.RetryMinDelay = 500 * time.Millisecond
	}
	if c.Management.RetryMaxDelay == 0 {
		c.Management.RetryMaxDelay = 10 * time.Second
	}

	if c.Audit.MaxConcurrency == 0 {
		c.Audit.MaxConcurrency = 4
	}
	if len(c.Audit.ReservedSchemas) == 0 {
		c.Audit.ReservedSchemas = []string{"pg_catalog", "information_schema", "pg_toast"}
	}
	if c.Audit.EvidencePageSize == 0 {
		c.Audit.EvidencePageSize = 100
	}
	if c.Audit.EvidenceQueueSize == 0 {
		c.Audit.EvidenceQueueSize = 256
	}
	if c.Audit.RunTimeout == 0 {
		c.Audit.RunTimeout = 10 * time.Minute
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = "change-me-in-production"

		fmt.Println("WARNING: Using default JWT secret. Set auth.jwt_secret in production!")
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 12 * time.Hour
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "dbcompliance"
	}

	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}

	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "evidence/"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}
