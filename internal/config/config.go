package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig      `yaml:"server"`
	Database       DatabaseConfig    `yaml:"database"`
	RabbitMQ       RabbitMQConfig    `yaml:"rabbitmq"`
	Logging        LoggingConfig     `yaml:"logging"`
	App            AppConfig         `yaml:"app"`
	Worker         WorkerConfig      `yaml:"worker"`
	Export         ExportConfig      `yaml:"export"`
	DatasetService HTTPServiceConfig `yaml:"dataset_service"`
	UserService    HTTPServiceConfig `yaml:"user_service"`
	BlobStore      BlobStoreConfig   `yaml:"blob_store"`
	Redis          RedisConfig       `yaml:"redis"`
	Outbox         OutboxConfig      `yaml:"outbox"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration.
// Rejected deliveries are routed to DeadLetterExchange when it is set.
// Retried deliveries wait RetryDelay in a retry queue when it is positive.
type QueueConfig struct {
	Name               string        `yaml:"name"`
	Durable            bool          `yaml:"durable"`
	AutoDelete         bool          `yaml:"auto_delete"`
	Exclusive          bool          `yaml:"exclusive"`
	DeadLetterExchange string        `yaml:"dead_letter_exchange"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxRetries caps redeliveries of an export that failed before it was claimed
	MaxRetries int `yaml:"max_retries"`
}

// ExportConfig holds export generation settings
type ExportConfig struct {
	TTL                 time.Duration `yaml:"ttl"`
	BatchSize           int           `yaml:"batch_size"`
	SnapshotConcurrency int           `yaml:"snapshot_concurrency"`
	ScratchDir          string        `yaml:"scratch_dir"`
	TimeLayout          string        `yaml:"time_layout"`
	TimeZone            string        `yaml:"time_zone"`
	LegacyExportDir     string        `yaml:"legacy_export_dir"`
}

// HTTPServiceConfig holds the address and resilience settings of a downstream HTTP service
type HTTPServiceConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      uint64        `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// BlobStoreConfig holds S3-compatible object storage settings
type BlobStoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Region          string `yaml:"region"`
	ExportBucket    string `yaml:"export_bucket"`
	OriginalsBucket string `yaml:"originals_bucket"`
}

// RedisConfig holds the user cache connection settings
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	UserTTL  time.Duration `yaml:"user_ttl"`
}

// OutboxConfig holds relay settings for pending export notifications
type OutboxConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Validate checks the database and broker settings shared by the services
func (c *Config) Validate() error {
	if err := c.ValidateDatabaseConfig(); err != nil {
		return err
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateDatabaseConfig checks the PostgreSQL settings
func (c *Config) ValidateDatabaseConfig() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

// ValidateAPIConfig checks the api-service settings
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if err := c.validateBlobStore(); err != nil {
		return err
	}

	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch_size must be greater than 0")
	}

	if c.Outbox.Interval <= 0 {
		return fmt.Errorf("outbox interval must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the worker-service settings
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative")
	}

	if c.RabbitMQ.Queue.RetryDelay < 0 {
		return fmt.Errorf("rabbitmq queue retry_delay must not be negative")
	}

	if c.Export.TTL <= 0 {
		return fmt.Errorf("export ttl must be greater than 0")
	}

	if c.Export.BatchSize <= 0 {
		return fmt.Errorf("export batch_size must be greater than 0")
	}

	if c.Export.SnapshotConcurrency <= 0 {
		return fmt.Errorf("export snapshot_concurrency must be greater than 0")
	}

	if _, err := c.Export.Location(); err != nil {
		return err
	}

	if c.DatasetService.BaseURL == "" {
		return fmt.Errorf("dataset_service base_url is required")
	}

	if c.UserService.BaseURL == "" {
		return fmt.Errorf("user_service base_url is required")
	}

	if err := c.validateBlobStore(); err != nil {
		return err
	}

	if c.BlobStore.OriginalsBucket == "" {
		return fmt.Errorf("blob_store originals_bucket is required")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}

	return nil
}

// ValidateMigrateFilesConfig checks the migrate-files settings
func (c *Config) ValidateMigrateFilesConfig() error {
	if err := c.validateBlobStore(); err != nil {
		return err
	}

	if c.Export.LegacyExportDir == "" {
		return fmt.Errorf("export legacy_export_dir is required")
	}

	return nil
}

func (c *Config) validateBlobStore() error {
	if c.BlobStore.Endpoint == "" {
		return fmt.Errorf("blob_store endpoint is required")
	}

	if c.BlobStore.ExportBucket == "" {
		return fmt.Errorf("blob_store export_bucket is required")
	}

	return nil
}

// Location loads the time zone used to render spreadsheet times. Empty means UTC.
func (e ExportConfig) Location() (*time.Location, error) {
	if e.TimeZone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(e.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid export time_zone %q: %w", e.TimeZone, err)
	}

	return loc, nil
}
