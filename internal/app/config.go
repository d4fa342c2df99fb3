package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// EnvPrefix — префикс переменных окружения сервиса.
const EnvPrefix = "ORDERCORE"

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска приложения.
type Config struct {
	HTTP        HTTPConfig
	GRPC        GRPCConfig
	Metrics     MetricsConfig
	Storage     StorageConfig
	Kafka       KafkaConfig
	Outbox      OutboxConfig
	Idempotency IdempotencyConfig
	Numbering   NumberingConfig
	Invoice     InvoiceConfig
	Log         LogConfig

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

type HTTPConfig struct {
	Addr              string        `envconfig:"ADDR" default:":8080"`
	AllowedOrigins    []string      `envconfig:"ALLOWED_ORIGINS"`
	ReadHeaderTimeout time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`
}

type GRPCConfig struct {
	Addr string `envconfig:"ADDR" default:":50051"`
}

type MetricsConfig struct {
	Addr string `envconfig:"ADDR" default:":9090"`
}

type StorageConfig struct {
	Driver       string `envconfig:"DRIVER" default:"memory"`
	PostgresDSN  string `envconfig:"POSTGRES_DSN"`
	AutoMigrate  bool   `envconfig:"AUTO_MIGRATE" default:"true"`
	MaxOpenConns int    `envconfig:"MAX_OPEN_CONNS" default:"25"`
	// SeedDemo заполняет каталог и остатки демонстрационными данными.
	SeedDemo bool `envconfig:"SEED_DEMO" default:"false"`
}

type KafkaConfig struct {
	Brokers  []string `envconfig:"BROKERS"`
	ClientID string   `envconfig:"CLIENT_ID" default:"ordercore"`
}

type OutboxConfig struct {
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	BatchSize    int           `envconfig:"BATCH_SIZE" default:"100"`
	MaxAttempts  int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	RetryDelay   time.Duration `envconfig:"RETRY_DELAY" default:"100ms"`
}

type IdempotencyConfig struct {
	TTL             time.Duration `envconfig:"TTL" default:"24h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1m"`
	CleanupBatch    int           `envconfig:"CLEANUP_BATCH" default:"500"`
}

type NumberingConfig struct {
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	BaseDelay   time.Duration `envconfig:"BASE_DELAY" default:"10ms"`
	MaxDelay    time.Duration `envconfig:"MAX_DELAY" default:"500ms"`
	TimeZone    string        `envconfig:"TIME_ZONE" default:"Local"`
}

// Location возвращает зону для даты в номере; "Local" означает часовой пояс процесса.
func (c NumberingConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.TimeZone)
}

type InvoiceConfig struct {
	PaymentTermDays int `envconfig:"PAYMENT_TERM_DAYS" default:"30"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"text"`
}

// LoadConfig читает конфигурацию из окружения (ORDERCORE_*) и проверяет её.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig возвращает значения из default-тегов без чтения окружения.
func DefaultConfig() Config {
	return Config{
		HTTP:    HTTPConfig{Addr: ":8080", ReadHeaderTimeout: 5 * time.Second},
		GRPC:    GRPCConfig{Addr: ":50051"},
		Metrics: MetricsConfig{Addr: ":9090"},
		Storage: StorageConfig{Driver: StorageDriverMemory, AutoMigrate: true, MaxOpenConns: 25},
		Kafka:   KafkaConfig{ClientID: "ordercore"},
		Outbox: OutboxConfig{
			PollInterval: time.Second,
			BatchSize:    100,
			MaxAttempts:  3,
			RetryDelay:   100 * time.Millisecond,
		},
		Idempotency: IdempotencyConfig{
			TTL:             24 * time.Hour,
			CleanupInterval: time.Minute,
			CleanupBatch:    500,
		},
		Numbering: NumberingConfig{
			MaxAttempts: 5,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    500 * time.Millisecond,
			TimeZone:    "Local",
		},
		Invoice:         InvoiceConfig{PaymentTermDays: 30},
		Log:             LogConfig{Level: "info", Format: "text"},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate отклоняет несогласованные настройки. Возвращает все найденные проблемы сразу.
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Driver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			errs = append(errs, errors.New("storage: postgres driver requires POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unsupported driver %q", c.Storage.Driver))
	}

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http: address is required"))
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 || c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox: poll interval, batch size and max attempts must be positive"))
	}
	if c.Idempotency.TTL <= 0 || c.Idempotency.CleanupInterval <= 0 || c.Idempotency.CleanupBatch <= 0 {
		errs = append(errs, errors.New("idempotency: ttl, cleanup interval and batch must be positive"))
	}
	if c.Numbering.MaxAttempts <= 0 {
		errs = append(errs, errors.New("numbering: max attempts must be positive"))
	}
	if c.Numbering.MaxDelay < c.Numbering.BaseDelay {
		errs = append(errs, errors.New("numbering: max delay must not be less than base delay"))
	}
	if _, err := c.Numbering.Location(); err != nil {
		errs = append(errs, fmt.Errorf("numbering: time zone %q: %w", c.Numbering.TimeZone, err))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Invoice.PaymentTermDays < 0 {
		errs = append(errs, errors.New("invoice: payment term days must not be negative"))
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log: unsupported format %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ConfigureLogging настраивает глобальный logrus: уровень и формат вывода.
func ConfigureLogging(cfg LogConfig) {
	log.SetOutput(os.Stdout)
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
}
