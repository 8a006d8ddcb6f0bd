package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StorageLocal = "local"
	StorageS3    = "s3"
	StorageKafka = "kafka"
)

type Config struct {
	Collector CollectorConfig `yaml:"collector"`
	Source    SourceConfig    `yaml:"source"`
	Queue     QueueConfig     `yaml:"queue"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Status    StatusConfig    `yaml:"status"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type CollectorConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

// BinanceSourceConfig drives the Binance USDT-M futures connection.
type BinanceSourceConfig struct {
	Enabled           bool          `yaml:"enabled"`
	URL               string        `yaml:"url"`
	Symbols           []string      `yaml:"symbols"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

type MetricsConfig struct {
	EPSInterval    time.Duration    `yaml:"eps_interval"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type WriterConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Compression   string        `yaml:"compression"`
	MaxWorkers    int           `yaml:"max_workers"`
}

type StorageConfig struct {
	Backend string             `yaml:"backend"`
	Local   LocalStorageConfig `yaml:"local"`
	S3      S3Config           `yaml:"s3"`
	Kafka   KafkaConfig        `yaml:"kafka"`
}

type LocalStorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type StatusConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	History        int           `yaml:"history"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for any key the file leaves out.
func Default() Config {
	return Config{
		Collector: CollectorConfig{Name: "quantlab-collector", Version: "dev"},
		Source: SourceConfig{Binance: BinanceSourceConfig{
			Enabled:           true,
			URL:               "wss://fstream.binance.com/stream",
			ReconnectDelay:    2 * time.Second,
			MaxReconnectDelay: 60 * time.Second,
			PingInterval:      20 * time.Second,
			PingTimeout:       10 * time.Second,
		}},
		Queue: QueueConfig{Capacity: 100000},
		Metrics: MetricsConfig{
			EPSInterval:    10 * time.Second,
			ReportInterval: 30 * time.Second,
		},
		Writer: WriterConfig{
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			Compression:   "snappy",
			MaxWorkers:    2,
		},
		Storage: StorageConfig{
			Backend: StorageLocal,
			Local:   LocalStorageConfig{DataDir: "./data"},
		},
		Status:  StatusConfig{Enabled: true, Address: "127.0.0.1:9100", History: 200, SampleInterval: 5 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)
	normalize(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(cfg *Config) {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}

	override(&cfg.Storage.Backend, "STORAGE_BACKEND")
	override(&cfg.Storage.S3.Endpoint, "S3_ENDPOINT")
	override(&cfg.Storage.S3.AccessKeyID, "S3_ACCESS_KEY")
	override(&cfg.Storage.S3.SecretAccessKey, "S3_SECRET_KEY")
	override(&cfg.Storage.S3.Bucket, "S3_BUCKET")
	override(&cfg.Storage.S3.Prefix, "S3_PREFIX")
	override(&cfg.Storage.S3.Region, "AWS_REGION")
	if cfg.Metrics.CloudWatch.Region == "" {
		override(&cfg.Metrics.CloudWatch.Region, "AWS_REGION")
	}
}

func normalize(cfg *Config) {
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	cfg.Storage.S3.Bucket = strings.TrimSpace(cfg.Storage.S3.Bucket)
	cfg.Storage.S3.Prefix = strings.Trim(cfg.Storage.S3.Prefix, "/")

	symbols := make([]string, 0, len(cfg.Source.Binance.Symbols))
	seen := make(map[string]struct{}, len(cfg.Source.Binance.Symbols))
	for _, s := range cfg.Source.Binance.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	cfg.Source.Binance.Symbols = symbols
}

func validateConfig(cfg *Config) error {
	if cfg.Collector.Name == "" {
		return fmt.Errorf("collector.name is required")
	}

	b := cfg.Source.Binance
	if b.Enabled {
		if len(b.Symbols) == 0 {
			return fmt.Errorf("source.binance.symbols must not be empty")
		}
		if u, err := url.Parse(b.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("source.binance.url '%s' must be a ws:// or wss:// URL", b.URL)
		}
		if b.ReconnectDelay <= 0 {
			return fmt.Errorf("source.binance.reconnect_delay must be greater than 0")
		}
		if b.MaxReconnectDelay < b.ReconnectDelay {
			return fmt.Errorf("source.binance.max_reconnect_delay must be at least reconnect_delay")
		}
		if b.PingInterval <= 0 || b.PingTimeout <= 0 {
			return fmt.Errorf("source.binance.ping_interval and ping_timeout must be greater than 0")
		}
	}

	if cfg.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be greater than 0")
	}
	if cfg.Metrics.EPSInterval <= 0 {
		return fmt.Errorf("metrics.eps_interval must be greater than 0")
	}
	if cfg.Writer.BufferSize <= 0 {
		return fmt.Errorf("writer.buffer_size must be greater than 0")
	}
	if cfg.Writer.FlushInterval <= 0 {
		return fmt.Errorf("writer.flush_interval must be greater than 0")
	}
	if cfg.Writer.MaxWorkers <= 0 {
		return fmt.Errorf("writer.max_workers must be greater than 0")
	}
	switch cfg.Writer.Compression {
	case "", "snappy", "gzip", "none":
	default:
		return fmt.Errorf("writer.compression '%s' is not supported", cfg.Writer.Compression)
	}

	switch cfg.Storage.Backend {
	case StorageLocal:
		if cfg.Storage.Local.DataDir == "" {
			return fmt.Errorf("storage.local.data_dir is required for the local backend")
		}
	case StorageS3:
		s3 := cfg.Storage.S3
		if s3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
		if !isValidS3Bucket(s3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", s3.Bucket)
		}
		if s3.Endpoint == "" && s3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when no endpoint is set")
		}
		if (s3.AccessKeyID == "") != (s3.SecretAccessKey == "") {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key must be set together")
		}
	case StorageKafka:
		if len(cfg.Storage.Kafka.Brokers) == 0 {
			return fmt.Errorf("storage.kafka.brokers must not be empty")
		}
		if cfg.Storage.Kafka.Topic == "" {
			return fmt.Errorf("storage.kafka.topic is required")
		}
	default:
		return fmt.Errorf("storage.backend '%s' must be one of local, s3, kafka", cfg.Storage.Backend)
	}

	if cfg.Status.Enabled && cfg.Status.Address == "" {
		return fmt.Errorf("status.address is required when the status API is enabled")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
