package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the detection engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Druid     DruidConfig     `yaml:"druid"`
	Prophet   ProphetConfig   `yaml:"prophet"`
	Detector  DetectorConfig  `yaml:"detector"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the admin gRPC listener and the metrics endpoint.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// StoreConfig locates the Valkey/Redis deployment holding the queue, job records, reports
// and the lookup cache.
type StoreConfig struct {
	Addr           string        `yaml:"addr"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	MaxRetries     int           `yaml:"maxRetries"`
	TLS            bool          `yaml:"tls"`
	QueueName      string        `yaml:"queueName"`
	PendingTimeout int64         `yaml:"pendingTimeout"`
}

// DruidConfig configures the broker client.
type DruidConfig struct {
	BrokerURL          string        `yaml:"brokerURL"`
	QueryPath          string        `yaml:"queryPath"`
	DatasourcesPath    string        `yaml:"datasourcesPath"`
	Timeout            time.Duration `yaml:"timeout"`
	Retries            int           `yaml:"retries"`
	RetryInterval      time.Duration `yaml:"retryInterval"`
	DatasourceCacheTTL time.Duration `yaml:"datasourceCacheTTL"`
}

// ProphetConfig configures the remote forecasting service. An empty URL disables it.
type ProphetConfig struct {
	URL           string        `yaml:"url"`
	Path          string        `yaml:"path"`
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	RetryInterval time.Duration `yaml:"retryInterval"`
}

// DetectorConfig points at the detection defaults file.
type DetectorConfig struct {
	DefaultsPath string `yaml:"defaultsPath"`
}

// SchedulerConfig tunes the execution loop.
type SchedulerConfig struct {
	ExecutionDelay      time.Duration `yaml:"executionDelay"`
	Workers             int           `yaml:"workers"`
	BackfillConcurrency int           `yaml:"backfillConcurrency"`
	BackfillOnLag       bool          `yaml:"backfillOnLag"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("MIRADOR_DETECT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50052",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Addr:           "localhost:6379",
			DialTimeout:    2 * time.Second,
			ReadTimeout:    500 * time.Millisecond,
			WriteTimeout:   500 * time.Millisecond,
			MaxRetries:     2,
			QueueName:      "jobQueue",
			PendingTimeout: 5,
		},
		Druid: DruidConfig{
			QueryPath:          "/druid/v2",
			DatasourcesPath:    "/druid/v2/datasources",
			Timeout:            20 * time.Second,
			Retries:            2,
			RetryInterval:      time.Second,
			DatasourceCacheTTL: 5 * time.Minute,
		},
		Prophet: ProphetConfig{
			Path:          "/forecast",
			Timeout:       30 * time.Second,
			Retries:       2,
			RetryInterval: time.Second,
		},
		Scheduler: SchedulerConfig{
			ExecutionDelay:      30 * time.Second,
			Workers:             4,
			BackfillConcurrency: 4,
			BackfillOnLag:       true,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MIRADOR_DETECT_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("MIRADOR_DETECT_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("MIRADOR_DETECT_STORE_ADDR"); v != "" {
		cfg.Store.Addr = v
	}
	if v := os.Getenv("MIRADOR_DETECT_STORE_USERNAME"); v != "" {
		cfg.Store.Username = v
	}
	if v := os.Getenv("MIRADOR_DETECT_STORE_PASSWORD"); v != "" {
		cfg.Store.Password = v
	}
	if v := os.Getenv("MIRADOR_DETECT_STORE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Store.DB = db
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_STORE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Store.TLS = true
	}
	if v := os.Getenv("MIRADOR_DETECT_STORE_MAX_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Store.MaxRetries = retry
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_QUEUE_NAME"); v != "" {
		cfg.Store.QueueName = v
	}
	if v := os.Getenv("MIRADOR_DETECT_PENDING_TIMEOUT"); v != "" {
		if minutes, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Store.PendingTimeout = minutes
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_DRUID_URL"); v != "" {
		cfg.Druid.BrokerURL = v
	}
	if v := os.Getenv("MIRADOR_DETECT_DRUID_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Druid.Timeout = d
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_DRUID_RETRIES"); v != "" {
		if retry, err := strconv.Atoi(v); err == nil {
			cfg.Druid.Retries = retry
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_DATASOURCE_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Druid.DatasourceCacheTTL = d
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_PROPHET_URL"); v != "" {
		cfg.Prophet.URL = v
	}
	if v := os.Getenv("MIRADOR_DETECT_PROPHET_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Prophet.Timeout = d
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_DETECTOR_DEFAULTS"); v != "" {
		cfg.Detector.DefaultsPath = v
	}
	if v := os.Getenv("MIRADOR_DETECT_EXECUTION_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.ExecutionDelay = d
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Workers = n
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_BACKFILL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.BackfillConcurrency = n
		}
	}
	if v := os.Getenv("MIRADOR_DETECT_BACKFILL_ON_LAG"); v != "" {
		cfg.Scheduler.BackfillOnLag = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("MIRADOR_DETECT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MIRADOR_DETECT_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
}
