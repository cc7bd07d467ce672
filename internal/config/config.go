// ============================================================================
// Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Function: YAML configuration shared by every process mode.
//
// Layout (configs/default.yaml):
//   log:         level, format, file rotation
//   coordinator: gRPC listen address
//   worker:      worker_count, job_timeout, result_buffer, font_file
//   reconciler:  interval
//   metrics:     enabled, port
//   tracing:     exporter (none | stdout), sample_ratio
//   store:       driver (memory | sqlite | postgres), dsn
//   objects:     backend (memory | fs | minio), dir, minio settings
//   cache:       backend (memory | redis), prefix
//   queue:       backend (memory | redis), key, poll_timeout
//   redis:       connection shared by the redis cache and queue
//
// Memory backends live inside one process, so a split deployment must put
// every collaborator its mode shares with other processes on a real backend.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/memegen-pipeline/internal/observability"
	"github.com/ChuLiYu/memegen-pipeline/internal/store/objectstore"
)

// Process modes.
const (
	ModeStandalone  = "standalone"
	ModeCoordinator = "coordinator"
	ModeWorker      = "worker"
	ModeReconciler  = "reconciler"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendFS       = "fs"
	BackendMinIO    = "minio"
	BackendRedis    = "redis"
)

// Config represents the complete system configuration structure.
type Config struct {
	Log         LogConfig                   `yaml:"log"`
	Coordinator CoordinatorConfig           `yaml:"coordinator"`
	Worker      WorkerConfig                `yaml:"worker"`
	Reconciler  ReconcilerConfig            `yaml:"reconciler"`
	Metrics     MetricsConfig               `yaml:"metrics"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
	Store       StoreConfig                 `yaml:"store"`
	Objects     ObjectsConfig               `yaml:"objects"`
	Cache       CacheConfig                 `yaml:"cache"`
	Queue       QueueConfig                 `yaml:"queue"`
	Redis       RedisConfig                 `yaml:"redis"`
}

// LogConfig configures slog output. An empty File logs to stdout.
type LogConfig struct {
	Level      string `yaml:"level"`  // debug | info | warn | error
	Format     string `yaml:"format"` // text | json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type CoordinatorConfig struct {
	Listen string `yaml:"listen"`
}

type WorkerConfig struct {
	WorkerCount  int           `yaml:"worker_count"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	ResultBuffer int           `yaml:"result_buffer"`
	FontFile     string        `yaml:"font_file"` // optional TTF, Go Regular when empty
}

type ReconcilerConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type ObjectsConfig struct {
	Backend string                  `yaml:"backend"`
	Dir     string                  `yaml:"dir"`
	MinIO   objectstore.MinIOConfig `yaml:"minio"`
}

type CacheConfig struct {
	Backend string `yaml:"backend"`
	Prefix  string `yaml:"prefix"`
}

type QueueConfig struct {
	Backend     string        `yaml:"backend"`
	Key         string        `yaml:"key"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns a standalone configuration backed entirely by memory.
func Default() *Config {
	return &Config{
		Log:         LogConfig{Level: "info", Format: "text"},
		Coordinator: CoordinatorConfig{Listen: ":50051"},
		Worker:      WorkerConfig{WorkerCount: 4, JobTimeout: 30 * time.Second, ResultBuffer: 64},
		Reconciler:  ReconcilerConfig{Interval: 4 * time.Minute},
		Metrics:     MetricsConfig{Enabled: false, Port: 9090},
		Tracing:     observability.TracingConfig{Exporter: "none"},
		Store:       StoreConfig{Driver: BackendMemory},
		Objects:     ObjectsConfig{Backend: BackendMemory},
		Cache:       CacheConfig{Backend: BackendMemory},
		Queue:       QueueConfig{Backend: BackendMemory, PollTimeout: time.Second},
		Redis:       RedisConfig{Addr: "localhost:6379"},
	}
}

// Load reads path over Default. Fields absent from the file keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

// Validate checks that cfg can run in mode.
func (c *Config) Validate(mode string) error {
	var errs []error

	switch mode {
	case ModeStandalone, ModeCoordinator, ModeWorker, ModeReconciler:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", mode))
	}

	if c.Worker.WorkerCount <= 0 {
		errs = append(errs, errors.New("worker.worker_count must be positive"))
	}
	if c.Worker.JobTimeout <= 0 {
		errs = append(errs, errors.New("worker.job_timeout must be positive"))
	}
	if c.Reconciler.Interval <= 0 {
		errs = append(errs, errors.New("reconciler.interval must be positive"))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port %d out of range", c.Metrics.Port))
	}

	errs = append(errs, checkBackend("store.driver", c.Store.Driver, BackendMemory, BackendSQLite, BackendPostgres))
	if c.Store.Driver != BackendMemory && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}
	errs = append(errs, checkBackend("objects.backend", c.Objects.Backend, BackendMemory, BackendFS, BackendMinIO))
	if c.Objects.Backend == BackendFS && c.Objects.Dir == "" {
		errs = append(errs, errors.New("objects.dir is required for the fs backend"))
	}
	if c.Objects.Backend == BackendMinIO && (c.Objects.MinIO.Endpoint == "" || c.Objects.MinIO.Bucket == "") {
		errs = append(errs, errors.New("objects.minio endpoint and bucket are required"))
	}
	errs = append(errs, checkBackend("cache.backend", c.Cache.Backend, BackendMemory, BackendRedis))
	errs = append(errs, checkBackend("queue.backend", c.Queue.Backend, BackendMemory, BackendRedis))
	if (c.Cache.Backend == BackendRedis || c.Queue.Backend == BackendRedis) && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}

	if mode != ModeStandalone {
		shared := map[string]string{
			"store.driver":    c.Store.Driver,
			"objects.backend": c.Objects.Backend,
		}
		if mode != ModeReconciler {
			shared["queue.backend"] = c.Queue.Backend
		}
		if mode != ModeWorker {
			shared["cache.backend"] = c.Cache.Backend
		}
		for name, backend := range shared {
			if backend == BackendMemory {
				errs = append(errs, fmt.Errorf("%s: memory backend is only valid in standalone mode", name))
			}
		}
	}

	return errors.Join(errs...)
}

func checkBackend(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown backend %q", field, value)
}
