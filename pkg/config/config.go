package config

import (
	"context"
	"runtime"
	"time"
)

// Config represents the complete configuration of a flowline project.
// Values are layered: defaults, project settings file, CLI flags, environment.
type Config struct {
	Runtime    RuntimeConfig    `koanf:"runtime"    validate:"required"`
	Executor   ExecutorConfig   `koanf:"executor"   validate:"required"`
	Render     RenderConfig     `koanf:"render"`
	Records    RecordsConfig    `koanf:"records"`
	Index      IndexConfig      `koanf:"index"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
}

// RuntimeConfig contains scheduler behavior configuration.
type RuntimeConfig struct {
	MaxConcurrentTasks int    `koanf:"max_concurrent_tasks" validate:"min=1"                                   env:"FLOWLINE_MAX_CONCURRENT_TASKS"`
	LogLevel           string `koanf:"log_level"            validate:"oneof=debug info warn error disabled" env:"FLOWLINE_LOG_LEVEL"`
}

// ExecutorConfig selects and tunes the execution backend.
type ExecutorConfig struct {
	Backend      string        `koanf:"backend"       validate:"oneof=local slurm" env:"FLOWLINE_BACKEND"`
	Shell        string        `koanf:"shell"         validate:"required"          env:"FLOWLINE_SHELL"`
	KillGrace    time.Duration `koanf:"kill_grace"                                 env:"FLOWLINE_KILL_GRACE"`
	RetryBackoff time.Duration `koanf:"retry_backoff"                              env:"FLOWLINE_RETRY_BACKOFF"`
	Slurm        SlurmConfig   `koanf:"slurm"`
}

type SlurmConfig struct {
	PollInterval time.Duration `koanf:"poll_interval" env:"FLOWLINE_SLURM_POLL_INTERVAL"`
	Partition    string        `koanf:"partition"     env:"FLOWLINE_SLURM_PARTITION"`
	Account      string        `koanf:"account"       env:"FLOWLINE_SLURM_ACCOUNT"`
	ExtraArgs    []string      `koanf:"extra_args"    env:"FLOWLINE_SLURM_EXTRA_ARGS"`
}

// RenderConfig controls template rendering. Templates are looked up in
// SearchPath order, then in TemplateDir.
type RenderConfig struct {
	Strict      bool     `koanf:"strict"       env:"FLOWLINE_STRICT"`
	TemplateDir string   `koanf:"template_dir" env:"FLOWLINE_TEMPLATE_DIR" validate:"required"`
	SearchPath  []string `koanf:"search_path"  env:"FLOWLINE_SEARCH_PATH"  validate:"dive,required"`
}

// RecordsConfig lists glob patterns, relative to the project root, of config data files.
type RecordsConfig struct {
	Include []string `koanf:"include" env:"FLOWLINE_RECORDS_INCLUDE" validate:"min=1,dive,required"`
	Exclude []string `koanf:"exclude" env:"FLOWLINE_RECORDS_EXCLUDE"`
}

type IndexConfig struct {
	BusyTimeout time.Duration `koanf:"busy_timeout" env:"FLOWLINE_INDEX_BUSY_TIMEOUT"`
	// Readers caps the read-only connections used by inspect and runs.
	Readers int `koanf:"readers" validate:"min=1" env:"FLOWLINE_INDEX_READERS"`
}

// MonitoringConfig exposes scheduler metrics on a Prometheus endpoint while a run is active.
type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" env:"FLOWLINE_MONITORING_ENABLED"`
	Addr    string `koanf:"addr"    env:"FLOWLINE_MONITORING_ADDR"    validate:"required_if=Enabled true"`
	Path    string `koanf:"path"    env:"FLOWLINE_MONITORING_PATH"    validate:"required,startswith=/"`
}

// Service loads and validates configuration.
type Service interface {
	Load(ctx context.Context, sources ...Source) (*Config, error)
	Validate(config *Config) error
	GetSource(key string) SourceType
}

// Source provides configuration data from a specific origin.
type Source interface {
	Load() (map[string]any, error)
	Type() SourceType
}

type SourceType string

const (
	SourceDefault SourceType = "default"
	SourceYAML    SourceType = "yaml"
	SourceCLI     SourceType = "cli"
	SourceEnv     SourceType = "env"
)

// Metadata tracks where each configuration key came from.
type Metadata struct {
	Sources  map[string]SourceType
	LoadedAt time.Time
}

// DefaultRecordPatterns are the config data files discovered when none are configured.
var DefaultRecordPatterns = []string{"*.csv", "*.tsv", "*.json", "*.yaml", "*.yml"}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			MaxConcurrentTasks: runtime.NumCPU(),
			LogLevel:           "info",
		},
		Executor: ExecutorConfig{
			Backend:      "local",
			Shell:        "/bin/bash -c",
			KillGrace:    10 * time.Second,
			RetryBackoff: time.Second,
			Slurm: SlurmConfig{
				PollInterval: 2 * time.Second,
			},
		},
		Render: RenderConfig{
			Strict:      true,
			TemplateDir: "templates",
		},
		Records: RecordsConfig{
			Include: append([]string(nil), DefaultRecordPatterns...),
		},
		Index: IndexConfig{
			BusyTimeout: 5 * time.Second,
			Readers:     4,
		},
		Monitoring: MonitoringConfig{
			Addr: "127.0.0.1:9464",
			Path: "/metrics",
		},
	}
}
