// Package config resolves the exporter configuration from a YAML file,
// environment variables and flag overrides, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/herakles-io/procmem/pkg/classify"
	"github.com/herakles-io/procmem/pkg/procfs"
)

// Defaults.
const (
	DefaultBind     = "0.0.0.0"
	DefaultPort     = 9215
	DefaultInterval = 30 * time.Second
)

// Config is the resolved exporter configuration. The sampling pipeline
// treats it as an opaque read-only struct after Load.
type Config struct {
	// Server
	Bind string `yaml:"bind" env:"PROCMEM_BIND"`
	Port int    `yaml:"port" env:"PROCMEM_PORT"`

	// Collection
	Interval     time.Duration `yaml:"interval"      env:"PROCMEM_INTERVAL"`
	ProcRoot     string        `yaml:"proc_root"     env:"PROCMEM_PROC_ROOT"`
	MinUSSKB     uint64        `yaml:"min_uss_kb"    env:"PROCMEM_MIN_USS_KB"`
	IncludeNames []string      `yaml:"include_names" env:"PROCMEM_INCLUDE_NAMES"`
	ExcludeNames []string      `yaml:"exclude_names" env:"PROCMEM_EXCLUDE_NAMES"`
	Parallelism  int           `yaml:"parallelism"   env:"PROCMEM_PARALLELISM"`
	MaxProcesses int           `yaml:"max_processes" env:"PROCMEM_MAX_PROCESSES"`

	// I/O tuning (KiB read-buffer sizes, affects syscall count only)
	SmapsBufferKB       int `yaml:"smaps_buffer_kb"        env:"PROCMEM_SMAPS_BUFFER_KB"`
	SmapsRollupBufferKB int `yaml:"smaps_rollup_buffer_kb" env:"PROCMEM_SMAPS_ROLLUP_BUFFER_KB"`

	// Classification / search
	SearchMode      string   `yaml:"search_mode"      env:"PROCMEM_SEARCH_MODE"`
	SearchGroups    []string `yaml:"search_groups"    env:"PROCMEM_SEARCH_GROUPS"`
	SearchSubgroups []string `yaml:"search_subgroups" env:"PROCMEM_SEARCH_SUBGROUPS"`
	DisableOthers   bool     `yaml:"disable_others"   env:"PROCMEM_DISABLE_OTHERS"`
	RulesFiles      []string `yaml:"rules_files"      env:"PROCMEM_RULES_FILES"`

	// Ranking
	TopNSubgroup int `yaml:"top_n_subgroup" env:"PROCMEM_TOP_N_SUBGROUP"`
	TopNOthers   int `yaml:"top_n_others"   env:"PROCMEM_TOP_N_OTHERS"`

	// Metric kinds
	EnableRSS *bool `yaml:"enable_rss" env:"PROCMEM_ENABLE_RSS"`
	EnablePSS *bool `yaml:"enable_pss" env:"PROCMEM_ENABLE_PSS"`
	EnableUSS *bool `yaml:"enable_uss" env:"PROCMEM_ENABLE_USS"`
	EnableCPU *bool `yaml:"enable_cpu" env:"PROCMEM_ENABLE_CPU"`

	// SampleFile points at a pre-generated synthetic sample JSON file used
	// in place of live proc sampling (deterministic testing).
	SampleFile string `yaml:"sample_file" env:"PROCMEM_SAMPLE_FILE"`

	// Logging
	LogLevel string `yaml:"log_level" env:"PROCMEM_LOG_LEVEL"`
}

// Load reads the optional YAML file at path (empty path = defaults only),
// applies environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Bind == "" {
		c.Bind = DefaultBind
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.ProcRoot == "" {
		c.ProcRoot = procfs.DefaultRoot
	}
	if c.SmapsBufferKB == 0 {
		c.SmapsBufferKB = 512
	}
	if c.SmapsRollupBufferKB == 0 {
		c.SmapsRollupBufferKB = 256
	}
	if c.TopNSubgroup == 0 {
		c.TopNSubgroup = 3
	}
	if c.TopNOthers == 0 {
		c.TopNOthers = 10
	}
	if len(c.RulesFiles) == 0 {
		c.RulesFiles = []string{"/etc/procmem/rules.toml", "./rules.toml"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	t := true
	if c.EnableRSS == nil {
		c.EnableRSS = &t
	}
	if c.EnablePSS == nil {
		c.EnablePSS = &t
	}
	if c.EnableUSS == nil {
		c.EnableUSS = &t
	}
	if c.EnableCPU == nil {
		c.EnableCPU = &t
	}
}

// Validate checks cross-field constraints that are fatal at startup.
func (c *Config) Validate() error {
	if !(*c.EnableRSS || *c.EnablePSS || *c.EnableUSS || *c.EnableCPU) {
		return errors.New("config: at least one of enable_rss/enable_pss/enable_uss/enable_cpu must be true")
	}

	switch c.SearchMode {
	case "":
	case "include", "exclude":
		if len(c.SearchGroups) == 0 && len(c.SearchSubgroups) == 0 {
			return fmt.Errorf("config: search_mode %q set but no search_groups or search_subgroups defined", c.SearchMode)
		}
	default:
		return fmt.Errorf("config: invalid search_mode %q, expected 'include' or 'exclude'", c.SearchMode)
	}

	if c.Interval < 0 {
		return errors.New("config: interval must be positive")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	return nil
}

// Policy returns the classification policy view of the config.
func (c *Config) Policy() classify.Policy {
	return classify.Policy{
		DisableOthers: c.DisableOthers,
		Mode:          c.SearchMode,
		Groups:        c.SearchGroups,
		Subgroups:     c.SearchSubgroups,
	}
}

// Buffers returns the smaps read-buffer sizes.
func (c *Config) Buffers() procfs.Buffers {
	return procfs.Buffers{SmapsKB: c.SmapsBufferKB, RollupKB: c.SmapsRollupBufferKB}
}

// ListenAddr is the bind:port address for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}
