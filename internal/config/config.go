// Package config loads sentryd's TOML configuration, grounded on
// access/pagerduty/config.go's LoadConfig/CheckAndSetDefaults idiom.
package config

import (
	"time"

	"github.com/gravitational/trace"
	toml "github.com/pelletier/go-toml"

	"github.com/tianshan-edge/sentryd/lib/logger"
)

// StorageConfig configures the local KV root and optional removable-
// storage mount point the Persistence Arbiter straddles (spec.md §4.K).
type StorageConfig struct {
	LocalDir      string `toml:"local_dir"`
	RemovableRoot string `toml:"removable_root"`
}

// SSHDefaultsConfig configures defaults for SSH Transport sessions opened
// by the shell command (spec.md §4.C). The Action Dispatcher's ssh_inline
// sessions do not read it; they use the action's timeout_ms or
// sshtransport's built-in defaults.
type SSHDefaultsConfig struct {
	ConnectTimeoutMS int `toml:"connect_timeout_ms"`
	MaxOutputBytes   int `toml:"max_output_bytes"`
}

func (c SSHDefaultsConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMS <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// RuleEngineConfig configures the Rule Engine's periodic evaluation
// scheduler (spec.md §4.H).
type RuleEngineConfig struct {
	EvaluationIntervalMS int `toml:"evaluation_interval_ms"`
}

func (c RuleEngineConfig) EvaluationInterval() time.Duration {
	if c.EvaluationIntervalMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.EvaluationIntervalMS) * time.Millisecond
}

// DispatcherConfig configures the Action Dispatcher's rate limiter
// (SPEC_FULL.md §3).
type DispatcherConfig struct {
	RateLimitTokens     uint64 `toml:"rate_limit_tokens"`
	RateLimitIntervalMS int    `toml:"rate_limit_interval_ms"`
}

func (c DispatcherConfig) RateLimitInterval() time.Duration {
	if c.RateLimitIntervalMS <= 0 {
		return time.Minute
	}
	return time.Duration(c.RateLimitIntervalMS) * time.Millisecond
}

// Config is sentryd's top-level TOML configuration shape.
type Config struct {
	Storage     StorageConfig     `toml:"storage"`
	Log         logger.Config     `toml:"log"`
	SSHDefaults SSHDefaultsConfig `toml:"ssh_defaults"`
	RuleEngine  RuleEngineConfig  `toml:"rule_engine"`
	Dispatcher  DispatcherConfig  `toml:"dispatcher"`
}

const ExampleConfig = `# example sentryd configuration TOML file

[storage]
local_dir = "/var/lib/sentryd/kv"   # fast local key/value store root
removable_root = ""                 # optional removable-storage mount point

[log]
output = "stderr"   # "stdout", "stderr", or a file path
severity = "INFO"   # "INFO", "ERROR", "DEBUG", or "WARN"

[ssh_defaults]
connect_timeout_ms = 15000
max_output_bytes = 16777216

[rule_engine]
evaluation_interval_ms = 5000

[dispatcher]
rate_limit_tokens = 30
rate_limit_interval_ms = 60000
`

// LoadConfig reads and validates the TOML file at path.
func LoadConfig(path string) (*Config, error) {
	t, err := toml.LoadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conf := &Config{}
	if err := t.Unmarshal(conf); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return conf, nil
}

// CheckAndSetDefaults validates required fields and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Storage.LocalDir == "" {
		return trace.BadParameter("missing required value storage.local_dir")
	}
	return nil
}
