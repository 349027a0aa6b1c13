// File-based configuration loading, for deployments that prefer a checked-in
// YAML manifest over a flat set of environment variables. Grounded on the
// teacher's pkg/config/anchor_config.go: a Duration wrapper type for
// human-readable durations in YAML, and ${VAR_NAME} / ${VAR_NAME:-default}
// substitution applied to the raw file before unmarshaling.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML documents can write "30s" rather
// than a nanosecond integer.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// FileConfig mirrors Config's fields, grouped into sections for a
// deployment manifest.
type FileConfig struct {
	Environment string `yaml:"environment"`

	Validator struct {
		ID             string `yaml:"id"`
		DataDir        string `yaml:"data_dir"`
		SigningKeyPath string `yaml:"signing_key_path"`
	} `yaml:"validator"`

	Server struct {
		ListenAddr  string `yaml:"listen_addr"`
		MetricsAddr string `yaml:"metrics_addr"`
		HealthAddr  string `yaml:"health_addr"`
	} `yaml:"server"`

	Database struct {
		URL         string   `yaml:"url"`
		MaxConns    int      `yaml:"max_conns"`
		MinConns    int      `yaml:"min_conns"`
		MaxIdleTime Duration `yaml:"max_idle_time"`
		MaxLifetime Duration `yaml:"max_lifetime"`
		Required    bool     `yaml:"required"`
	} `yaml:"database"`

	Consensus struct {
		Mode         string `yaml:"mode"`
		RemoteAddr   string `yaml:"remote_addr"`
		CallbackAddr string `yaml:"callback_addr"`
	} `yaml:"consensus"`

	Mempool struct {
		TTL           Duration `yaml:"ttl"`
		HighWaterMark int      `yaml:"high_water_mark"`
	} `yaml:"mempool"`

	Execution struct {
		ProcessorDispatchTimeout Duration `yaml:"processor_dispatch_timeout"`
		ProcessorMaxRetries      int      `yaml:"processor_max_retries"`
		SchedulerTimeout         Duration `yaml:"scheduler_timeout"`
	} `yaml:"execution"`

	BlockAssembly struct {
		MaxBatches  int      `yaml:"max_batches"`
		TimeBudget  Duration `yaml:"time_budget"`
		GraceWindow Duration `yaml:"grace_window"`
	} `yaml:"block_assembly"`

	Validation struct {
		PoolConcurrency int `yaml:"pool_concurrency"`
	} `yaml:"validation"`

	Monitoring struct {
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
		LogLevel          string   `yaml:"log_level"`
	} `yaml:"monitoring"`
}

// LoadFile loads a Config from a YAML manifest at path, with ${VAR_NAME}
// and ${VAR_NAME:-default} substitution applied against the process
// environment before parsing. Missing fields take the same defaults
// Load applies to their environment-variable counterparts.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := defaultsOnlyConfig()
	if fc.Validator.ID != "" {
		cfg.ValidatorID = fc.Validator.ID
	}
	if fc.Validator.DataDir != "" {
		cfg.DataDir = fc.Validator.DataDir
	}
	if fc.Validator.SigningKeyPath != "" {
		cfg.SigningKeyPath = fc.Validator.SigningKeyPath
	}
	if fc.Server.ListenAddr != "" {
		cfg.ListenAddr = fc.Server.ListenAddr
	}
	if fc.Server.MetricsAddr != "" {
		cfg.MetricsAddr = fc.Server.MetricsAddr
	}
	if fc.Server.HealthAddr != "" {
		cfg.HealthAddr = fc.Server.HealthAddr
	}
	if fc.Database.URL != "" {
		cfg.DatabaseURL = fc.Database.URL
	}
	if fc.Database.MaxConns != 0 {
		cfg.DatabaseMaxConns = fc.Database.MaxConns
	}
	if fc.Database.MinConns != 0 {
		cfg.DatabaseMinConns = fc.Database.MinConns
	}
	if fc.Database.MaxIdleTime != 0 {
		cfg.DatabaseMaxIdleTime = int(fc.Database.MaxIdleTime.Duration().Seconds())
	}
	if fc.Database.MaxLifetime != 0 {
		cfg.DatabaseMaxLifetime = int(fc.Database.MaxLifetime.Duration().Seconds())
	}
	if fc.Database.Required {
		cfg.DatabaseRequired = true
	}
	if fc.Consensus.Mode != "" {
		cfg.ConsensusMode = fc.Consensus.Mode
	}
	if fc.Consensus.RemoteAddr != "" {
		cfg.ConsensusRemoteAddr = fc.Consensus.RemoteAddr
	}
	if fc.Consensus.CallbackAddr != "" {
		cfg.ConsensusCallbackAddr = fc.Consensus.CallbackAddr
	}
	if fc.Mempool.TTL != 0 {
		cfg.MempoolTTL = fc.Mempool.TTL.Duration()
	}
	if fc.Mempool.HighWaterMark != 0 {
		cfg.MempoolHighWaterMark = fc.Mempool.HighWaterMark
	}
	if fc.Execution.ProcessorDispatchTimeout != 0 {
		cfg.ProcessorDispatchTimeout = fc.Execution.ProcessorDispatchTimeout.Duration()
	}
	if fc.Execution.ProcessorMaxRetries != 0 {
		cfg.ProcessorMaxRetries = fc.Execution.ProcessorMaxRetries
	}
	if fc.Execution.SchedulerTimeout != 0 {
		cfg.SchedulerTimeout = fc.Execution.SchedulerTimeout.Duration()
	}
	if fc.BlockAssembly.MaxBatches != 0 {
		cfg.BlockMaxBatches = fc.BlockAssembly.MaxBatches
	}
	if fc.BlockAssembly.TimeBudget != 0 {
		cfg.BlockTimeBudget = fc.BlockAssembly.TimeBudget.Duration()
	}
	if fc.BlockAssembly.GraceWindow != 0 {
		cfg.BlockGraceWindow = fc.BlockAssembly.GraceWindow.Duration()
	}
	if fc.Validation.PoolConcurrency != 0 {
		cfg.ValidatorPoolConcurrency = fc.Validation.PoolConcurrency
	}
	if fc.Monitoring.HeartbeatInterval != 0 {
		cfg.HeartbeatInterval = fc.Monitoring.HeartbeatInterval.Duration()
	}
	if fc.Monitoring.LogLevel != "" {
		cfg.LogLevel = fc.Monitoring.LogLevel
	}
	return cfg, nil
}

// defaultsOnlyConfig returns the environment-sourced Config that FileConfig
// values are overlaid onto, so a manifest only needs to specify the
// settings it wants to override.
func defaultsOnlyConfig() *Config {
	cfg, _ := Load()
	return cfg
}

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if v := os.Getenv(varName); v != "" {
			return v
		}
		return defaultValue
	})
}
