// Package config loads the orchestrator's layered configuration: code
// defaults, an optional YAML file, then environment variables. CLI flags are
// not read here; the serve command's --addr overrides http.addr after
// loading. Built on viper so project/pipeline operators can override any
// field with ORCHESTRATOR_* env vars without editing the file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StoreConfig configures the SQLite persistence layer.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ExecutorConfig mirrors executor.Config's tunables so they can be set from
// a project's orchestrator.yaml instead of wired as Go literals.
type ExecutorConfig struct {
	DefaultTimeoutMs     int           `mapstructure:"default_timeout_ms"`
	MaxValidationRetries int           `mapstructure:"max_validation_retries"`
	ValidationCommands   []string      `mapstructure:"validation_commands"`
	ValidationTimeout    time.Duration `mapstructure:"validation_timeout"`
	FlushInterval        time.Duration `mapstructure:"flush_interval"`
	RemoteName           string        `mapstructure:"remote_name"`
	BaseBranch           string        `mapstructure:"base_branch"`
}

// SupervisorConfig mirrors supervisor.Config.
type SupervisorConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	DefaultTimeoutMs int           `mapstructure:"default_timeout_ms"`
}

// TracingConfig mirrors metrics.TracingConfig.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	ServiceName string  `mapstructure:"service_name"`
}

// HTTPConfig configures the thin HTTP/websocket facade.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// AgentConfig configures how one agentType's subprocess is invoked.
type AgentConfig struct {
	Type    string            `mapstructure:"type"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

// GitHubConfig configures the SCM platform adapter.
type GitHubConfig struct {
	Owner string `mapstructure:"owner"`
	Repo  string `mapstructure:"repo"`
	Token string `mapstructure:"token"`
}

// Config is the orchestrator's full runtime configuration.
type Config struct {
	ProjectDir    string           `mapstructure:"project_dir"`
	LogLevel      string           `mapstructure:"log_level"`
	LogFormat     string           `mapstructure:"log_format"`
	PipelinesFile string           `mapstructure:"pipelines_file"`
	Store         StoreConfig      `mapstructure:"store"`
	Executor      ExecutorConfig   `mapstructure:"executor"`
	Supervisor    SupervisorConfig `mapstructure:"supervisor"`
	Tracing       TracingConfig    `mapstructure:"tracing"`
	HTTP          HTTPConfig       `mapstructure:"http"`
	Agents        []AgentConfig    `mapstructure:"agents"`
	GitHub        GitHubConfig     `mapstructure:"github"`
}

// applyDefaults registers every field's default; the defaults read better
// as a literal list than reconstructed via reflection over struct tags.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("store.path", "./.orchestrator/orchestrator.db")
	v.SetDefault("executor.default_timeout_ms", 10*60*1000)
	v.SetDefault("executor.max_validation_retries", 3)
	v.SetDefault("executor.validation_timeout", "60s")
	v.SetDefault("executor.flush_interval", "3s")
	v.SetDefault("executor.remote_name", "origin")
	v.SetDefault("executor.base_branch", "main")
	v.SetDefault("supervisor.tick_interval", "1s")
	v.SetDefault("supervisor.default_timeout_ms", 10*60*1000)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.service_name", "orchestrator")
	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8088")
	v.SetDefault("pipelines_file", "./orchestrator.pipelines.yaml")
	v.SetDefault("github.owner", "")
	v.SetDefault("github.repo", "")
}

// Load reads configuration with the priority code-defaults -> file ->
// environment. configPath may be empty, in which case only defaults +
// environment apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix("orchestrator")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.ProjectDir == "" {
		cfg.ProjectDir = "."
	}
	return &cfg, nil
}
