// Package config loads nagomi's orchestrator configuration from a file
// under the user's home directory, environment variables, and flags, and
// re-reads the file on change.
//
// Viper provides the env/file/default precedence chain, and
// viper.WatchConfig backed by fsnotify gives the orchestrator live
// reload on top of it; callers layer CLI flag overrides on afterward
// (see cmd/nagomi-orchestrator).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the nagomi orchestrator.
type Config struct {
	// HealthPort is the loopback control surface's listen port.
	HealthPort int `mapstructure:"health_port"`

	// WorkerPath overrides automatic discovery of the nagomi-worker
	// binary (internal/supervisor.ResolveWorkerPath).
	WorkerPath string `mapstructure:"worker_path"`

	// ExitOnLastTerminal, when set, exits the orchestrator once the last
	// active terminal session stops.
	ExitOnLastTerminal bool `mapstructure:"exit_on_last_terminal"`

	// EnableTestEndpoints gates /terminal-send.
	EnableTestEndpoints bool `mapstructure:"enable_test_endpoints"`

	// EnableTerminalOutputBroadcast gates /events.
	EnableTerminalOutputBroadcast bool `mapstructure:"enable_terminal_output_broadcast"`

	// JudgeSilenceMs is the judge's silence-to-need_input threshold.
	JudgeSilenceMs int64 `mapstructure:"judge_silence_ms"`

	// JudgeExternalTool, if set, is invoked as an external judge before
	// falling back to the local heuristic.
	JudgeExternalTool string `mapstructure:"judge_external_tool"`

	// HooksBaseDir overrides hook.HooksBaseDir's default.
	HooksBaseDir string `mapstructure:"hooks_base_dir"`

	// ActiveHookTool selects which tool's completion hook the manager
	// follows at startup ("", "codex", "claude", "opencode").
	ActiveHookTool string `mapstructure:"active_hook_tool"`
}

const envPrefix = "NAGOMI"

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HealthPort:                    17707,
		ExitOnLastTerminal:            false,
		EnableTestEndpoints:           false,
		EnableTerminalOutputBroadcast: false,
		JudgeSilenceMs:                3500,
	}
}

// Dir returns the directory nagomi stores its config and hook files
// under: "$HOME/.nagomi" (or "%USERPROFILE%\.nagomi" on Windows).
func Dir() (string, error) {
	home := os.Getenv("USERPROFILE")
	if home == "" {
		home = os.Getenv("HOME")
	}
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine home directory: %w", err)
		}
	}
	return filepath.Join(home, ".nagomi"), nil
}

// Path returns the path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load builds a Viper instance bound to environment variables prefixed
// NAGOMI_ and the config file, in that precedence order, and decodes it
// into a Config. Callers apply CLI flag overrides on top of the
// returned Config themselves (see applyFlagOverrides in
// cmd/nagomi-orchestrator) rather than binding pflag into this Viper
// instance — an explicit post-Load override pass is clearer than
// BindPFlags plumbing for so few flags. The health port is also read
// from NAGOMI_ORCH_HEALTH_PORT, which takes precedence over
// NAGOMI_HEALTH_PORT.
func Load() (*Config, *viper.Viper, error) {
	v := viper.New()
	applyDefaults(v, DefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	if err := v.BindEnv("health_port", "NAGOMI_ORCH_HEALTH_PORT", "NAGOMI_HEALTH_PORT"); err != nil {
		return nil, nil, fmt.Errorf("bind health port env: %w", err)
	}

	configPath, err := Path()
	if err != nil {
		return nil, nil, err
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, v, nil
}

// WatchAndReload starts viper's fsnotify-backed watch and calls onChange
// with the newly decoded Config whenever the file changes.
func WatchAndReload(v *viper.Viper, onChange func(*Config)) {
	v.OnConfigChange(func(_ fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err == nil {
			onChange(&cfg)
		}
	})
	v.WatchConfig()
}

func applyDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("health_port", cfg.HealthPort)
	v.SetDefault("worker_path", cfg.WorkerPath)
	v.SetDefault("exit_on_last_terminal", cfg.ExitOnLastTerminal)
	v.SetDefault("enable_test_endpoints", cfg.EnableTestEndpoints)
	v.SetDefault("enable_terminal_output_broadcast", cfg.EnableTerminalOutputBroadcast)
	v.SetDefault("judge_silence_ms", cfg.JudgeSilenceMs)
	v.SetDefault("judge_external_tool", cfg.JudgeExternalTool)
	v.SetDefault("hooks_base_dir", cfg.HooksBaseDir)
	v.SetDefault("active_hook_tool", cfg.ActiveHookTool)
}

// Save writes cfg to the config file as YAML.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	v := viper.New()
	applyDefaults(v, c)
	v.Set("health_port", c.HealthPort)
	v.Set("worker_path", c.WorkerPath)
	v.Set("exit_on_last_terminal", c.ExitOnLastTerminal)
	v.Set("enable_test_endpoints", c.EnableTestEndpoints)
	v.Set("enable_terminal_output_broadcast", c.EnableTerminalOutputBroadcast)
	v.Set("judge_silence_ms", c.JudgeSilenceMs)
	v.Set("judge_external_tool", c.JudgeExternalTool)
	v.Set("hooks_base_dir", c.HooksBaseDir)
	v.Set("active_hook_tool", c.ActiveHookTool)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("could not write config file: %w", err)
	}
	return nil
}
