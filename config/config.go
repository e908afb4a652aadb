// Package config loads and validates hub and repo configuration. Settings are
// resolved viper-style: explicit file, then `.codex-autorunner/config.yaml`,
// then CAR_* environment variables, then defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// DotDir is the per-repo directory holding all autorunner state.
const DotDir = ".codex-autorunner"

// EnvSkipUpdateChecks disables self-update integrity checks when set to "1".
const EnvSkipUpdateChecks = "CODEX_AUTORUNNER_SKIP_UPDATE_CHECKS"

// ConfigError reports an invalid hub or repo configuration.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Reason)
	}
	return fmt.Sprintf("invalid configuration %s: %s", e.Path, e.Reason)
}

// AgentConfig holds per-agent-kind supervisor settings.
type AgentConfig struct {
	Command        []string      `mapstructure:"command" yaml:"command"`
	Scope          string        `mapstructure:"scope" yaml:"scope" validate:"omitempty,oneof=workspace global"`
	MaxHandles     int           `mapstructure:"max_handles" yaml:"max_handles" validate:"min=1"`
	IdleTTL        time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	TurnTimeout    time.Duration `mapstructure:"turn_timeout" yaml:"turn_timeout"`
	PasswordEnv    string        `mapstructure:"password_env" yaml:"password_env"`
	Model          string        `mapstructure:"model" yaml:"model"`
	Effort         string        `mapstructure:"effort" yaml:"effort"`
}

// TicketConfig holds ticket engine settings.
type TicketConfig struct {
	MaxTotalTurns             int    `mapstructure:"max_total_turns" yaml:"max_total_turns" validate:"min=1"`
	MaxLintRetries            int    `mapstructure:"max_lint_retries" yaml:"max_lint_retries" validate:"min=0"`
	AutoCommit                bool   `mapstructure:"auto_commit" yaml:"auto_commit"`
	CheckpointMessageTemplate string `mapstructure:"checkpoint_message_template" yaml:"checkpoint_message_template" validate:"required"`
}

// SafetyConfig holds the PMA pre-flight checker settings.
type SafetyConfig struct {
	DedupEnabled        bool          `mapstructure:"dedup_enabled" yaml:"dedup_enabled"`
	DedupWindow         time.Duration `mapstructure:"dedup_window" yaml:"dedup_window"`
	MaxDuplicateActions int           `mapstructure:"max_duplicate_actions" yaml:"max_duplicate_actions" validate:"min=1"`
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled" yaml:"rate_limit_enabled"`
	RateLimitWindow     time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`
	MaxActionsPerWindow int           `mapstructure:"max_actions_per_window" yaml:"max_actions_per_window" validate:"min=1"`
	BreakerEnabled      bool          `mapstructure:"breaker_enabled" yaml:"breaker_enabled"`
	BreakerThreshold    int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold" validate:"min=1"`
	BreakerCooldown     time.Duration `mapstructure:"breaker_cooldown" yaml:"breaker_cooldown"`
}

// RepoConfig is the per-repo configuration.
type RepoConfig struct {
	DurableWrites bool                   `mapstructure:"durable_writes" yaml:"durable_writes"`
	RunsDir       string                 `mapstructure:"runs_dir" yaml:"runs_dir" validate:"required"`
	TicketsDir    string                 `mapstructure:"tickets_dir" yaml:"tickets_dir" validate:"required"`
	Tickets       TicketConfig           `mapstructure:"tickets" yaml:"tickets"`
	Agents        map[string]AgentConfig `mapstructure:"agents" yaml:"agents"`
	Safety        SafetyConfig           `mapstructure:"safety" yaml:"safety"`
}

// HubConfig is the hub-level configuration.
type HubConfig struct {
	Listen            string        `mapstructure:"listen" yaml:"listen" validate:"required"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format" validate:"oneof=text json"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval"`
	AuthUsername      string        `mapstructure:"auth_username" yaml:"auth_username"`
	AuthPasswordEnv   string        `mapstructure:"auth_password_env" yaml:"auth_password_env"`
	Repo              RepoConfig    `mapstructure:"repo" yaml:"repo"`
}

var validate = validator.New()

// DefaultRepoConfig returns the repo settings used when no config file exists.
func DefaultRepoConfig() RepoConfig {
	return RepoConfig{
		DurableWrites: false,
		RunsDir:       filepath.Join(DotDir, "runs"),
		TicketsDir:    filepath.Join(DotDir, "tickets"),
		Tickets: TicketConfig{
			MaxTotalTurns:             25,
			MaxLintRetries:            3,
			AutoCommit:                true,
			CheckpointMessageTemplate: "CAR checkpoint: run={run_id} turn={turn} agent={agent}",
		},
		Agents: map[string]AgentConfig{
			"opencode": {
				Command:        []string{"opencode", "serve", "--print-logs"},
				Scope:          "workspace",
				MaxHandles:     4,
				IdleTTL:        15 * time.Minute,
				StartupTimeout: 20 * time.Second,
				TurnTimeout:    30 * time.Minute,
				PasswordEnv:    "OPENCODE_SERVER_PASSWORD",
			},
			"codex": {
				Command:        []string{"codex", "app-server"},
				Scope:          "workspace",
				MaxHandles:     4,
				IdleTTL:        15 * time.Minute,
				StartupTimeout: 20 * time.Second,
				TurnTimeout:    30 * time.Minute,
				PasswordEnv:    "CODEX_SERVER_PASSWORD",
			},
		},
		Safety: SafetyConfig{
			DedupEnabled:        true,
			DedupWindow:         2 * time.Minute,
			MaxDuplicateActions: 2,
			RateLimitEnabled:    true,
			RateLimitWindow:     time.Minute,
			MaxActionsPerWindow: 10,
			BreakerEnabled:      true,
			BreakerThreshold:    5,
			BreakerCooldown:     5 * time.Minute,
		},
	}
}

// DefaultHubConfig returns the hub settings used when no config file exists.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Listen:            "127.0.0.1:8788",
		LogLevel:          "info",
		LogFormat:         "text",
		ReconcileInterval: 60 * time.Second,
		AuthUsername:      "car",
		AuthPasswordEnv:   "CAR_SERVER_PASSWORD",
		Repo:              DefaultRepoConfig(),
	}
}

// LoadRepoConfig loads the configuration for one repo, merging the optional
// `.codex-autorunner/config.yaml` over defaults.
func LoadRepoConfig(repoRoot string) (RepoConfig, error) {
	cfg := DefaultRepoConfig()
	path := filepath.Join(repoRoot, DotDir, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, &ConfigError{Path: path, Reason: err.Error()}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, &ConfigError{Path: path, Reason: err.Error()}
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, &ConfigError{Path: path, Reason: err.Error()}
	}
	return cfg, nil
}

// LoadHubConfig loads the hub configuration. An explicit path wins; otherwise
// the hub root's config file is used when present. CAR_* environment
// variables override file values.
func LoadHubConfig(hubRoot, explicitPath string) (HubConfig, error) {
	cfg := DefaultHubConfig()

	v := viper.New()
	v.SetEnvPrefix("CAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := ""
	if explicitPath != "" {
		expanded, err := homedir.Expand(explicitPath)
		if err != nil {
			return cfg, &ConfigError{Path: explicitPath, Reason: err.Error()}
		}
		path = expanded
	} else if hubRoot != "" {
		candidate := filepath.Join(hubRoot, DotDir, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, &ConfigError{Path: path, Reason: err.Error()}
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, &ConfigError{Path: path, Reason: err.Error()}
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, &ConfigError{Path: path, Reason: err.Error()}
	}
	return cfg, nil
}

// SkipUpdateChecks reports whether self-update integrity checks are disabled.
func SkipUpdateChecks() bool {
	return os.Getenv(EnvSkipUpdateChecks) == "1"
}
