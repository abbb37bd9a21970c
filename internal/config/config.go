package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete cadence configuration
type Config struct {
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Drift      DriftConfig      `mapstructure:"drift"`
	Observer   ObserverConfig   `mapstructure:"observer"`
	Workers    WorkersConfig    `mapstructure:"workers"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	VCS        VCSConfig        `mapstructure:"vcs"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Paths      PathsConfig      `mapstructure:"paths"`
}

// PipelineConfig controls the per-step phase pipeline
type PipelineConfig struct {
	// VerificationCeiling is how many "needs rework" verdicts verification may
	// return before the step is escalated instead of retried (default: 3)
	VerificationCeiling int `mapstructure:"verification_ceiling"`
	// QualityCeiling is the same ceiling for the quality review loop (default: 2)
	QualityCeiling int `mapstructure:"quality_ceiling"`
	// CommitPolicy is "immediate" or "confirmed" (default: "confirmed")
	CommitPolicy string `mapstructure:"commit_policy"`
	// RetryIdempotentFailures re-runs an idempotent phase once after a
	// malformed or failed worker response before escalating (default: true)
	RetryIdempotentFailures bool `mapstructure:"retry_idempotent_failures"`
}

// DriftConfig controls drift classification after the implementation phase
type DriftConfig struct {
	// YellowBudget is the maximum yellow use before drift is major (default: 4)
	YellowBudget int `mapstructure:"yellow_budget"`
	// RedBudget is the red use at which drift is major (default: 2)
	RedBudget int `mapstructure:"red_budget"`
	// Leeway is subtracted from the cost of test, config and doc files (default: 1)
	Leeway int `mapstructure:"leeway"`
	// TestPatterns, ConfigPatterns and DocPatterns are glob patterns matched
	// against slash-separated, repository-relative paths. "*" crosses directories.
	TestPatterns   []string `mapstructure:"test_patterns"`
	ConfigPatterns []string `mapstructure:"config_patterns"`
	DocPatterns    []string `mapstructure:"doc_patterns"`
}

// ObserverConfig controls the concurrent drift observer that can stop an
// implementation phase early
type ObserverConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DebounceMs coalesces bursts of file events (default: 200)
	DebounceMs int `mapstructure:"debounce_ms"`
	// Ignore lists directory names that are never watched
	Ignore []string `mapstructure:"ignore"`
}

// WorkerConfig describes how to invoke one phase worker
type WorkerConfig struct {
	// Command is the executable; the request is written to its stdin as JSON
	// and the response read from its stdout
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// TimeoutMinutes bounds a single invocation; 0 disables the bound
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
}

// Timeout returns the invocation bound as a duration.
func (w WorkerConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutMinutes) * time.Minute
}

// WorkersConfig holds one worker per phase
type WorkersConfig struct {
	Strategy       WorkerConfig `mapstructure:"strategy"`
	Implementation WorkerConfig `mapstructure:"implementation"`
	Verification   WorkerConfig `mapstructure:"verification"`
	QualityReview  WorkerConfig `mapstructure:"quality_review"`
	Logging        WorkerConfig `mapstructure:"logging"`
	Commit         WorkerConfig `mapstructure:"commit"`
}

// ByPhase returns the worker configured for a phase name.
func (w WorkersConfig) ByPhase(phase string) (WorkerConfig, bool) {
	switch phase {
	case "strategy":
		return w.Strategy, true
	case "implementation":
		return w.Implementation, true
	case "verification":
		return w.Verification, true
	case "quality_review":
		return w.QualityReview, true
	case "logging":
		return w.Logging, true
	case "commit":
		return w.Commit, true
	default:
		return WorkerConfig{}, false
	}
}

// TrackerConfig selects and configures the external issue tracker
type TrackerConfig struct {
	// Provider is "none", "github" or "beads" (default: "none")
	Provider string       `mapstructure:"provider"`
	GitHub   GitHubConfig `mapstructure:"github"`
	Beads    BeadsConfig  `mapstructure:"beads"`
	// SyncConcurrency bounds concurrent item creation at session start (default: 4)
	SyncConcurrency int `mapstructure:"sync_concurrency"`
	// RetryMaxElapsedSeconds bounds the backoff applied to transient tracker
	// failures (default: 30)
	RetryMaxElapsedSeconds int `mapstructure:"retry_max_elapsed_seconds"`
}

// RetryMaxElapsed returns the retry window as a duration.
func (t TrackerConfig) RetryMaxElapsed() time.Duration {
	return time.Duration(t.RetryMaxElapsedSeconds) * time.Second
}

// GitHubConfig configures the GitHub issues tracker
type GitHubConfig struct {
	Owner string `mapstructure:"owner"`
	Repo  string `mapstructure:"repo"`
	// TokenEnv names the environment variable holding the API token (default: GITHUB_TOKEN)
	TokenEnv string   `mapstructure:"token_env"`
	Labels   []string `mapstructure:"labels"`
	// BaseURL overrides the API endpoint for GitHub Enterprise
	BaseURL string `mapstructure:"base_url"`
}

// BeadsConfig configures the beads (bd) tracker
type BeadsConfig struct {
	// Command is the bd executable (default: "bd")
	Command string   `mapstructure:"command"`
	Labels  []string `mapstructure:"labels"`
}

// VCSConfig selects the version-control backend
type VCSConfig struct {
	// Backend is "cli" (shell out to git) or "gogit" (default: "cli")
	Backend string `mapstructure:"backend"`
	// Remote used by publish (default: "origin")
	Remote string `mapstructure:"remote"`
	// BranchPrefix is prepended to the session ID to form the publish branch
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// EscalationConfig controls how human decisions are collected
type EscalationConfig struct {
	// Interactive is "auto" (prompt when stdin is a terminal), "always" or "never"
	Interactive string `mapstructure:"interactive"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// PathsConfig controls where state is stored
type PathsConfig struct {
	// StateDir holds sessions and artifacts, relative to the repository root
	// unless absolute (default: ".cadence")
	StateDir string `mapstructure:"state_dir"`
}

// ResolveStateDir returns the absolute state directory for a repository root.
func (p PathsConfig) ResolveStateDir(root string) string {
	dir := p.StateDir
	if dir == "" {
		dir = ".cadence"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(root, dir)
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			VerificationCeiling:     3,
			QualityCeiling:          2,
			CommitPolicy:            "confirmed",
			RetryIdempotentFailures: true,
		},
		Drift: DriftConfig{
			YellowBudget: 4,
			RedBudget:    2,
			Leeway:       1,
			TestPatterns: []string{
				"*_test.go", "*.test.*", "*.spec.*",
				"test/*", "*/test/*", "tests/*", "*/tests/*", "testdata/*", "*/testdata/*",
			},
			ConfigPatterns: []string{
				"*.yaml", "*.yml", "*.toml", "*.ini", "*.json", "*.env",
				"go.mod", "*/go.mod", "go.sum", "*/go.sum",
				"Makefile", "*/Makefile", "Dockerfile", "*/Dockerfile",
			},
			DocPatterns: []string{
				"*.md", "*.rst", "*.txt", "*.adoc",
				"docs/*", "*/docs/*", "doc/*", "*/doc/*",
			},
		},
		Observer: ObserverConfig{
			Enabled:    true,
			DebounceMs: 200,
			Ignore:     []string{".git", ".cadence", "node_modules", "vendor"},
		},
		Workers: WorkersConfig{
			Strategy:       WorkerConfig{TimeoutMinutes: 30},
			Implementation: WorkerConfig{TimeoutMinutes: 30},
			Verification:   WorkerConfig{TimeoutMinutes: 30},
			QualityReview:  WorkerConfig{TimeoutMinutes: 30},
			Logging:        WorkerConfig{TimeoutMinutes: 5},
			Commit:         WorkerConfig{TimeoutMinutes: 5},
		},
		Tracker: TrackerConfig{
			Provider:               "none",
			GitHub:                 GitHubConfig{TokenEnv: "GITHUB_TOKEN"},
			Beads:                  BeadsConfig{Command: "bd"},
			SyncConcurrency:        4,
			RetryMaxElapsedSeconds: 30,
		},
		VCS: VCSConfig{
			Backend:      "cli",
			Remote:       "origin",
			BranchPrefix: "cadence/",
		},
		Escalation: EscalationConfig{
			Interactive: "auto",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
		Paths: PathsConfig{
			StateDir: ".cadence",
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	setDefaults(viper.GetViper())
}

// DefaultSettings returns the default configuration as the nested key map
// viper reads, suitable for writing out as a config file.
func DefaultSettings() map[string]any {
	v := viper.New()
	setDefaults(v)
	return v.AllSettings()
}

func setDefaults(v *viper.Viper) {
	defaults := Default()

	// Pipeline defaults
	v.SetDefault("pipeline.verification_ceiling", defaults.Pipeline.VerificationCeiling)
	v.SetDefault("pipeline.quality_ceiling", defaults.Pipeline.QualityCeiling)
	v.SetDefault("pipeline.commit_policy", defaults.Pipeline.CommitPolicy)
	v.SetDefault("pipeline.retry_idempotent_failures", defaults.Pipeline.RetryIdempotentFailures)

	// Drift defaults
	v.SetDefault("drift.yellow_budget", defaults.Drift.YellowBudget)
	v.SetDefault("drift.red_budget", defaults.Drift.RedBudget)
	v.SetDefault("drift.leeway", defaults.Drift.Leeway)
	v.SetDefault("drift.test_patterns", defaults.Drift.TestPatterns)
	v.SetDefault("drift.config_patterns", defaults.Drift.ConfigPatterns)
	v.SetDefault("drift.doc_patterns", defaults.Drift.DocPatterns)

	// Observer defaults
	v.SetDefault("observer.enabled", defaults.Observer.Enabled)
	v.SetDefault("observer.debounce_ms", defaults.Observer.DebounceMs)
	v.SetDefault("observer.ignore", defaults.Observer.Ignore)

	// Worker defaults
	for name, w := range map[string]WorkerConfig{
		"strategy":       defaults.Workers.Strategy,
		"implementation": defaults.Workers.Implementation,
		"verification":   defaults.Workers.Verification,
		"quality_review": defaults.Workers.QualityReview,
		"logging":        defaults.Workers.Logging,
		"commit":         defaults.Workers.Commit,
	} {
		v.SetDefault("workers."+name+".command", w.Command)
		v.SetDefault("workers."+name+".timeout_minutes", w.TimeoutMinutes)
	}

	// Tracker defaults
	v.SetDefault("tracker.provider", defaults.Tracker.Provider)
	v.SetDefault("tracker.github.token_env", defaults.Tracker.GitHub.TokenEnv)
	v.SetDefault("tracker.github.owner", defaults.Tracker.GitHub.Owner)
	v.SetDefault("tracker.github.repo", defaults.Tracker.GitHub.Repo)
	v.SetDefault("tracker.beads.command", defaults.Tracker.Beads.Command)
	v.SetDefault("tracker.sync_concurrency", defaults.Tracker.SyncConcurrency)
	v.SetDefault("tracker.retry_max_elapsed_seconds", defaults.Tracker.RetryMaxElapsedSeconds)

	// VCS defaults
	v.SetDefault("vcs.backend", defaults.VCS.Backend)
	v.SetDefault("vcs.remote", defaults.VCS.Remote)
	v.SetDefault("vcs.branch_prefix", defaults.VCS.BranchPrefix)

	// Escalation defaults
	v.SetDefault("escalation.interactive", defaults.Escalation.Interactive)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)

	// Paths defaults
	v.SetDefault("paths.state_dir", defaults.Paths.StateDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration, falling back to defaults when the
// loaded configuration cannot be unmarshaled or validated
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cadence")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cadence"
	}
	return filepath.Join(home, ".config", "cadence")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
