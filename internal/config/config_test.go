package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Pipeline.VerificationCeiling != 3 {
		t.Errorf("Pipeline.VerificationCeiling = %d, want 3", cfg.Pipeline.VerificationCeiling)
	}
	if cfg.Pipeline.QualityCeiling != 2 {
		t.Errorf("Pipeline.QualityCeiling = %d, want 2", cfg.Pipeline.QualityCeiling)
	}
	if cfg.Pipeline.CommitPolicy != "confirmed" {
		t.Errorf("Pipeline.CommitPolicy = %q, want %q", cfg.Pipeline.CommitPolicy, "confirmed")
	}
	if cfg.Drift.YellowBudget != 4 || cfg.Drift.RedBudget != 2 {
		t.Errorf("drift budgets = %d/%d, want 4/2", cfg.Drift.YellowBudget, cfg.Drift.RedBudget)
	}
	if cfg.Tracker.Provider != "none" {
		t.Errorf("Tracker.Provider = %q, want none", cfg.Tracker.Provider)
	}
	if cfg.VCS.Backend != "cli" {
		t.Errorf("VCS.Backend = %q, want cli", cfg.VCS.Backend)
	}
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("default config should validate, got %v", ValidationErrors(errs))
	}
}

func TestWorkerConfig_Timeout(t *testing.T) {
	w := WorkerConfig{TimeoutMinutes: 5}
	if w.Timeout() != 5*time.Minute {
		t.Errorf("Timeout() = %v, want 5m", w.Timeout())
	}
	if (WorkerConfig{}).Timeout() != 0 {
		t.Error("zero timeout should mean unbounded")
	}
}

func TestWorkersConfig_ByPhase(t *testing.T) {
	cfg := Default()
	cfg.Workers.QualityReview.Command = "review-bot"

	w, ok := cfg.Workers.ByPhase("quality_review")
	if !ok || w.Command != "review-bot" {
		t.Errorf("ByPhase(quality_review) = %+v, %v", w, ok)
	}
	if _, ok := cfg.Workers.ByPhase("drift_gate"); ok {
		t.Error("drift_gate has no worker")
	}
}

func TestPathsConfig_ResolveStateDir(t *testing.T) {
	tests := []struct {
		name  string
		paths PathsConfig
		want  string
	}{
		{"default", PathsConfig{}, filepath.Join("/repo", ".cadence")},
		{"relative", PathsConfig{StateDir: "state"}, filepath.Join("/repo", "state")},
		{"absolute", PathsConfig{StateDir: "/var/cadence"}, "/var/cadence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.paths.ResolveStateDir("/repo"); got != tt.want {
				t.Errorf("ResolveStateDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := ConfigDir(); got != filepath.Join("/tmp/xdg", "cadence") {
		t.Errorf("ConfigDir() = %q", got)
	}
	if got := ConfigFile(); got != filepath.Join("/tmp/xdg", "cadence", "config.yaml") {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestLoad_FromViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()

	viper.Set("pipeline.verification_ceiling", 5)
	viper.Set("tracker.provider", "beads")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Pipeline.VerificationCeiling != 5 {
		t.Errorf("VerificationCeiling = %d, want 5", cfg.Pipeline.VerificationCeiling)
	}
	if cfg.Tracker.Beads.Command != "bd" {
		t.Errorf("Beads.Command = %q, want bd", cfg.Tracker.Beads.Command)
	}
	if cfg.Workers.Logging.TimeoutMinutes != 5 {
		t.Errorf("Workers.Logging.TimeoutMinutes = %d, want 5", cfg.Workers.Logging.TimeoutMinutes)
	}
}

func TestLoad_InvalidFallsBackInGet(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	SetDefaults()
	viper.Set("pipeline.commit_policy", "whenever")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error")
	}
	if got := Get().Pipeline.CommitPolicy; got != "confirmed" {
		t.Errorf("Get() should fall back to defaults, got policy %q", got)
	}
}
