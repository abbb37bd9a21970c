package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "drift.yellow_budget")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidCommitPolicies returns the accepted commit policies
func ValidCommitPolicies() []string {
	return []string{"immediate", "confirmed"}
}

// ValidTrackerProviders returns the accepted tracker providers
func ValidTrackerProviders() []string {
	return []string{"none", "github", "beads"}
}

// ValidVCSBackends returns the accepted VCS backends
func ValidVCSBackends() []string {
	return []string{"cli", "gogit"}
}

// ValidInteractiveModes returns the accepted escalation.interactive values
func ValidInteractiveModes() []string {
	return []string{"auto", "always", "never"}
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validatePipeline()...)
	errors = append(errors, c.validateDrift()...)
	errors = append(errors, c.validateObserver()...)
	errors = append(errors, c.validateWorkers()...)
	errors = append(errors, c.validateTracker()...)
	errors = append(errors, c.validateVCS()...)
	errors = append(errors, c.validateEscalation()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validatePipeline() []ValidationError {
	var errors []ValidationError

	if c.Pipeline.VerificationCeiling < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.verification_ceiling",
			Value:   c.Pipeline.VerificationCeiling,
			Message: "must be at least 1",
		})
	}
	if c.Pipeline.QualityCeiling < 1 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.quality_ceiling",
			Value:   c.Pipeline.QualityCeiling,
			Message: "must be at least 1",
		})
	}
	if !slices.Contains(ValidCommitPolicies(), c.Pipeline.CommitPolicy) {
		errors = append(errors, ValidationError{
			Field:   "pipeline.commit_policy",
			Value:   c.Pipeline.CommitPolicy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidCommitPolicies(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateDrift() []ValidationError {
	var errors []ValidationError

	if c.Drift.YellowBudget < 0 {
		errors = append(errors, ValidationError{
			Field:   "drift.yellow_budget",
			Value:   c.Drift.YellowBudget,
			Message: "must be non-negative",
		})
	}
	if c.Drift.RedBudget < 1 {
		errors = append(errors, ValidationError{
			Field:   "drift.red_budget",
			Value:   c.Drift.RedBudget,
			Message: "must be at least 1",
		})
	}
	if c.Drift.Leeway < 0 || c.Drift.Leeway > 2 {
		errors = append(errors, ValidationError{
			Field:   "drift.leeway",
			Value:   c.Drift.Leeway,
			Message: "must be between 0 and 2",
		})
	}

	errors = append(errors, validatePatterns("drift.test_patterns", c.Drift.TestPatterns)...)
	errors = append(errors, validatePatterns("drift.config_patterns", c.Drift.ConfigPatterns)...)
	errors = append(errors, validatePatterns("drift.doc_patterns", c.Drift.DocPatterns)...)

	return errors
}

func validatePatterns(field string, patterns []string) []ValidationError {
	var errors []ValidationError
	for i, p := range patterns {
		if strings.TrimSpace(p) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Value:   p,
				Message: "pattern cannot be empty",
			})
			continue
		}
		if _, err := glob.Compile(p); err != nil {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Value:   p,
				Message: fmt.Sprintf("invalid glob: %v", err),
			})
		}
	}
	return errors
}

func (c *Config) validateObserver() []ValidationError {
	var errors []ValidationError

	if c.Observer.DebounceMs < 0 {
		errors = append(errors, ValidationError{
			Field:   "observer.debounce_ms",
			Value:   c.Observer.DebounceMs,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateWorkers() []ValidationError {
	var errors []ValidationError

	for _, phase := range []string{"strategy", "implementation", "verification", "quality_review", "logging", "commit"} {
		w, _ := c.Workers.ByPhase(phase)
		if w.TimeoutMinutes < 0 {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("workers.%s.timeout_minutes", phase),
				Value:   w.TimeoutMinutes,
				Message: "must be non-negative",
			})
		}
	}

	return errors
}

func (c *Config) validateTracker() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidTrackerProviders(), c.Tracker.Provider) {
		errors = append(errors, ValidationError{
			Field:   "tracker.provider",
			Value:   c.Tracker.Provider,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidTrackerProviders(), ", ")),
		})
	}
	if c.Tracker.Provider == "github" {
		if c.Tracker.GitHub.Owner == "" {
			errors = append(errors, ValidationError{
				Field:   "tracker.github.owner",
				Value:   c.Tracker.GitHub.Owner,
				Message: "is required when tracker.provider is github",
			})
		}
		if c.Tracker.GitHub.Repo == "" {
			errors = append(errors, ValidationError{
				Field:   "tracker.github.repo",
				Value:   c.Tracker.GitHub.Repo,
				Message: "is required when tracker.provider is github",
			})
		}
	}
	if c.Tracker.Provider == "beads" && c.Tracker.Beads.Command == "" {
		errors = append(errors, ValidationError{
			Field:   "tracker.beads.command",
			Value:   c.Tracker.Beads.Command,
			Message: "is required when tracker.provider is beads",
		})
	}
	if c.Tracker.SyncConcurrency < 1 {
		errors = append(errors, ValidationError{
			Field:   "tracker.sync_concurrency",
			Value:   c.Tracker.SyncConcurrency,
			Message: "must be at least 1",
		})
	}
	if c.Tracker.RetryMaxElapsedSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "tracker.retry_max_elapsed_seconds",
			Value:   c.Tracker.RetryMaxElapsedSeconds,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateVCS() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidVCSBackends(), c.VCS.Backend) {
		errors = append(errors, ValidationError{
			Field:   "vcs.backend",
			Value:   c.VCS.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidVCSBackends(), ", ")),
		})
	}
	if strings.ContainsAny(c.VCS.BranchPrefix, " ~^:?*[\\") {
		errors = append(errors, ValidationError{
			Field:   "vcs.branch_prefix",
			Value:   c.VCS.BranchPrefix,
			Message: "contains characters not allowed in git branch names",
		})
	}

	return errors
}

func (c *Config) validateEscalation() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidInteractiveModes(), c.Escalation.Interactive) {
		errors = append(errors, ValidationError{
			Field:   "escalation.interactive",
			Value:   c.Escalation.Interactive,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidInteractiveModes(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}
