package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/nassifmd/akuafopay/internal/cron"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// BACKEND_BASE_URL is required and must be an absolute http(s) URL.
	if cfg.BackendBaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "BACKEND_BASE_URL",
			Message: "required",
		})
	} else if u, err := url.Parse(cfg.BackendBaseURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, ValidationError{
			Field:   "BACKEND_BASE_URL",
			Message: fmt.Sprintf("must be an absolute http(s) URL, got %q", cfg.BackendBaseURL),
		})
	}

	errs = append(errs, validateDuration("BACKEND_TIMEOUT", cfg.BackendTimeoutStr)...)
	errs = append(errs, validateDuration("POLL_FAST_INTERVAL", cfg.PollFastIntervalStr)...)
	errs = append(errs, validateDuration("POLL_SLOW_INTERVAL", cfg.PollSlowIntervalStr)...)
	errs = append(errs, validateDuration("POLL_FAST_WINDOW", cfg.PollFastWindowStr)...)
	errs = append(errs, validateDuration("CONFIRM_TIMEOUT", cfg.ConfirmTimeoutStr)...)
	errs = append(errs, validateDuration("SWEEP_THRESHOLD", cfg.SweepThresholdStr)...)

	// A budget shorter than the cadence would time out before the
	// second poll ever fires.
	if cfg.ConfirmTimeout > 0 && cfg.PollFastInterval > 0 && cfg.ConfirmTimeout < cfg.PollFastInterval {
		errs = append(errs, ValidationError{
			Field:   "CONFIRM_TIMEOUT",
			Message: fmt.Sprintf("must be at least POLL_FAST_INTERVAL (%s)", cfg.PollFastIntervalStr),
		})
	}

	if cfg.SweepEnabled {
		if _, err := cron.NewParser().Parse(cfg.SweepSchedule, cfg.SweepTimezone); err != nil {
			errs = append(errs, ValidationError{
				Field:   "SWEEP_SCHEDULE",
				Message: fmt.Sprintf("invalid schedule: %v", err),
			})
		}
		if cfg.DatabaseURL == "" {
			errs = append(errs, ValidationError{
				Field:   "SWEEP_ENABLED",
				Message: "requires DATABASE_URL (the sweeper repairs history rows)",
			})
		}
		// The sweeper must never race a live confirmation budget.
		if cfg.SweepThreshold > 0 && cfg.ConfirmTimeout > 0 && cfg.SweepThreshold <= cfg.ConfirmTimeout {
			errs = append(errs, ValidationError{
				Field:   "SWEEP_THRESHOLD",
				Message: fmt.Sprintf("must exceed CONFIRM_TIMEOUT (%s)", cfg.ConfirmTimeoutStr),
			})
		}
	}

	if cfg.LeaderElection && cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "LEADER_ELECTION",
			Message: "requires DATABASE_URL (election uses a Postgres advisory lock)",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDuration(field, value string) ValidationErrors {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return ValidationErrors{{Field: field, Message: fmt.Sprintf("invalid duration: %v", err)}}
	}
	if d <= 0 {
		return ValidationErrors{{Field: field, Message: "must be positive"}}
	}
	return nil
}
