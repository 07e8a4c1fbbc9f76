package domain

import (
	"errors"
	"fmt"
	"time"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────

var (
	// Startup
	ErrConfig = errors.New("invalid configuration")

	// Per-channel input problems (channel skipped for the cycle)
	ErrStaleData           = errors.New("channel state is stale")
	ErrInvalidChannelState = errors.New("invalid channel state")

	// Validation
	ErrValidationRejected = errors.New("decision rejected by policy")

	// Execution
	ErrTransientExecution = errors.New("transient execution failure")
	ErrPermanentExecution = errors.New("permanent execution failure")
	ErrRollbackFailure    = errors.New("rollback failed")
	ErrChannelQuarantined = errors.New("channel is quarantined pending manual review")
	ErrChannelBusy        = errors.New("channel has a change in flight")
	ErrDryRun             = errors.New("refused in dry-run mode")

	// Store
	ErrNotFound         = errors.New("not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrDuplicateEntry   = errors.New("entry already recorded")
)

// ConfigError describes a configuration field that failed validation.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Is matches ErrConfig.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StaleDataError reports a ChannelState older than the allowed age.
type StaleDataError struct {
	ChannelID string
	Age       time.Duration
	MaxAge    time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("channel %s: state is %s old (max %s)", e.ChannelID, e.Age.Round(time.Second), e.MaxAge)
}

// Is matches ErrStaleData.
func (e *StaleDataError) Is(target error) bool { return target == ErrStaleData }

// ExecutionError wraps a backend failure with its classification.
// Err is ErrTransientExecution or ErrPermanentExecution, Cause the underlying error.
type ExecutionError struct {
	Op         string
	ChannelID  string
	StatusCode int
	Err        error
	Cause      error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Op, e.ChannelID, e.Err)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the classification and the cause to errors.Is/As.
func (e *ExecutionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

// Transient builds a retryable ExecutionError.
func Transient(op, channelID string, status int, cause error) error {
	return &ExecutionError{Op: op, ChannelID: channelID, StatusCode: status, Err: ErrTransientExecution, Cause: cause}
}

// Permanent builds a non-retryable ExecutionError.
func Permanent(op, channelID string, status int, cause error) error {
	return &ExecutionError{Op: op, ChannelID: channelID, StatusCode: status, Err: ErrPermanentExecution, Cause: cause}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientExecution)
}
