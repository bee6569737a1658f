// Package errs defines the structured errors surfaced by the trading core.
// Leaves return these; orchestrators classify them with Classify.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stable codes used by user-visible surfaces.
const (
	CodeTransientTransport    = "TRANSIENT_TRANSPORT"
	CodeRateLimited           = "RATE_LIMITED"
	CodeCircuitOpen           = "CIRCUIT_OPEN"
	CodeValidationRejected    = "VALIDATION_REJECTED"
	CodeQualityBelowThreshold = "QUALITY_BELOW_THRESHOLD"
	CodeInsufficientData      = "INSUFFICIENT_DATA"
	CodeNumericError          = "NUMERIC_ERROR"
	CodeRiskViolation         = "RISK_VIOLATION"
	CodeStateError            = "STATE_ERROR"
	CodeStorageError          = "STORAGE_ERROR"
	CodeEmergencyStopActive   = "EMERGENCY_STOP_ACTIVE"
	CodeMigrationError        = "MIGRATION_ERROR"
	CodeInternal              = "INTERNAL"
)

// Coded is implemented by every error in this package.
type Coded interface {
	error
	Code() string
}

type TransientTransport struct {
	Host   string
	Status int // 0 for network errors
	Err    error
}

func (e *TransientTransport) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient transport error: %s returned %d", e.Host, e.Status)
	}
	return fmt.Sprintf("transient transport error: %s: %v", e.Host, e.Err)
}
func (e *TransientTransport) Code() string  { return CodeTransientTransport }
func (e *TransientTransport) Unwrap() error { return e.Err }

type RateLimited struct {
	Provider   string
	RetryAfter time.Duration
	Quota      bool // daily quota exhausted rather than a rolling window
}

func (e *RateLimited) Error() string {
	if e.Quota {
		return fmt.Sprintf("rate limited: %s daily quota exhausted, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: %s, retry after %s", e.Provider, e.RetryAfter)
}
func (e *RateLimited) Code() string { return CodeRateLimited }

type CircuitOpen struct {
	Host string
}

func (e *CircuitOpen) Error() string { return fmt.Sprintf("circuit open for host %s", e.Host) }
func (e *CircuitOpen) Code() string  { return CodeCircuitOpen }

type ValidationRejected struct {
	Field  string
	Reason string
}

func (e *ValidationRejected) Error() string {
	return fmt.Sprintf("validation rejected: %s: %s", e.Field, e.Reason)
}
func (e *ValidationRejected) Code() string { return CodeValidationRejected }

type QualityBelowThreshold struct {
	Metric    string
	Value     float64
	Threshold float64
}

func (e *QualityBelowThreshold) Error() string {
	return fmt.Sprintf("quality below threshold: %s=%.4f (min %.4f)", e.Metric, e.Value, e.Threshold)
}
func (e *QualityBelowThreshold) Code() string { return CodeQualityBelowThreshold }

type InsufficientData struct {
	What string
	Have int
	Need int
}

func (e *InsufficientData) Error() string {
	if e.Need > 0 {
		return fmt.Sprintf("insufficient data for %s: have %d, need %d", e.What, e.Have, e.Need)
	}
	return fmt.Sprintf("insufficient data for %s", e.What)
}
func (e *InsufficientData) Code() string { return CodeInsufficientData }

type NumericError struct {
	Op     string
	Reason string
}

func (e *NumericError) Error() string { return fmt.Sprintf("numeric error in %s: %s", e.Op, e.Reason) }
func (e *NumericError) Code() string  { return CodeNumericError }

// Severity of a risk limit violation, ordered by escalation.
type Severity int

const (
	SeverityNone Severity = iota
	SeveritySoft
	SeverityHard
	SeverityBreach
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeveritySoft:
		return "soft"
	case SeverityHard:
		return "hard"
	case SeverityBreach:
		return "breach"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type RiskViolation struct {
	Severity Severity
	Rule     string
	Value    float64
	Limit    float64
}

func (e *RiskViolation) Error() string {
	return fmt.Sprintf("risk violation (%s): %s value=%.6f limit=%.6f", e.Severity, e.Rule, e.Value, e.Limit)
}
func (e *RiskViolation) Code() string { return CodeRiskViolation }

type StateError struct {
	Entity string
	From   string
	To     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("forbidden transition for %s: %s -> %s", e.Entity, e.From, e.To)
}
func (e *StateError) Code() string { return CodeStateError }

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Code() string  { return CodeStorageError }
func (e *StorageError) Unwrap() error { return e.Err }

type EmergencyStopActive struct {
	Reason string
}

func (e *EmergencyStopActive) Error() string {
	if e.Reason == "" {
		return "emergency stop active"
	}
	return "emergency stop active: " + e.Reason
}
func (e *EmergencyStopActive) Code() string { return CodeEmergencyStopActive }

// Storage wraps err as a StorageError unless it already is one.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// CodeOf returns the stable code of the first coded error in the chain.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

// Action is what an orchestrator should do with an error.
type Action int

const (
	ActionRetry Action = iota
	ActionSkip
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionSkip:
		return "skip"
	default:
		return "abort"
	}
}

// Classify maps an error onto retry / skip / abort.
func Classify(err error) Action {
	switch CodeOf(err) {
	case CodeTransientTransport, CodeRateLimited:
		return ActionRetry
	case CodeCircuitOpen, CodeValidationRejected, CodeQualityBelowThreshold,
		CodeInsufficientData, CodeRiskViolation, CodeStateError:
		return ActionSkip
	case CodeInternal:
		if errors.Is(err, context.Canceled) {
			return ActionAbort
		}
		return ActionSkip
	default:
		return ActionAbort
	}
}

// ExitCode maps an error onto the operator exit semantics.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case CodeStorageError, CodeMigrationError:
		return 2
	default:
		return 1
	}
}
