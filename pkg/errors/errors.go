package errors

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a unique error code for categorizing errors
type ErrorCode string

const (
	// Configuration and access errors (1xxx)
	ErrCodeConfigInvalid        ErrorCode = "SGE1001"
	ErrCodeAuthenticationFailed ErrorCode = "SGE1002"
	ErrCodeDatasetNotFound      ErrorCode = "SGE1003"

	// Data contract errors (2xxx)
	ErrCodeSchemaMismatch      ErrorCode = "SGE2001"
	ErrCodeConstraintViolation ErrorCode = "SGE2002"
	ErrCodeFreshnessViolation  ErrorCode = "SGE2003"

	// Snapshot errors (3xxx)
	ErrCodeSnapshotFailed   ErrorCode = "SGE3001"
	ErrCodeSnapshotNotFound ErrorCode = "SGE3002"

	// Merge errors (4xxx)
	ErrCodeMergeConflict ErrorCode = "SGE4001"
	ErrCodeBatchQuality  ErrorCode = "SGE4002"

	// Warehouse errors (5xxx)
	ErrCodeTimeout        ErrorCode = "SGE5001"
	ErrCodeInfra          ErrorCode = "SGE5002"
	ErrCodeValidationInfra ErrorCode = "SGE5003"
	ErrCodeQueryFailed    ErrorCode = "SGE5004"

	// Run coordination errors (6xxx)
	ErrCodeLeaseHeld    ErrorCode = "SGE6001"
	ErrCodeInvalidState ErrorCode = "SGE6002"
	ErrCodeNotFound     ErrorCode = "SGE6003"

	// System errors (9xxx)
	ErrCodeInternal           ErrorCode = "SGE9001"
	ErrCodeMaxRetriesExceeded ErrorCode = "SGE9002"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	SeverityCritical ErrorSeverity = "CRITICAL" // Run aborted, production may need attention
	SeverityError    ErrorSeverity = "ERROR"    // Operation failed
	SeverityWarning  ErrorSeverity = "WARNING"  // Advisory, does not block promotion
	SeverityInfo     ErrorSeverity = "INFO"
)

// AppError represents a structured application error with context
type AppError struct {
	Code        ErrorCode
	Message     string
	Severity    ErrorSeverity
	Context     map[string]interface{}
	Cause       error
	Stack       string
	Timestamp   time.Time
	Recoverable bool
	Suggestions []string
}

// Error implements the error interface
func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("[%s] %s: %s", e.Code, e.Severity, e.Message))

	if e.Cause != nil {
		b.WriteString(fmt.Sprintf(": %v", e.Cause))
	}

	return b.String()
}

// Unwrap returns the cause of the error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:        code,
		Message:     message,
		Severity:    SeverityError,
		Context:     make(map[string]interface{}),
		Stack:       captureStack(),
		Timestamp:   time.Now(),
		Recoverable: false,
	}
}

// Wrap wraps an existing error with AppError
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}

	appErr := New(code, message)
	appErr.Cause = err

	// Inherit context from a wrapped AppError
	var ae *AppError
	if errors.As(err, &ae) {
		for k, v := range ae.Context {
			appErr.Context[k] = v
		}
		appErr.Recoverable = ae.Recoverable
	}

	return appErr
}

// wrapOrNew wraps cause when present so constructors never return nil
func wrapOrNew(cause error, code ErrorCode, message string) *AppError {
	if cause == nil {
		return New(code, message)
	}
	return Wrap(cause, code, message)
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithSeverity sets the error severity
func (e *AppError) WithSeverity(severity ErrorSeverity) *AppError {
	e.Severity = severity
	return e
}

// WithSuggestions adds recovery suggestions
func (e *AppError) WithSuggestions(suggestions ...string) *AppError {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// AsRecoverable marks the error as recoverable
func (e *AppError) AsRecoverable() *AppError {
	e.Recoverable = true
	return e
}

// captureStack captures the current stack trace
func captureStack() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])

	var b strings.Builder
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			b.WriteString(fmt.Sprintf("%s:%d %s\n", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	return b.String()
}

// Common error constructors

// ConfigError creates a configuration-related error
func ConfigError(message string, field string) *AppError {
	return New(ErrCodeConfigInvalid, message).
		WithContext("field", field).
		WithSuggestions(
			fmt.Sprintf("Check the '%s' configuration value", field),
			"Run 'stagegate contracts check' to validate table contracts",
		)
}

// AuthError creates an authentication or authorization error
func AuthError(message string, cause error) *AppError {
	err := New(ErrCodeAuthenticationFailed, message).
		WithSeverity(SeverityCritical).
		WithSuggestions(
			"Verify warehouse credentials",
			"Check that the role can read staging and write production",
		)
	err.Cause = cause
	return err
}

// DatasetNotFoundError reports a missing staging or production dataset
func DatasetNotFoundError(dataset string) *AppError {
	return New(ErrCodeDatasetNotFound, fmt.Sprintf("dataset %q does not exist", dataset)).
		WithContext("dataset", dataset)
}

// SchemaMismatchError reports a structural difference between a table and its contract
func SchemaMismatchError(table, message string) *AppError {
	return New(ErrCodeSchemaMismatch, message).
		WithContext("table", table)
}

// ConstraintViolationError reports a failed uniqueness, referential or business rule
func ConstraintViolationError(table, check string, failed int64) *AppError {
	return New(ErrCodeConstraintViolation, fmt.Sprintf("%s: %d records violate %s", table, failed, check)).
		WithContext("table", table).
		WithContext("check", check).
		WithContext("failed", failed)
}

// FreshnessViolation reports a table whose newest record is older than its SLA allows
func FreshnessViolation(table string, age, sla time.Duration) *AppError {
	return New(ErrCodeFreshnessViolation, fmt.Sprintf("%s: newest record is %s old, SLA is %s", table, age.Round(time.Minute), sla)).
		WithContext("table", table).
		WithSeverity(SeverityWarning)
}

// SnapshotError reports a failed snapshot creation or restore
func SnapshotError(table, batchID string, cause error) *AppError {
	return wrapOrNew(cause, ErrCodeSnapshotFailed, fmt.Sprintf("snapshot of %s for batch %s failed", table, batchID)).
		WithContext("table", table).
		WithContext("batch_id", batchID).
		WithSeverity(SeverityCritical)
}

// SnapshotNotFoundError reports a missing or expired snapshot
func SnapshotNotFoundError(table, batchID string) *AppError {
	return New(ErrCodeSnapshotNotFound, fmt.Sprintf("no snapshot of %s for batch %s", table, batchID)).
		WithContext("table", table).
		WithContext("batch_id", batchID).
		WithSuggestions("Run 'stagegate snapshot list " + table + "' to see available batches")
}

// MergeConflictError reports duplicates that cannot be ordered
func MergeConflictError(table, key string) *AppError {
	return New(ErrCodeMergeConflict, fmt.Sprintf("%s: conflicting duplicates for key %s and no timestamp to order them", table, key)).
		WithContext("table", table).
		WithContext("key", key)
}

// BatchQualityError reports a batch whose malformed share exceeds the threshold
func BatchQualityError(table string, malformed, total int, threshold float64) *AppError {
	return New(ErrCodeBatchQuality, fmt.Sprintf("%s: %d of %d records malformed, threshold is %.2f%%", table, malformed, total, threshold*100)).
		WithContext("table", table).
		WithContext("malformed", malformed).
		WithContext("total", total)
}

// TimeoutError reports a warehouse call that exceeded its deadline
func TimeoutError(op string, cause error) *AppError {
	return wrapOrNew(cause, ErrCodeTimeout, fmt.Sprintf("%s timed out", op)).
		WithContext("operation", op).
		WithSuggestions("Increase warehouse.query_timeout", "Check warehouse load")
}

// InfraError reports a transient warehouse failure
func InfraError(message string, cause error) *AppError {
	return wrapOrNew(cause, ErrCodeInfra, message).AsRecoverable()
}

// ValidationInfraError reports that checks could not run
func ValidationInfraError(table string, cause error) *AppError {
	return wrapOrNew(cause, ErrCodeValidationInfra, fmt.Sprintf("validation of %s could not complete", table)).
		WithContext("table", table)
}

// LeaseHeldError reports a production table locked by another run
func LeaseHeldError(table, holder string) *AppError {
	return New(ErrCodeLeaseHeld, fmt.Sprintf("%s is locked by run %s", table, holder)).
		WithContext("table", table).
		WithContext("holder", holder)
}

// ClassifyQueryError maps a driver error to the taxonomy.
func ClassifyQueryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) {
		return InfraError(op+" lost its connection", err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication") ||
		strings.Contains(msg, "access denied") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "insufficient privileges"):
		return AuthError(op+" was not authorized", err)
	case strings.Contains(msg, "timeout") && strings.Contains(msg, "statement"):
		return TimeoutError(op, err)
	case strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "eof"):
		return InfraError(op+" failed", err)
	}
	return Wrap(err, ErrCodeQueryFailed, op+" failed").
		WithContext("operation", op)
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &AppError{Code: code})
}

// IsRecoverable checks if an error is recoverable
func IsRecoverable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Recoverable
	}
	return false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Truncate shortens s to maxLen characters
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
