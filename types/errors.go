package types

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrTimeout              = errors.New("timeout")
	ErrCancelled            = errors.New("cancelled")
	ErrTransientExhausted   = errors.New("transient failures exhausted")
	ErrFatal                = errors.New("fatal")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrConflictDuringUpdate = errors.New("conflict during update")
	ErrStoreUnavailable     = errors.New("store unavailable")
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
)

var (
	ErrMiddlewareInvalidType = errors.New("middleware invalid type")
	ErrAuthTokenInvalid      = errors.New("auth token invalid")
	ErrAuthTokenMissing      = errors.New("auth token missing")
	ErrAuthProviderUnknown   = errors.New("auth provider unknown")
	ErrTenantMissing         = errors.New("tenant context missing")
	ErrBodyTooLarge          = errors.New("body too large")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrOriginNotAllowed      = errors.New("origin not allowed")
)

var (
	ErrCacheKeyEmpty         = errors.New("cache key empty")
	ErrCacheConnectionFailed = errors.New("cache connection failed")
	ErrCacheTypeUnknown      = errors.New("cache type unknown")
	ErrCacheOperationFailed  = errors.New("cache operation failed")
)

var (
	ErrDatabaseIsDisabled       = errors.New("database manager is disabled")
	ErrDatabaseTypeUnknown      = errors.New("database type unknown")
	ErrDatabaseCollectionExists = errors.New("database collection exists")
	ErrPresetStoreTypeUnknown   = errors.New("preset store type unknown")
	ErrSourceTypeUnknown        = errors.New("source type unknown")
	ErrResourceUnknown          = errors.New("resource unknown")
)

var (
	ErrActionNotInitialized   = errors.New("action not initialized")
	ErrActionPublishFailed    = errors.New("action publish failed")
	ErrActionConnectionFailed = errors.New("action connection failed")
	ErrActionTypeUnknown      = errors.New("action type unknown")
	ErrActionIsDisabled       = errors.New("action broker is disabled")
)

var (
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron manager is running")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as safe to retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// NewError returns an error that records the call stack.
func NewError(message string) error {
	return pkgerrors.New(message)
}

func NewErrorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}

// Categorize wraps err under a taxonomy sentinel. Both remain reachable
// through errors.Is.
func Categorize(category, err error) error {
	if err == nil {
		return category
	}
	return fmt.Errorf("%w: %w", category, err)
}
