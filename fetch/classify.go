package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-directory/types"
)

type Class int

const (
	ClassFatal Class = iota
	ClassTransient
)

func (c Class) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "fatal"
}

// Classifier decides whether a failed attempt may be retried.
type Classifier func(err error) Class

// StatusError is an upstream answer with a non-2xx status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream responded with HTTP %d", e.Code)
	}
	return fmt.Sprintf("upstream responded with HTTP %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case fasthttp.StatusForbidden, fasthttp.StatusUnauthorized:
		return types.ErrForbidden
	case fasthttp.StatusNotFound:
		return types.ErrNotFound
	}
	return nil
}

// DefaultClassifier retries only errors it can positively identify as
// transient. Anything unknown is fatal.
func DefaultClassifier(err error) Class {
	switch {
	case err == nil:
		return ClassFatal
	case errors.Is(err, types.ErrFatal),
		errors.Is(err, types.ErrForbidden),
		errors.Is(err, types.ErrNotFound),
		errors.Is(err, types.ErrInvalidParameter):
		return ClassFatal
	case types.IsTransient(err),
		errors.Is(err, errAttemptTimeout),
		errors.Is(err, types.ErrTimeout),
		errors.Is(err, types.ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if IsRetryableStatus(statusErr.Code) {
			return ClassTransient
		}
		return ClassFatal
	}

	if isNetworkError(err) {
		return ClassTransient
	}

	return ClassFatal
}

func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case fasthttp.StatusRequestTimeout, fasthttp.StatusTooManyRequests:
		return true
	}
	return statusCode >= 500
}

func isNetworkError(err error) bool {
	if errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrConnectionClosed) ||
		errors.Is(err, fasthttp.ErrNoFreeConns) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Timeout() || dnsErr.IsTemporary
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isNetworkError(urlErr.Err)
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
