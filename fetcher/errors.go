package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aluiziolira/go-opds-catalog/parser"
)

// ErrInvalidURL is returned before any request is made for URLs without a
// scheme or host.
var ErrInvalidURL = errors.New("invalid catalog url")

// ErrAuthRequired indicates a 401 carrying a Basic challenge. The caller is
// expected to obtain credentials and retry once.
type ErrAuthRequired struct {
	URL   string
	Realm string
}

func (e ErrAuthRequired) Error() string {
	if e.Realm != "" {
		return fmt.Sprintf("auth_required: %s (realm %q)", e.URL, e.Realm)
	}
	return fmt.Sprintf("auth_required: %s", e.URL)
}

// ErrUnsupportedAuth indicates a 401 whose challenge is not Basic.
type ErrUnsupportedAuth struct {
	URL       string
	Challenge string
}

func (e ErrUnsupportedAuth) Error() string {
	if e.Challenge == "" {
		return fmt.Sprintf("unsupported_auth: %s (no challenge)", e.URL)
	}
	return fmt.Sprintf("unsupported_auth: %s (%s)", e.URL, e.Challenge)
}

// ErrFetchFailed wraps the final transport or status failure for a URL.
type ErrFetchFailed struct {
	URL string
	Err error
}

func (e ErrFetchFailed) Error() string {
	return fmt.Errorf("fetch %s: %w", e.URL, e.Err).Error()
}

func (e ErrFetchFailed) Unwrap() error {
	return e.Err
}

// ErrParse indicates the body was fetched but is not a usable feed.
type ErrParse struct {
	URL string
	Err error
}

func (e ErrParse) Error() string {
	return fmt.Errorf("parse %s: %w", e.URL, e.Err).Error()
}

func (e ErrParse) Unwrap() error {
	return e.Err
}

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrForbidden indicates a forbidden response (HTTP 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Errorf("forbidden: %w", e.Err).Error()
}

func (e ErrForbidden) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the server rate-limited the request.
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrStatus is any other non-success HTTP status.
type ErrStatus struct {
	Code int
}

func (e ErrStatus) Error() string {
	return fmt.Sprintf("http status %d %s", e.Code, http.StatusText(e.Code))
}

// IsAuthRequired reports whether err asks for Basic credentials.
func IsAuthRequired(err error) bool {
	var target ErrAuthRequired
	return errors.As(err, &target)
}

// ErrorLabel maps an error to a short label used in logs and metrics.
func ErrorLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	var authRequired ErrAuthRequired
	if errors.As(err, &authRequired) {
		return "auth_required"
	}
	var unsupported ErrUnsupportedAuth
	if errors.As(err, &unsupported) {
		return "unsupported_auth"
	}
	var parseErr ErrParse
	if errors.As(err, &parseErr) || errors.Is(err, parser.ErrNotAFeed) {
		return "parse"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var status ErrStatus
	if errors.As(err, &status) {
		return "status"
	}
	if errors.Is(err, ErrInvalidURL) {
		return "invalid_url"
	}
	return "other"
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := error(ErrStatus{Code: statusCode})
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		}
		return wrapped
	}

	if err == nil {
		return nil
	}
	return ErrConnection{Err: err}
}
