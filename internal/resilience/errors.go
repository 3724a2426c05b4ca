package resilience

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// TransientError wraps an error that is safe to retry (e.g., 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or looks like a network-level hiccup.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return permanentStatusRe.MatchString(msg)
}

// IsTransientHTTPStatus returns true if the status code is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// BlockedError reports that a provider actively denied access, either with a
// blocking status or a challenge page served as 200.
type BlockedError struct {
	StatusCode int
	URL        string
	Reason     string
}

func (e *BlockedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("blocked: status %d for %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("blocked (%s): status %d for %s", e.Reason, e.StatusCode, e.URL)
}

// IsBlockedStatus reports whether an HTTP status means access was refused.
func IsBlockedStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusTooManyRequests,
		http.StatusUnavailableForLegalReasons:
		return true
	default:
		return false
	}
}

// AsBlocked extracts a BlockedError from err's chain.
func AsBlocked(err error) (*BlockedError, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Priority tags a timeout with the deadline class of its source.
type Priority string

const (
	// PriorityHigh sources use the default deadline; their timeouts are review-worthy.
	PriorityHigh Priority = "high"
	// PriorityLow sources use a shortened deadline; timeouts are expected.
	PriorityLow Priority = "low"
)

// TimeoutError reports that a source exceeded its deadline.
type TimeoutError struct {
	Source   string
	Priority Priority
	Deadline time.Duration
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s (%s priority)", e.Source, e.Deadline, e.Priority)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// AsTimeout extracts a TimeoutError from err's chain.
func AsTimeout(err error) (*TimeoutError, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

var permanentPatterns = []string{
	"not found",
	"bad request",
	"unauthorized",
}

// permanentStatusRe matches a status code reported as such ("status 404",
// "http 401"). Bare numbers such as "400 bytes" or "4000ms" do not count.
var permanentStatusRe = regexp.MustCompile(`\b(?:status|http|code)[\s:=]*(?:400|401|404)\b`)

// IsPermanent reports whether retrying err is pointless: the provider said
// the resource does not exist, the request is malformed, or we are not
// authorized. Everything else is transient for the retry workflow.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return permanentStatusRe.MatchString(msg)
}
