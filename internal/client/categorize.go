package client

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/firewatch-np/fire-feed-service/internal/circuitbreaker"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels.
const (
	ErrorCategoryTimeout       ErrorCategory = "timeout"
	ErrorCategoryNetwork       ErrorCategory = "network"
	ErrorCategoryConfigMissing ErrorCategory = "config_missing"
	ErrorCategoryRateLimited   ErrorCategory = "rate_limited"
	ErrorCategoryRejected      ErrorCategory = "upstream_4xx"
	ErrorCategoryUpstream5xx   ErrorCategory = "upstream_5xx"
	ErrorCategoryParsing       ErrorCategory = "parsing"
	ErrorCategoryCircuitOpen   ErrorCategory = "circuit_open"
	ErrorCategoryUnknown       ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics and logs.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrConfigMissing), errors.Is(err, ErrUnknownSource):
		return ErrorCategoryConfigMissing
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	case errors.Is(err, ErrRateLimited):
		return ErrorCategoryRateLimited
	case errors.Is(err, ErrUpstreamRejected):
		return ErrorCategoryRejected
	case errors.Is(err, ErrUpstreamFailure):
		return ErrorCategoryUpstream5xx
	case errors.Is(err, ErrUnexpectedPayload):
		return ErrorCategoryParsing
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}
	errStr := err.Error()
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}

// ClassifyOutcome folds an error into the FetchOutcome the cache fallback consumes.
func ClassifyOutcome(err error) Outcome {
	switch CategorizeError(err) {
	case "":
		return OutcomeSuccess
	case ErrorCategoryTimeout:
		return OutcomeTimedOut
	case ErrorCategoryConfigMissing:
		return OutcomeConfigurationMissing
	case ErrorCategoryCircuitOpen:
		return OutcomeCircuitOpen
	case ErrorCategoryRateLimited, ErrorCategoryRejected, ErrorCategoryUpstream5xx, ErrorCategoryParsing:
		return OutcomeUpstreamRejected
	default:
		return OutcomeNetworkError
	}
}

// IsBreakerFailure reports whether err should count against a source's circuit
// breaker. Missing configuration and caller cancellation say nothing about the
// upstream's health.
func IsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConfigMissing) || errors.Is(err, ErrUnknownSource) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
