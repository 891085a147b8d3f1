package vod

import (
	"context"
	"errors"
	"strings"

	"github.com/onnwee/stream-archiver/archerr"
)

// ErrorClass tells the download loop whether another attempt can succeed.
type ErrorClass int

const (
	// ErrorClassRetryable covers transient failures.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal covers failures a retry cannot fix.
	ErrorClassFatal
	// ErrorClassUnknown is returned for a nil error.
	ErrorClassUnknown
)

// String returns a short name for the class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// serverErrorPatterns are checked first so "503 service unavailable" is not mistaken for
// an unavailable video.
var serverErrorPatterns = []string{
	"500", "502", "503", "504",
	"internal server error", "bad gateway", "service unavailable", "gateway timeout",
}

var fatalPatterns = []string{
	// auth
	"subscriber-only", "only available to subscribers", "must be logged into", "login required",
	"authentication required", "401", "403", "access denied", "unauthorized",
	// gone
	"404", "not found", "deleted", "no longer available", "does not exist",
	"no video formats found", "unable to extract",
	// bad input
	"invalid url", "malformed url", "invalid video id", "unsupported url",
	// drm
	"drm protected", "protected content", "encrypted content",
}

var retryablePatterns = []string{
	// network
	"connection reset", "connection refused", "connection timed out", "timeout",
	"temporary failure in name resolution", "no route to host", "network unreachable", "dns", "eof", "broken pipe",
	// rate limiting
	"429", "too many requests", "rate limit", "throttled",
	// incomplete
	"partial content", "fragment", "incomplete download",
}

// ClassifyDownloadError decides whether a download failure is worth retrying. Canceled
// contexts, auth errors and data errors are fatal; network errors are retryable. Process
// errors are classified by the downloader output they carry. Unrecognized failures are
// retried.
func ClassifyDownloadError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassFatal
	}
	switch archerr.KindOf(err) {
	case archerr.KindAuth, archerr.KindData:
		return ErrorClassFatal
	case archerr.KindNetwork:
		return ErrorClassRetryable
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, serverErrorPatterns) {
		return ErrorClassRetryable
	}
	if strings.Contains(lower, "video") && (strings.Contains(lower, "unavailable") || strings.Contains(lower, "not available")) {
		return ErrorClassFatal
	}
	if containsAny(lower, fatalPatterns) {
		return ErrorClassFatal
	}
	if containsAny(lower, retryablePatterns) {
		return ErrorClassRetryable
	}
	return ErrorClassRetryable
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// IsRetryableError reports whether err should trigger another attempt.
func IsRetryableError(err error) bool {
	return ClassifyDownloadError(err) == ErrorClassRetryable
}

// IsFatalError reports whether err must not be retried.
func IsFatalError(err error) bool {
	return ClassifyDownloadError(err) == ErrorClassFatal
}
