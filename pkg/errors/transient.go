package errors

import "strings"

// TransientErrorPatterns contains patterns that indicate transient errors worth retrying.
// These include network timeouts, connection failures, and upstream overload responses
// from the Deployment API.
var TransientErrorPatterns = []string{
	// Network errors
	"connection refused",
	"Connection reset by peer",
	"context deadline exceeded",
	"connection timed out",
	"i/o timeout",
	"TLS handshake timeout",
	"no such host",
	"network is unreachable",
	"broken pipe",
	"EOF",
	// Upstream responses
	"status 502",
	"status 503",
	"status 504",
	"too many requests",
}

// IsTransientError checks if the error message contains a transient error
// pattern and returns the matched pattern.
func IsTransientError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}
	msg := err.Error()
	for _, pattern := range TransientErrorPatterns {
		if strings.Contains(msg, pattern) {
			return true, pattern
		}
	}
	return false, ""
}
