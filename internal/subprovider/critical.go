package subprovider

import "strings"

// ErrorTypeAuth matches the auth_error classification used by the
// orchestrators; any error of this type is critical regardless of message.
const ErrorTypeAuth = "auth_error"

// DisableThreshold is the consecutive-error streak that pulls a sub-provider
// from rotation outright. Well above the breaker's trip point, so transient
// failures cycle through open/half-open before a key is disabled.
const DisableThreshold = 10

// criticalSubstrings mark permanent credential failures. A matching error
// disables the sub-provider immediately instead of waiting for the breaker.
var criticalSubstrings = []string{
	"invalid api key",
	"invalid x-api-key",
	"incorrect api key",
	"api key not valid",
	"api key expired",
	"key has been revoked",
	"account deactivated",
	"account has been disabled",
	"unauthorized",
	"authentication failed",
	"insufficient_quota",
	"billing hard limit",
}

// IsCriticalError reports whether an upstream error is a permanent
// credential failure that should disable the sub-provider.
func IsCriticalError(errorType, message string) bool {
	if errorType == ErrorTypeAuth {
		return true
	}
	lower := strings.ToLower(message)
	for _, sub := range criticalSubstrings {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
