package orchestrator

import (
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/ariezmeoww/voidai-backend-sub000/pkg/apierr"
)

// RequestError is the client-facing failure of an orchestrated request. It
// carries the OpenAI-style type/code pair so the transport layer can render
// the standard error envelope.
type RequestError struct {
	Status  int
	Message string
	Type    string
	Code    string
}

func (e *RequestError) Error() string { return e.Message }

// HTTPStatus implements adapters.StatusCoder.
func (e *RequestError) HTTPStatus() int { return e.Status }

func errInvalid(format string, args ...any) *RequestError {
	return &RequestError{
		Status:  fasthttp.StatusBadRequest,
		Message: fmt.Sprintf(format, args...),
		Type:    apierr.TypeInvalidRequest,
		Code:    apierr.CodeInvalidRequest,
	}
}

func errModelNotFound(model string) *RequestError {
	return &RequestError{
		Status:  fasthttp.StatusNotFound,
		Message: fmt.Sprintf("model %q does not exist or is not served by this endpoint", model),
		Type:    apierr.TypeInvalidRequest,
		Code:    "model_not_found",
	}
}

func errPlanAccess(model, plan string) *RequestError {
	return &RequestError{
		Status:  fasthttp.StatusForbidden,
		Message: fmt.Sprintf("model %q is not available on the %s plan", model, plan),
		Type:    apierr.TypeInvalidRequest,
		Code:    "model_access_denied",
	}
}

func errAccountDisabled() *RequestError {
	return &RequestError{
		Status:  fasthttp.StatusForbidden,
		Message: "account is disabled",
		Type:    apierr.TypeAuthenticationErr,
		Code:    "account_disabled",
	}
}

func errIPNotAllowed(ip string) *RequestError {
	return &RequestError{
		Status:  fasthttp.StatusForbidden,
		Message: fmt.Sprintf("requests from %s are not allowed for this account", ip),
		Type:    apierr.TypeAuthenticationErr,
		Code:    "ip_not_whitelisted",
	}
}

func errInsufficientCredits(needed, have int64) *RequestError {
	return &RequestError{
		Status:  fasthttp.StatusPaymentRequired,
		Message: fmt.Sprintf("insufficient credits: need %d, have %d", needed, have),
		Type:    apierr.TypeInvalidRequest,
		Code:    "insufficient_credits",
	}
}

func errTooManyActive(limit int) *RequestError {
	return &RequestError{
		Status:  fasthttp.StatusTooManyRequests,
		Message: fmt.Sprintf("too many concurrent requests (limit %d)", limit),
		Type:    apierr.TypeRateLimitError,
		Code:    apierr.CodeRateLimitExceeded,
	}
}

func errContentBlocked(message string) *RequestError {
	return &RequestError{
		Status:  fasthttp.StatusForbidden,
		Message: message,
		Type:    apierr.TypeInvalidRequest,
		Code:    "content_policy_violation",
	}
}

// errUpstream reports an exhausted retry loop. Only the opaque attempt id is
// surfaced; provider names stay internal.
func errUpstream(status int, opaqueID string) *RequestError {
	msg := "upstream provider error"
	if opaqueID != "" {
		msg = fmt.Sprintf("upstream provider error (provider %s)", opaqueID)
	}
	return &RequestError{
		Status:  status,
		Message: msg,
		Type:    apierr.TypeProviderError,
		Code:    apierr.CodeProviderError,
	}
}

func errNoCapacity() *RequestError {
	return &RequestError{
		Status:  fasthttp.StatusServiceUnavailable,
		Message: "no provider is currently available for this model",
		Type:    apierr.TypeProviderError,
		Code:    apierr.CodeProviderError,
	}
}
