// Package proxy provides request/response value types for the proxy layer,
// the client-facing error taxonomy, query merging, and upstream response
// inspection.
package proxy

import (
	"github.com/artpar/geogate/domain/target"
)

// Request is the per-request envelope derived from the inbound HTTP request.
type Request struct {
	// Target is the normalized upstream tuple the caller addressed.
	Target target.URL
	// ReferrerKey is the canonical allow-list key for this caller class.
	ReferrerKey string

	Method  string
	Headers map[string]string
	Body    []byte

	RemoteIP  string
	UserAgent string
	TraceID   string
}

// Response is a buffered-headers upstream response. The body prefix has been
// read for inspection; Rest carries the remaining bytes when streaming.
type Response struct {
	Status  int
	Headers map[string]string
	// Prefix is the bounded body prefix captured for inspection.
	Prefix []byte
	// Rest streams the remainder of the body after Prefix; nil when the
	// whole body fit inside Prefix. Callers must close it.
	Rest ResponseBody

	LatencyMs    int64
	UpstreamAddr string
}

// ResponseBody is the streamed remainder of an upstream body.
type ResponseBody interface {
	Read(p []byte) (int, error)
	Close() error
}

// ErrorResponse is an error surfaced to the client in the uniform JSON
// envelope. Code doubles as the HTTP status when it is a valid status code.
type ErrorResponse struct {
	Code    int
	Message string
}

// Common error responses.
var (
	ErrBadRequest = ErrorResponse{
		Code:    403,
		Message: "request URL could not be parsed",
	}
	ErrReferrerDenied = ErrorResponse{
		Code:    403,
		Message: "referrer not allowed",
	}
	ErrNoResource = ErrorResponse{
		Code:    404,
		Message: "no configured resource matches the requested URL",
	}
	ErrBodyTooLarge = ErrorResponse{
		Code:    413,
		Message: "request body too large",
	}
	ErrRateExceeded = ErrorResponse{
		Code:    429,
		Message: "rate limit exceeded for this resource and referrer",
	}
	ErrLimiterUnavailable = ErrorResponse{
		Code:    420,
		Message: "rate limiter unavailable",
	}
	ErrTokenAcquisition = ErrorResponse{
		Code:    502,
		Message: "could not acquire a token from the upstream",
	}
	ErrUpstream = ErrorResponse{
		Code:    502,
		Message: "upstream request failed",
	}
	ErrInternal = ErrorResponse{
		Code:    500,
		Message: "internal error",
	}
)

// Envelope is the JSON error document returned to clients:
// {"error":{"code":N,"message":M,"details":M},"request":URL}.
type Envelope struct {
	Error   EnvelopeError `json:"error"`
	Request string        `json:"request"`
}

// EnvelopeError is the inner error object of an Envelope.
type EnvelopeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// Envelope renders the error for a given request URL.
func (e ErrorResponse) Envelope(requestURL string) Envelope {
	return Envelope{
		Error: EnvelopeError{
			Code:    e.Code,
			Message: e.Message,
			Details: e.Message,
		},
		Request: requestURL,
	}
}

// HTTPStatus returns the HTTP status for this error: Code when it is a
// valid status code, else 500.
func (e ErrorResponse) HTTPStatus() int {
	if e.Code >= 100 && e.Code < 600 {
		return e.Code
	}
	return 500
}
