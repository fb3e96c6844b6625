// Package model defines shared types for the gateway.
package model

import (
	"context"
	"io"
	"net/http"
)

// Error kinds reported in ErrorResponse.Error.Type.
const (
	ErrTypeUnauthorized       = "unauthorized"
	ErrTypeBackendUnavailable = "backend_unavailable"
	ErrTypeUpstreamTimeout    = "upstream_timeout"
	ErrTypeBadGateway         = "bad_gateway"
	ErrTypeInvalidRequest     = "invalid_request"
	ErrTypeRequestTooLarge    = "request_too_large"
	ErrTypeRateLimited        = "rate_limited"
	ErrTypeInternal           = "internal_error"
)

// ProxyRequest represents an authorized client request to be forwarded upstream.
// RawPath and RawQuery keep the caller's encoding so the backend sees the
// same request target. Body holds the fully read request body; Stream
// reports whether the client asked for an event-stream completion.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawPath  string
	RawQuery string
	Header   http.Header
	Body     []byte
	Stream   bool
}

// ProxyResponse represents the upstream response to be relayed to the client.
// The receiver owns Body and must close it.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ErrorResponse is the JSON error envelope returned by the gateway itself.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a human-readable message and a machine-readable kind.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewError builds an ErrorResponse.
func NewError(errType, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}}
}
