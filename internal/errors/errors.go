package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// GatewayError is an error rendered to callers as a {"message": ...} body.
// Underlying causes are kept for logging and never serialized.
type GatewayError struct {
	Code       int    `json:"-"`
	Message    string `json:"message"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response.
// Base singletons use pre-serialized bodies to avoid allocations.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(e)
}

// Common errors
var (
	ErrNotFound = &GatewayError{
		Code:    http.StatusNotFound,
		Message: "No route matches the requested path",
	}

	ErrUnauthorized = &GatewayError{
		Code:    http.StatusUnauthorized,
		Message: "Authentication is required to access this resource",
	}

	ErrForbidden = &GatewayError{
		Code:    http.StatusForbidden,
		Message: "You do not have permission to access this resource",
	}

	ErrTooManyRequests = &GatewayError{
		Code:    http.StatusTooManyRequests,
		Message: "Too many requests. Please try again later",
	}

	ErrServiceUnavailable = &GatewayError{
		Code:    http.StatusServiceUnavailable,
		Message: "An error occurred. Please try again later and contact support!",
	}

	ErrBadRequest = &GatewayError{
		Code:    http.StatusBadRequest,
		Message: "Bad Request",
	}

	ErrInternalServer = &GatewayError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrNotFound, ErrUnauthorized, ErrForbidden, ErrTooManyRequests,
		ErrServiceUnavailable, ErrBadRequest, ErrInternalServer,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// New creates a new GatewayError
func New(code int, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code int, message string) *GatewayError {
	return &GatewayError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithMessage returns a copy carrying a different caller-facing message.
func (e *GatewayError) WithMessage(message string) *GatewayError {
	return &GatewayError{
		Code:       e.Code,
		Message:    message,
		underlying: e.underlying,
	}
}

// IsGatewayError checks if an error is a GatewayError
func IsGatewayError(err error) (*GatewayError, bool) {
	if ge, ok := err.(*GatewayError); ok {
		return ge, true
	}
	return nil, false
}
