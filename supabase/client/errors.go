package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// APIError is a failed Supabase response. PostgREST and GoTrue bodies are
// both understood; Code holds the PostgREST code (PGRST...) or SQLSTATE when
// the backend reports one.
type APIError struct {
	Status    int
	Code      string
	Message   string
	Details   string
	Hint      string
	RequestID string
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("supabase error: ")
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(http.StatusText(e.Status))
	}
	fmt.Fprintf(&b, " (status %d", e.Status)
	if e.Code != "" {
		fmt.Fprintf(&b, ", code %s", e.Code)
	}
	b.WriteString(")")
	return b.String()
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.Status }

// ErrorCode returns the backend error code.
func (e *APIError) ErrorCode() string { return e.Code }

// parseAPIError builds an APIError from a failed response body.
func parseAPIError(status int, body []byte, requestID string) *APIError {
	e := &APIError{Status: status, RequestID: requestID}
	if !gjson.ValidBytes(body) {
		e.Message = strings.TrimSpace(string(body))
		return e
	}
	res := gjson.ParseBytes(body)
	e.Code = firstString(res, "code", "error_code")
	e.Message = firstString(res, "message", "msg", "error_description", "error")
	e.Details = res.Get("details").String()
	e.Hint = res.Get("hint").String()
	return e
}

func firstString(res gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := res.Get(p)
		if v.Exists() && v.Type != gjson.Null && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// =============================================================================
// Request ID and Tracing
// =============================================================================

type requestIDKey struct{}

// WithRequestID adds a request ID to the context. It is sent as X-Request-Id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateRequestID generates a unique request ID.
func GenerateRequestID() string {
	return uuid.NewString()
}
