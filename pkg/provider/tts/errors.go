package tts

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// NetworkError reports a synthesis backend that could not be reached or
// answered with a non-2xx status.
type NetworkError struct {
	// Backend is the provider kind, e.g. "voicevox".
	Backend string

	// Endpoint is the path or URL that failed.
	Endpoint string

	// StatusCode is the HTTP status, or 0 when no response was received.
	StatusCode int

	// Err is the underlying cause, if any.
	Err error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s returned status %d: %v", e.Backend, e.Endpoint, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s returned status %d", e.Backend, e.Endpoint, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Backend, e.Endpoint, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *NetworkError) Unwrap() error { return e.Err }

// maxErrorBody caps how much of an error response body is kept.
const maxErrorBody = 512

// StatusError builds a *NetworkError for a non-2xx HTTP response. A short
// prefix of the body is kept as the cause; resp.Body is not closed.
func StatusError(backend, endpoint string, resp *http.Response) *NetworkError {
	ne := &NetworkError{Backend: backend, Endpoint: endpoint, StatusCode: resp.StatusCode}
	if body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)); len(body) > 0 {
		ne.Err = errors.New(strings.TrimSpace(string(body)))
	}
	return ne
}
