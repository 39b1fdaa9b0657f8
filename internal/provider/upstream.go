package provider

import (
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorBodyBytes caps how much of an upstream error body is read.
const maxErrorBodyBytes = 64 * 1024

// UpstreamError is the typed form of a non-2xx upstream response. Status
// lets callers tell auth failures (401/403) from rate limits (429) and
// transient server errors (5xx); Message is the provider-supplied
// description, best-effort extracted from the error body.
type UpstreamError struct {
	Provider string
	Status   int
	Message  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s upstream error, status %d: %s", e.Provider, e.Status, e.Message)
}

// IsAuth reports whether the error indicates rejected credentials.
func (e *UpstreamError) IsAuth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// IsRateLimit reports whether the error indicates rate limiting.
func (e *UpstreamError) IsRateLimit() bool {
	return e.Status == http.StatusTooManyRequests
}

// IsTransient reports whether the error looks retryable.
func (e *UpstreamError) IsTransient() bool {
	return e.Status >= 500
}

// NewUpstreamError reads a non-2xx response body and builds an
// UpstreamError. extract pulls the provider-specific message out of the
// body; when it returns nothing the raw body text is used.
func NewUpstreamError(providerName string, resp *http.Response, extract func(body []byte) string) *UpstreamError {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		return &UpstreamError{
			Provider: providerName,
			Status:   resp.StatusCode,
			Message:  "failed to read error body",
		}
	}

	message := ""
	if extract != nil {
		message = extract(body)
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	return &UpstreamError{
		Provider: providerName,
		Status:   resp.StatusCode,
		Message:  message,
	}
}
