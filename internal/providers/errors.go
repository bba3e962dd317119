// Package providers holds the plumbing shared by the speech and language
// model adapters: error classification and client construction.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"

	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Error is a failed provider request.
type Error struct {
	// Provider names the service, e.g. "openai".
	Provider string

	// Status is the HTTP status code, zero when unknown.
	Status int

	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether a status means the call cannot recover by waiting:
// bad credentials, exhausted billing or a forbidden model.
func Fatal(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusPaymentRequired, http.StatusForbidden:
		return true
	}
	return false
}

// Wrap annotates err with the provider and status. Statuses for which Fatal
// holds are marked with pipeline.ErrFatal.
func Wrap(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	wrapped := &Error{Provider: provider, Status: status, Err: err}
	if Fatal(status) {
		return pipeline.Fatal(wrapped)
	}
	return wrapped
}

// WrapOpenAI classifies an error returned by go-openai.
func WrapOpenAI(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return Wrap("openai", apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return Wrap("openai", reqErr.HTTPStatusCode, err)
	}
	return Wrap("openai", 0, err)
}

// WrapAnthropic classifies an error returned by the Anthropic SDK.
func WrapAnthropic(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return Wrap("anthropic", apiErr.StatusCode, err)
	}
	return Wrap("anthropic", 0, err)
}

// WrapGemini classifies an error returned by the genai SDK, whose errors
// only expose the status in their message.
func WrapGemini(err error) error {
	if err == nil {
		return nil
	}
	return Wrap("gemini", statusFromMessage(err.Error()), err)
}

func statusFromMessage(msg string) int {
	msg = strings.ToLower(msg)
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		return http.StatusUnauthorized
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission denied"):
		return http.StatusForbidden
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource exhausted"):
		return http.StatusTooManyRequests
	case strings.Contains(msg, "503"):
		return http.StatusServiceUnavailable
	case strings.Contains(msg, "500"):
		return http.StatusInternalServerError
	}
	return 0
}
