package llmservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/sony/gobreaker"
	"google.golang.org/genai"
)

// Kind classifies a failed backend call.
type Kind int

const (
	// Transient failures (5xx, network, open breaker) are retried.
	Transient Kind = iota
	// RateLimited failures (HTTP 429) are retried.
	RateLimited
	// Timeout means the single-call deadline expired. Retried.
	Timeout
	// Invalid failures will not improve by waiting and are not retried.
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "Transient"
	case RateLimited:
		return "RateLimited"
	case Timeout:
		return "Timeout"
	case Invalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	return k != Invalid
}

// ErrEmptyTranslation is returned when the backend answers with no text.
var ErrEmptyTranslation = errors.New("backend returned an empty translation")

// BackendError is a classified backend failure.
type BackendError struct {
	Kind       Kind
	StatusCode int
	// Fatal marks failures that affect every call, such as rejected
	// credentials. They end the whole run, not just one task.
	Fatal bool
	Err   error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Classify maps any error returned by a Client to a BackendError. It returns
// nil for a nil error.
func Classify(err error) *BackendError {
	if err == nil {
		return nil
	}

	var be *BackendError
	if errors.As(err, &be) {
		return be
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &BackendError{Kind: Timeout, Err: err}
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return fromStatus(oaErr.StatusCode, err)
	}

	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return fromGenAI(gErr, err)
	}
	var gErrPtr *genai.APIError
	if errors.As(err, &gErrPtr) && gErrPtr != nil {
		return fromGenAI(*gErrPtr, err)
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &BackendError{Kind: Transient, Err: err}
	}

	if errors.Is(err, ErrEmptyTranslation) {
		return &BackendError{Kind: Invalid, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &BackendError{Kind: Timeout, Err: err}
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr) {
		return &BackendError{Kind: Transient, Err: err}
	}

	return &BackendError{Kind: Transient, Err: err}
}

func fromStatus(code int, err error) *BackendError {
	be := &BackendError{StatusCode: code, Err: err}
	switch {
	case code == http.StatusTooManyRequests:
		be.Kind = RateLimited
	case code == http.StatusRequestTimeout:
		be.Kind = Timeout
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		be.Kind = Invalid
		be.Fatal = true
	case code >= 500 || code == 0:
		be.Kind = Transient
	case code >= 400:
		be.Kind = Invalid
	default:
		be.Kind = Transient
	}
	return be
}

// fromGenAI maps a Gemini API error. Gemini answers a bad key with HTTP 400
// and reason API_KEY_INVALID, so the status code alone is not enough to spot
// rejected credentials.
func fromGenAI(apiErr genai.APIError, err error) *BackendError {
	be := fromStatus(apiErr.Code, err)
	if credentialsRejected(apiErr) {
		be.Kind = Invalid
		be.Fatal = true
	}
	return be
}

func credentialsRejected(apiErr genai.APIError) bool {
	switch apiErr.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return true
	}
	for _, detail := range apiErr.Details {
		if reason, _ := detail["reason"].(string); reason == "API_KEY_INVALID" {
			return true
		}
	}
	return false
}
