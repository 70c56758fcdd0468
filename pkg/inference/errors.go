package inference

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Sentinel errors for common conditions.
var (
	// ErrNoAPIKey is returned when neither an API key nor ADC is configured.
	ErrNoAPIKey = errors.New("inference: API key required")

	// ErrNoModel is returned when model is missing.
	ErrNoModel = errors.New("inference: model required")

	// ErrEmptyResponse is returned when the model produced no content.
	ErrEmptyResponse = errors.New("inference: empty response")

	// ErrNoFrame is returned when Analyze is called without a frame.
	ErrNoFrame = errors.New("inference: no frame")
)

// Stage identifies where an analysis call failed.
type Stage string

// Failure stages.
const (
	StageRequest   Stage = "request"
	StageTransport Stage = "transport"
	StageStatus    Stage = "status"
	StageDecode    Stage = "decode"
	StageSchema    Stage = "schema"
)

// AnalysisError is the single error type returned by Analyze.
// Callers are not expected to branch on Stage; it exists for logs.
type AnalysisError struct {
	Provider string
	Stage    Stage
	Err      error
}

// Error implements the error interface.
func (e *AnalysisError) Error() string {
	return fmt.Sprintf("inference [%s]: %s: %v", e.Provider, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// wrap builds an AnalysisError.
func wrap(provider string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &AnalysisError{Provider: provider, Stage: stage, Err: err}
}

// StatusCode returns the HTTP status of an API error, or 0.
func StatusCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// IsRetryable reports whether the failure looks transient (429, 5xx or a
// transport error). The analysis loop stays fail-stop regardless; this is
// informational.
func IsRetryable(err error) bool {
	var ae *AnalysisError
	if errors.As(err, &ae) && ae.Stage == StageTransport {
		return true
	}
	code := StatusCode(err)
	return code == http.StatusTooManyRequests || (code >= 500 && code < 600)
}
