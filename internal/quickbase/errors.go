package quickbase

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrCredentialsMissing is returned by NewClient when the realm or the
	// user token is empty.
	ErrCredentialsMissing = errors.New("quickbase: realm and user token are required")

	// ErrPreconditionNotMet is returned by a RecordsQuery that was not
	// produced by TableQuery.Load.
	ErrPreconditionNotMet = errors.New("quickbase: field mapping not loaded")

	// ErrUnknownField is wrapped by UnknownFieldError.
	ErrUnknownField = errors.New("quickbase: unknown field id")

	// ErrMalformedResponse is returned when a response body is empty or is
	// not valid JSON.
	ErrMalformedResponse = errors.New("quickbase: malformed response")

	// ErrTransport marks failures where no HTTP response was received.
	ErrTransport = errors.New("quickbase: no response from service")

	// ErrUploadTransport is returned when a batch upload failed without a
	// response and at least one row of the per-row fallback also failed.
	ErrUploadTransport = errors.New("quickbase: upload failed without a response")
)

// UnknownFieldError reports a row cell whose field id is absent from the
// loaded field mapping.
type UnknownFieldError struct {
	FieldID string
}

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("quickbase: unknown field id %q", e.FieldID)
}

func (e *UnknownFieldError) Unwrap() error { return ErrUnknownField }

// APIError is an HTTP error status returned by the service for a read.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("quickbase: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("quickbase: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, truncateBody([]byte(e.Body)))
}

// UploadRejectedError is returned when the records endpoint answers with an
// HTTP error status. Rejected uploads are never retried.
type UploadRejectedError struct {
	TableID    string
	StatusCode int
	Body       string
}

func (e *UploadRejectedError) Error() string {
	return fmt.Sprintf("quickbase: upload to table %s rejected with %d: %s", e.TableID, e.StatusCode, truncateBody([]byte(e.Body)))
}

// errorBody is the shape of a Quickbase error response.
type errorBody struct {
	Message     string `json:"message"`
	Description string `json:"description"`
}

func newAPIError(method, path string, resp *Response) *APIError {
	apiErr := &APIError{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Body:       string(resp.Body),
	}
	var eb errorBody
	if json.Unmarshal(resp.Body, &eb) == nil && eb.Message != "" {
		apiErr.Message = eb.Message
		if eb.Description != "" {
			apiErr.Message += ": " + eb.Description
		}
	}
	return apiErr
}

// truncateBody returns the first 500 bytes of a response body for logging.
func truncateBody(body []byte) string {
	if len(body) > 500 {
		return string(body[:500]) + "..."
	}
	return string(body)
}
