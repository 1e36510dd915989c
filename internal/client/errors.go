package client

import (
	"encoding/json"
	"fmt"
)

// TransportError indicates a network or HTTP layer failure that occurred
// before a response body was available. It is fatal for the attempt and is
// never retried by the client itself.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx response whose body did not match the API's
// structured error shape. It carries the raw body for diagnostics.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Status)
}

// APIError is a non-2xx response carrying the API's structured error payload
// {error, error_description, error_code}. It refines HTTPError and is
// preferred when the payload parses.
type APIError struct {
	Name        string
	Description string
	Code        int

	HTTP *HTTPError
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Description)
}

// apiErrorPayload mirrors the API's error body
type apiErrorPayload struct {
	Name        *string `json:"error"`
	Description string  `json:"error_description"`
	Code        *int    `json:"error_code"`
}

// ParseAPIError builds the most specific error for a non-success response.
// It returns *APIError when the body carries the structured error shape and
// *HTTPError otherwise.
func ParseAPIError(statusCode int, status string, body []byte) error {
	httpErr := &HTTPError{
		StatusCode: statusCode,
		Status:     status,
		Body:       body,
	}

	var payload apiErrorPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return httpErr
	}
	if payload.Name == nil || payload.Code == nil {
		return httpErr
	}

	description := payload.Description
	if description == "" {
		description = "no description"
	}

	return &APIError{
		Name:        *payload.Name,
		Description: description,
		Code:        *payload.Code,
		HTTP:        httpErr,
	}
}
