package api

import "net/http"

// RequestError pairs an HTTP status with the message the client should see.
// It satisfies error so middleware and handlers can pass one through
// error-shaped plumbing without losing the status.
type RequestError struct {
	Status  int
	Message string
}

func (e RequestError) Error() string {
	return e.Message
}

// ValidationError describes a request the client can fix and resend.
func ValidationError(message string) RequestError {
	return RequestError{Status: http.StatusBadRequest, Message: message}
}

// NotFoundError describes a reference to a resource that does not exist.
func NotFoundError(message string) RequestError {
	return RequestError{Status: http.StatusNotFound, Message: message}
}

// ServiceUnavailableError describes a dependency that is down or not wired.
func ServiceUnavailableError(message string) RequestError {
	return RequestError{Status: http.StatusServiceUnavailable, Message: message}
}

// WriteRequestError renders a RequestError as the standard JSON error shape.
func WriteRequestError(w http.ResponseWriter, err RequestError) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeError(w, status, err)
}
