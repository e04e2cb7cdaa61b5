package branchpad

import (
	"errors"
	"fmt"
	"net/http"
)

// Rejection codes. These travel to clients in reject messages and error
// responses; they are part of the protocol, not free-form text.
const (
	CodeUnauthorized   = "unauthorized"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeInvalidPayload = "invalid_payload"
)

// RejectionError is a mutation or request refused by policy rather than
// failed by infrastructure. Rejections are answered synchronously and are
// never logged as server errors.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps err into a RejectionError if it is one.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// statusForCode maps rejection codes to HTTP statuses for the REST surface.
func statusForCode(code string) int {
	switch code {
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeInvalidPayload:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
