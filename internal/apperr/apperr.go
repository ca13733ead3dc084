// Package apperr provides the coded error values used throughout the
// kazokunote server. Every expected failure (a bad token, a linking
// validation problem, a uniqueness race) is represented as an *Error
// carrying a stable machine-readable code, so handlers can map failures
// to HTTP responses without inspecting message text.
//
// Codes follow the pattern CATEGORY_XXX. The category determines the
// HTTP status:
//
//	VAL_xxx     - Linking/input validation (422 Unprocessable Entity)
//	AUTH_xxx    - Token verification failures (401 Unauthorized)
//	NF_xxx      - Missing resources (404 Not Found)
//	CONF_xxx    - Uniqueness conflicts (409 Conflict)
//	INT_xxx     - Unexpected internal faults (500 Internal Server Error)
//	UNAVAIL_xxx - Dependency unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Deadline exceeded (504 Gateway Timeout)
//
// Create errors with New/Newf, wrap causes with Wrap/Wrapf, and inspect
// them with AsError/GetCode/HasCode or the category helpers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a stable, machine-readable error code. Codes never change once
// assigned; clients and log queries may depend on them.
type Code string

const (
	// CodeValidation indicates a general validation failure on input to
	// the linking flow or an endpoint payload.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing, e.g.
	// claims without an email reaching the email-match or create tiers.
	CodeValidationRequired Code = "VAL_002"

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthMissingToken indicates no bearer token was presented.
	CodeAuthMissingToken Code = "AUTH_002"

	// CodeAuthMalformedToken indicates the token is not a parseable JWT.
	CodeAuthMalformedToken Code = "AUTH_003"

	// CodeAuthBadSignature indicates the token signature did not verify
	// against the current key material.
	CodeAuthBadSignature Code = "AUTH_004"

	// CodeAuthExpiredToken indicates the token's exp claim is in the past.
	CodeAuthExpiredToken Code = "AUTH_005"

	// CodeAuthTokenNotYetValid indicates the token's nbf claim is in the
	// future.
	CodeAuthTokenNotYetValid Code = "AUTH_006"

	// CodeAuthKeyUnavailable indicates the provider's signing keys could
	// not be obtained (JWKS fetch failed or the kid is unknown).
	CodeAuthKeyUnavailable Code = "AUTH_007"

	// CodeAuthTokenRevoked indicates the token was revoked by sign-out.
	CodeAuthTokenRevoked Code = "AUTH_008"

	// CodeNotFound indicates a general not-found condition.
	CodeNotFound Code = "NF_001"

	// CodeNotFoundUser indicates no local user exists for a verified
	// external subject.
	CodeNotFoundUser Code = "NF_002"

	// CodeConflict indicates a uniqueness conflict that survived the
	// internal single retry of the subject lookup.
	CodeConflict Code = "CONF_001"

	// CodeInternal indicates an unexpected internal fault.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a storage operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates invalid server configuration.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailableDependency indicates a dependency (database, Redis,
	// object store) is unreachable.
	CodeUnavailableDependency Code = "UNAVAIL_001"

	// CodeTimeout indicates an operation exceeded its bounded deadline.
	CodeTimeout Code = "TIMEOUT_001"
)

// Category returns the category prefix of the code, e.g. "AUTH" for
// "AUTH_005". Returns the whole code when it has no underscore.
func (c Code) Category() string {
	if i := strings.IndexByte(string(c), '_'); i >= 0 {
		return string(c)[:i]
	}
	return string(c)
}

// Error is a structured error with a code, a human-readable message, an
// optional cause, and optional structured details (e.g. field-level
// validation reasons). Messages may be shown to end users and must not
// contain token values or other secrets.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, supporting errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error's category to an HTTP status code. Linking
// validation maps to 422 rather than 400: the request is well-formed,
// the entity cannot be processed.
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case "VAL":
		return http.StatusUnprocessableEntity
	case "AUTH":
		return http.StatusUnauthorized
	case "NF":
		return http.StatusNotFound
	case "CONF":
		return http.StatusConflict
	case "UNAVAIL":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// WithDetail returns a copy of the error with one detail key added.
// The receiver is not modified.
func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Code: e.Code, Message: e.Message, Cause: e.Cause, Details: details}
}

// New creates a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err as the cause of a new coded Error. Returns nil when
// err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps err with a formatted message. Returns nil when err is nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// AsError extracts an *Error from err's chain. Returns nil, false when
// no *Error is present.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code carried by err, or "" when err carries none.
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

// IsAuthentication reports whether err is an AUTH_xxx error.
func IsAuthentication(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == "AUTH"
}

// IsValidation reports whether err is a VAL_xxx error.
func IsValidation(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == "VAL"
}

// IsConflict reports whether err is a CONF_xxx error.
func IsConflict(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == "CONF"
}

// IsNotFound reports whether err is an NF_xxx error.
func IsNotFound(err error) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == "NF"
}
