// SPDX-FileCopyrightText: 2025 The Scimgate Authors
//
// SPDX-License-Identifier: Apache-2.0

// Package xerrors defines the error taxonomy shared by the gateway core and
// translates provider failures into SCIM error kinds.
package xerrors

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// A Kind classifies an error per the SCIM 2.0 error schema.
type Kind string

// Error kinds.
const (
	KindInvalidSyntax     Kind = "InvalidSyntax"
	KindUniqueness        Kind = "Uniqueness"
	KindMutability        Kind = "Mutability"
	KindInvalidFilter     Kind = "InvalidFilter"
	KindNoTarget          Kind = "NoTarget"
	KindTooMany           Kind = "TooMany"
	KindServerUnavailable Kind = "ServerUnavailable"
	KindResourceNotFound  Kind = "ResourceNotFound"
	KindUnauthorized      Kind = "Unauthorized"
	KindForbidden         Kind = "Forbidden"
	KindRateLimitExceeded Kind = "RateLimitExceeded"
	KindTimeout           Kind = "Timeout"
	KindInternalError     Kind = "InternalError"
	KindUnknown           Kind = "Unknown"
)

// HTTPStatus returns the HTTP status code the surface layer should emit for
// this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidSyntax, KindInvalidFilter, KindMutability, KindNoTarget, KindTooMany:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindResourceNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindUniqueness:
		return http.StatusConflict
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindServerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SCIMType returns the SCIM detail error keyword for this kind, or an empty
// string for kinds that have none.
func (k Kind) SCIMType() string {
	switch k {
	case KindInvalidSyntax:
		return "invalidSyntax"
	case KindUniqueness:
		return "uniqueness"
	case KindMutability:
		return "mutability"
	case KindInvalidFilter:
		return "invalidFilter"
	case KindNoTarget:
		return "noTarget"
	case KindTooMany:
		return "tooMany"
	default:
		return ""
	}
}

// KindForStatus classifies an HTTP status returned by a provider. A missing
// status (zero) is an internal error.
func KindForStatus(status int) Kind {
	switch {
	case status == 0:
		return KindInternalError
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindResourceNotFound
	case status == http.StatusConflict:
		return KindUniqueness
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindRateLimitExceeded
	case status == http.StatusBadRequest:
		return KindInvalidSyntax
	case status == http.StatusServiceUnavailable:
		return KindServerUnavailable
	case status >= 500:
		return KindInternalError
	case status >= 400:
		return KindInvalidSyntax
	default:
		return KindUnknown
	}
}

// RetryableStatus returns true for transport statuses that warrant a retry.
func RetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status == http.StatusServiceUnavailable ||
		status >= 500
}

// An Error is a typed failure raised by a provider adapter or the gateway
// core. It carries enough context for translation, retry decisions, audit
// records, and alerting.
type Error struct {
	// Kind is the SCIM classification of this failure.
	Kind Kind

	// Provider is the human readable provider name, e.g. "salesforce".
	Provider string

	// AdapterID identifies the adapter instance, e.g. "salesforce-prod".
	AdapterID string

	// Operation is the logical operation that failed, e.g. "CreateUser".
	Operation string

	// ResourceType and ResourceID identify the affected resource, if any.
	ResourceType string
	ResourceID   string

	// HTTPStatus is the provider's transport status, if the failure came
	// off the wire. Zero when the failure was local.
	HTTPStatus int

	// ProviderErrorCode is the provider's own error code. It is retained
	// for audit and alerting but never alters classification.
	ProviderErrorCode string

	// Retryable reports whether the operation may be retried.
	Retryable bool

	// RetryAfter is the provider-suggested delay before the next attempt,
	// if it supplied one.
	RetryAfter time.Duration

	// Err is the wrapped cause, if any.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	sb := strings.Builder{}
	sb.WriteString(string(e.Kind))
	if e.Operation != "" {
		sb.WriteString(fmt.Sprintf(": %s", e.Operation))
	}
	if e.AdapterID != "" {
		sb.WriteString(fmt.Sprintf(" on %s", e.AdapterID))
	}
	if e.ResourceType != "" {
		sb.WriteString(fmt.Sprintf(" %s", strings.ToLower(e.ResourceType)))
		if e.ResourceID != "" {
			sb.WriteString(fmt.Sprintf(" %q", e.ResourceID))
		}
	}
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %s", e.Err.Error()))
	}
	return sb.String()
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a typed error of the supplied kind.
func New(kind Kind, operation, msg string) *Error {
	return &Error{Kind: kind, Operation: operation, Err: errors.New(msg)}
}

// Wrap wraps the supplied error with a kind and operation. It returns nil if
// the error is nil.
func Wrap(err error, kind Kind, operation string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Operation: operation, Err: err, Retryable: retryableKind(kind)}
}

// FromStatus builds a typed error from a provider transport failure. The
// kind is derived from the HTTP status; the provider error code is retained
// but does not alter classification.
func FromStatus(err error, status int, provider, adapterID, operation string) *Error {
	return &Error{
		Kind:       KindForStatus(status),
		Provider:   provider,
		AdapterID:  adapterID,
		Operation:  operation,
		HTTPStatus: status,
		Retryable:  RetryableStatus(status),
		Err:        err,
	}
}

func retryableKind(k Kind) bool {
	return k == KindTimeout || k == KindRateLimitExceeded || k == KindServerUnavailable
}

// AsError unwraps err to the first *Error in its chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf unwraps err to its root cause and reports its classification. Nil
// and untyped errors become InternalError, matching the treatment of
// unexpected failure types everywhere in the gateway.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternalError
	}
	if te, ok := AsError(err); ok {
		return te.Kind
	}
	return KindInternalError
}

// IsRetryable reports whether the operation that produced err may be
// retried. Untyped errors are assumed to be local bugs and are not retried.
func IsRetryable(err error) bool {
	if te, ok := AsError(err); ok {
		return te.Retryable
	}
	return false
}

// RetryAfterOf returns the provider-suggested retry delay, or zero.
func RetryAfterOf(err error) time.Duration {
	if te, ok := AsError(err); ok {
		return te.RetryAfter
	}
	return 0
}

// RootCause unwraps err to the innermost error in its chain.
func RootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// SCIMErrorSchema is the URN of the SCIM 2.0 error response schema.
const SCIMErrorSchema = "urn:ietf:params:scim:api:messages:2.0:Error"

// A SCIMError is the wire form of an error per RFC 7644 §3.12.
type SCIMError struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	SCIMType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail"`
}

// ToSCIM translates any error into the SCIM error schema. Untyped errors
// surface as internal errors with their message redacted to a generic
// detail, so provider internals never leak to callers.
func ToSCIM(err error) SCIMError {
	kind := KindOf(err)
	detail := "internal error"
	if te, ok := AsError(err); ok {
		detail = te.Error()
	}
	return SCIMError{
		Schemas:  []string{SCIMErrorSchema},
		Status:   fmt.Sprintf("%d", kind.HTTPStatus()),
		SCIMType: kind.SCIMType(),
		Detail:   detail,
	}
}
