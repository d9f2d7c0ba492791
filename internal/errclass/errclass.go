// Package errclass implements the gateway's error classifier (spec §4.6):
// it normalizes every failure — validation, auth, quota, upstream, internal
// — into a small user-visible taxonomy, reusing the teacher's pkg/apierr
// envelope and HTTP-status mapping rather than inventing a parallel one.
package errclass

import "errors"

// Kind is the closed taxonomy from spec §4.6/§7.
type Kind string

const (
	KindValidation      Kind = "proxy_validation_error"
	KindAccountDisabled Kind = "organization_account_disabled"
	KindQuotaExceeded   Kind = "proxy_quota_exceeded"
	KindInternal        Kind = "proxy_internal_error"
	KindNoKeyAvailable  Kind = "no_available_key"
	KindUpstreamError   Kind = "upstream_error"
	KindUpstreamTimeout Kind = "upstream_timeout"
)

// HTTPStatus maps a Kind to the status code the gateway returns to clients.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return 400
	case KindAccountDisabled:
		return 403
	case KindQuotaExceeded:
		return 429
	case KindNoKeyAvailable:
		return 503
	case KindUpstreamTimeout:
		return 504
	case KindUpstreamError:
		return 502
	default:
		return 500
	}
}

// Error is a classified failure. Wrap is idempotent: wrapping an
// already-*Error is a no-op that returns the same value.
type Error struct {
	Kind    Kind
	Message string
	Issues  []string // validation issues, when Kind == KindValidation
	cause   error
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.cause }

// HTTPStatusCode and ErrorKind satisfy pkg/apierr.Classified, so the HTTP
// layer can write a classified error without importing this package's types
// directly.
func (e *Error) HTTPStatusCode() int { return e.Kind.HTTPStatus() }
func (e *Error) ErrorKind() string   { return string(e.Kind) }

// New constructs a classified Error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an arbitrary error. If err is already a *Error, it is
// returned unchanged (idempotence). Otherwise it is wrapped as
// proxy_internal_error.
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: KindInternal, Message: err.Error(), cause: err}
}

// Validation constructs a 400 with the given schema issues.
func Validation(issues ...string) *Error {
	return &Error{Kind: KindValidation, Message: "request validation failed", Issues: issues}
}

// AccountDisabled constructs the spoofed 403 organization-disabled error
// used for origin filtering, per spec §4.6.
func AccountDisabled(message string) *Error {
	return &Error{Kind: KindAccountDisabled, Message: message}
}

// QuotaExceeded constructs a 429 carrying the quota/used/requested triple.
type QuotaDetail struct {
	Quota     int64
	Used      int64
	Requested int64
}

func QuotaExceeded(d QuotaDetail) *Error {
	return &Error{Kind: KindQuotaExceeded, Message: "quota exceeded", cause: quotaDetailErr{d}}
}

type quotaDetailErr struct{ QuotaDetail }

func (e quotaDetailErr) Error() string { return "quota detail" }

// Detail extracts the QuotaDetail from a QuotaExceeded error, if present.
func (e *Error) Detail() (QuotaDetail, bool) {
	var qd quotaDetailErr
	if errors.As(e.cause, &qd) {
		return qd.QuotaDetail, true
	}
	return QuotaDetail{}, false
}

// NoKeyAvailable constructs the 503 "no available key" error.
func NoKeyAvailable() *Error {
	return &Error{Kind: KindNoKeyAvailable, Message: "No available key"}
}

// Upstream constructs an upstream-error classification, distinguishing
// timeouts (504) from other non-2xx forwarding (502).
func Upstream(timeout bool, message string) *Error {
	if timeout {
		return &Error{Kind: KindUpstreamTimeout, Message: message}
	}
	return &Error{Kind: KindUpstreamError, Message: message}
}

// Internal constructs a 500. stack is attached only by the caller when
// running in non-production mode (spec §7: "stack stripped in production
// mode"); this package never decides that policy.
func Internal(message string) *Error {
	return &Error{Kind: KindInternal, Message: message}
}
