// Package fabric defines the error taxonomy shared by every component of the
// access and execution fabric. Callers classify failures with KindOf and
// react to the kind, not the message; messages are short reason strings safe
// to show to API clients, details belong in the audit trail.
package fabric

import (
	"errors"
	"fmt"
)

// Kind classifies a fabric failure.
type Kind int

const (
	// KindUnknown is the zero value; errors without a fabric kind map here.
	KindUnknown Kind = iota
	// KindInvalidInput marks a malformed request or path. No side effects.
	KindInvalidInput
	// KindInvalidTenant marks a tenant identifier the sanitizer rejected.
	KindInvalidTenant
	// KindInvalidToken marks a signature, expiry, or structure failure.
	KindInvalidToken
	// KindCrossTenant marks a token whose tenant differs from the resource's.
	KindCrossTenant
	// KindPermissionDenied marks an access-controller denial.
	KindPermissionDenied
	// KindNotFound marks a missing resource, automation, or key.
	KindNotFound
	// KindRateLimited marks a sliding-window rejection.
	KindRateLimited
	// KindQuotaExceeded marks a daily or monthly cap rejection.
	KindQuotaExceeded
	// KindChainDepthExceeded marks an automation chain that went too deep.
	KindChainDepthExceeded
	// KindTimeout marks a wall-clock deadline hit.
	KindTimeout
	// KindSandboxViolation marks a pre-flight sandbox policy rejection.
	KindSandboxViolation
	// KindUpstreamFailure marks a failed external call.
	KindUpstreamFailure
	// KindIntegrityError marks an unparseable persisted record. Read paths
	// skip these; they never propagate past the store.
	KindIntegrityError
)

// String returns the lower-snake-case name used in logs and audit records.
func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindInvalidTenant:
		return "invalid_tenant"
	case KindInvalidToken:
		return "invalid_token"
	case KindCrossTenant:
		return "cross_tenant"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindChainDepthExceeded:
		return "chain_depth_exceeded"
	case KindTimeout:
		return "timeout"
	case KindSandboxViolation:
		return "sandbox_violation"
	case KindUpstreamFailure:
		return "upstream_failure"
	case KindIntegrityError:
		return "integrity_error"
	default:
		return "unknown"
	}
}

// Error is a classified fabric failure. Op names the failing operation in
// package.Method form, Reason is the short user-visible string, Err is the
// wrapped cause when one exists.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works for
// sentinel comparisons built with Sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// E builds a classified error. args may contain a reason string and/or a
// wrapped error, in any order; the last of each wins.
func E(kind Kind, op string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op}
	for _, a := range args {
		switch v := a.(type) {
		case string:
			e.Reason = v
		case error:
			e.Err = v
		}
	}
	return e
}

// Errorf builds a classified error with a formatted reason.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Sentinel returns a comparison target for errors.Is against a kind.
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// KindOf extracts the fabric kind from err, or KindUnknown when err carries
// none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Reason extracts the user-visible reason from err, falling back to the
// error text for unclassified errors.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Reason != "" {
		return e.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
