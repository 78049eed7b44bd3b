package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions. Validation, NotFound and
// Conflict are resolved locally and returned to the originating party only.
type Kind string

const (
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not_found"
	KindConflict              Kind = "conflict"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindAuthentication        Kind = "authentication"
	KindUnauthorized          Kind = "unauthorized"
)

// Error is a typed coordinator error carrying a stable code for clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code, so sentinels work with errors.Is
// even after being wrapped with a cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of the sentinel with cause attached.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: e.Message, Err: cause}
}

// Sentinels shared across components.
var (
	ErrInvalidPartyID     = &Error{Kind: KindValidation, Code: "invalid_party_id", Message: "party ID must be 1-50 characters, alphanumeric + underscore/hyphen only"}
	ErrInvalidRequestID   = &Error{Kind: KindValidation, Code: "invalid_request_id", Message: "request ID must be 1-64 characters, alphanumeric + underscore/hyphen only"}
	ErrInvalidLanguage    = &Error{Kind: KindValidation, Code: "invalid_language", Message: "language must be a 2-16 character code"}
	ErrInvalidRate        = &Error{Kind: KindValidation, Code: "invalid_rate", Message: "rates must be positive"}
	ErrNoLanguages        = &Error{Kind: KindValidation, Code: "no_languages", Message: "at least one language is required"}
	ErrInvalidEndReason   = &Error{Kind: KindValidation, Code: "invalid_end_reason", Message: "end reason cannot be empty"}
	ErrTutorNotEligible   = &Error{Kind: KindValidation, Code: "tutor_not_eligible", Message: "tutor does not offer this language within the request budget"}
	ErrInvalidPayload     = &Error{Kind: KindValidation, Code: "invalid_payload", Message: "event payload is malformed or incomplete"}
	ErrUnknownEvent       = &Error{Kind: KindValidation, Code: "unknown_event", Message: "event is not recognized"}
	ErrRateLimited        = &Error{Kind: KindValidation, Code: "rate_limited", Message: "too many events, slow down"}
	ErrRequestNotFound    = &Error{Kind: KindNotFound, Code: "request_not_found", Message: "request not found"}
	ErrSessionNotFound    = &Error{Kind: KindNotFound, Code: "session_not_found", Message: "session not found"}
	ErrAlreadyInSession   = &Error{Kind: KindConflict, Code: "already_in_session", Message: "tutor already has an active session"}
	ErrRequestIDInUse     = &Error{Kind: KindConflict, Code: "request_id_in_use", Message: "request ID has already been used"}
	ErrRequestResolved    = &Error{Kind: KindConflict, Code: "request_already_resolved", Message: "request already accepted, cancelled or expired"}
	ErrSessionNotActive   = &Error{Kind: KindConflict, Code: "session_not_active", Message: "session is not active"}
	ErrStorageUnavailable = &Error{Kind: KindDependencyUnavailable, Code: "storage_unavailable", Message: "directory store unavailable"}
	ErrSettlementDown     = &Error{Kind: KindDependencyUnavailable, Code: "settlement_unavailable", Message: "settlement service unavailable"}
	ErrIdentityMismatch   = &Error{Kind: KindAuthentication, Code: "identity_mismatch", Message: "caller identity does not match claimed party"}
	ErrStaleHeartbeat     = &Error{Kind: KindAuthentication, Code: "stale_heartbeat", Message: "heartbeat timestamp outside skew window or replayed"}
	ErrNotParticipant     = &Error{Kind: KindUnauthorized, Code: "not_participant", Message: "party is not a participant of this session"}
	ErrNotRequestOwner    = &Error{Kind: KindUnauthorized, Code: "not_request_owner", Message: "only the submitting student may cancel a request"}
	ErrRoleNotPermitted   = &Error{Kind: KindUnauthorized, Code: "role_not_permitted", Message: "event not permitted for this role"}
)

// KindOf returns the Kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the client-facing code of err, defaulting to "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// IsBenign reports whether err is an expected outcome under concurrency
// (lost race or racing a terminal transition) rather than a fault.
func IsBenign(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindConflict:
		return true
	}
	return false
}
