// pkg/tool/lti/errors.go
package lti

import (
	"errors"
	"strings"
)

// ErrorKind classifies launch, login and token failures.
type ErrorKind int

const (
	MissingField ErrorKind = iota + 1
	InvalidFieldValue
	UnknownIssuer
	StateMismatch
	KeyResolutionFailed
	SignatureInvalid
	ReplayedNonce
	Expired
	NotYetIssuable
	AudienceMismatch
	RoleInvalid
	ContextInvalid
	ScoreSetupInvalid
	PlatformError
	MalformedToken
)

var kindNames = map[ErrorKind]string{
	MissingField:        "missing_field",
	InvalidFieldValue:   "invalid_field_value",
	UnknownIssuer:       "unknown_issuer",
	StateMismatch:       "state_mismatch",
	KeyResolutionFailed: "key_resolution_failed",
	SignatureInvalid:    "signature_invalid",
	ReplayedNonce:       "replayed_nonce",
	Expired:             "expired",
	NotYetIssuable:      "not_yet_issuable",
	AudienceMismatch:    "audience_mismatch",
	RoleInvalid:         "role_invalid",
	ContextInvalid:      "context_invalid",
	ScoreSetupInvalid:   "score_setup_invalid",
	PlatformError:       "platform_error",
	MalformedToken:      "malformed_token",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is a single classified failure. Msg is the stable, human-readable
// text reported to the Platform.
type Error struct {
	Kind  ErrorKind
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind; a target with a Field also
// requires the field to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Field == "" || t.Field == e.Field)
}

// Sentinels for errors.Is.
var (
	ErrMissingField        = &Error{Kind: MissingField}
	ErrInvalidFieldValue   = &Error{Kind: InvalidFieldValue}
	ErrUnknownIssuer       = &Error{Kind: UnknownIssuer}
	ErrStateMismatch       = &Error{Kind: StateMismatch}
	ErrKeyResolutionFailed = &Error{Kind: KeyResolutionFailed}
	ErrSignatureInvalid    = &Error{Kind: SignatureInvalid}
	ErrReplayedNonce       = &Error{Kind: ReplayedNonce}
	ErrExpired             = &Error{Kind: Expired}
	ErrNotYetIssuable      = &Error{Kind: NotYetIssuable}
	ErrAudienceMismatch    = &Error{Kind: AudienceMismatch}
	ErrRoleInvalid         = &Error{Kind: RoleInvalid}
	ErrContextInvalid      = &Error{Kind: ContextInvalid}
	ErrScoreSetupInvalid   = &Error{Kind: ScoreSetupInvalid}
	ErrPlatformError       = &Error{Kind: PlatformError}
	ErrMalformedToken      = &Error{Kind: MalformedToken}
)

var (
	ErrNoSession         = errors.New("lti: no login session")
	ErrSessionNotFound   = errors.New("lti: session not found")
	ErrKeyNotFound       = errors.New("lti: key not found in key set")
	ErrKeyFetchFailed    = errors.New("lti: key set fetch failed")
	ErrScoreNotPermitted = errors.New("lti: launch does not permit score posting")
)

func missing(field, msg string) *Error {
	return &Error{Kind: MissingField, Field: field, Msg: msg}
}

func invalid(kind ErrorKind, field, msg string) *Error {
	return &Error{Kind: kind, Field: field, Msg: msg}
}

// ValidationError carries every violation found while checking a request.
type ValidationError struct {
	Violations []*Error
}

func (v *ValidationError) Error() string {
	return strings.Join(v.Messages(), "; ")
}

// Messages returns the violation texts in the order they were found.
func (v *ValidationError) Messages() []string {
	out := make([]string, 0, len(v.Violations))
	for _, e := range v.Violations {
		out = append(out, e.Msg)
	}
	return out
}

func (v *ValidationError) Unwrap() []error {
	out := make([]error, 0, len(v.Violations))
	for _, e := range v.Violations {
		out = append(out, e)
	}
	return out
}

// Messages flattens err into the list of texts reported to a Platform.
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Messages()
	}
	return []string{err.Error()}
}
