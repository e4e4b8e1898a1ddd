// Package verrors holds the verification failure taxonomy. Every failure
// carries a Kind for programmatic handling and a Reason for the user.
package verrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a verification failure.
type Kind string

const (
	KindFormat    Kind = "format"
	KindSession   Kind = "session"
	KindToken     Kind = "token"
	KindBiometric Kind = "biometric"
	KindLocation  Kind = "location"
	KindDuplicate Kind = "duplicate"
	KindTimeout   Kind = "timeout"
)

// Reasons used across the engine.
const (
	ReasonBadFormat       = "bad format"
	ReasonSessionNotFound = "session not found"
	ReasonSessionEnded    = "session ended"
	ReasonTokenMismatch   = "token mismatch"
	ReasonExpired         = "expired"
	ReasonNoReference     = "no reference image on file"
	ReasonBadReference    = "reference image on file is unreadable"
	ReasonNoFrame         = "no face frame captured"
	ReasonFaceMismatch    = "face does not match reference"
	ReasonOutsideGeofence = "outside geofence"
	ReasonAlreadyMarked   = "attendance already marked"
	ReasonScanTimeout     = "scan timed out"
)

// Error is a classified verification failure.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, verrors.Token)
// works against the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels for errors.Is checks by kind.
var (
	Format    = &Error{Kind: KindFormat}
	Session   = &Error{Kind: KindSession}
	Token     = &Error{Kind: KindToken}
	Biometric = &Error{Kind: KindBiometric}
	Location  = &Error{Kind: KindLocation}
	Duplicate = &Error{Kind: KindDuplicate}
	Timeout   = &Error{Kind: KindTimeout}
)

// New builds a classified error.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf returns the human-readable reason, falling back to err.Error().
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return err.Error()
}

// Silent reports whether err is a non-match the scanner should skip over.
func Silent(err error) bool {
	k := KindOf(err)
	return k == KindFormat || k == KindToken
}
