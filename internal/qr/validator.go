// Package qr validates scanned session payloads and renders them for display.
package qr

import (
	"context"
	"strconv"
	"strings"
	"time"

	"geoattend/internal/clock"
	"geoattend/internal/model"
	"geoattend/internal/session"
	"geoattend/internal/verrors"
)

// DefaultFreshness bounds the age of a payload's issue timestamp.
const DefaultFreshness = 20 * time.Second

// SessionSource looks sessions up by id. *session.Registry satisfies it.
type SessionSource interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// Result is the outcome of validating a payload.
type Result struct {
	Valid     bool   `json:"valid"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Validator checks payloads against the stored session state.
type Validator struct {
	sessions  SessionSource
	clock     clock.Clock
	freshness time.Duration
}

// NewValidator returns a Validator. A non-positive freshness uses the default.
func NewValidator(sessions SessionSource, clk clock.Clock, freshness time.Duration) *Validator {
	if clk == nil {
		clk = clock.Real()
	}
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Validator{sessions: sessions, clock: clk, freshness: freshness}
}

// Validate decides whether payload names the current, fresh token of an
// active session. A token mismatch and an expired timestamp are checked
// separately: a current token still ages out, and a fresh timestamp does not
// rescue a stale token.
func (v *Validator) Validate(ctx context.Context, payload string) (Result, error) {
	fields := strings.Split(payload, ":")
	if len(fields) != 4 || fields[0] != session.PayloadPrefix {
		return fail(verrors.New(verrors.KindFormat, verrors.ReasonBadFormat))
	}
	issuedAt, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return fail(verrors.Wrap(verrors.KindFormat, verrors.ReasonBadFormat, err))
	}
	sessionID, token := fields[1], fields[3]

	sess, err := v.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	if sess == nil {
		return fail(verrors.New(verrors.KindSession, verrors.ReasonSessionNotFound))
	}
	if !sess.Active {
		return fail(verrors.New(verrors.KindSession, verrors.ReasonSessionEnded))
	}
	if sess.Token != token {
		return fail(verrors.New(verrors.KindToken, verrors.ReasonTokenMismatch))
	}
	if clock.NowMillis(v.clock)-issuedAt > v.freshness.Milliseconds() {
		return fail(verrors.New(verrors.KindToken, verrors.ReasonExpired))
	}
	return Result{Valid: true, SessionID: sessionID}, nil
}

func fail(err *verrors.Error) (Result, error) {
	return Result{Reason: err.Reason}, err
}
