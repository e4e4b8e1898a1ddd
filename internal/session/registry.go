package session

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"geoattend/internal/clock"
	"geoattend/internal/keylock"
	"geoattend/internal/metrics"
	"geoattend/internal/model"
	"geoattend/internal/store"
	"geoattend/internal/verrors"
)

// PayloadPrefix is the first field of every QR payload.
const PayloadPrefix = "SECURE"

var (
	// ErrForbidden is returned when the acting identity may not touch a session.
	ErrForbidden = errors.New("session: not permitted")
	// ErrNoLocation is returned when a session is started without an anchor.
	ErrNoLocation = errors.New("session: instructor location required")
	// ErrNoToken is returned while a session has not yet been issued a token.
	ErrNoToken = errors.New("session: token not issued yet")
)

// Payload renders the scannable QR text for the session's current token.
func Payload(s model.Session) string {
	return fmt.Sprintf("%s:%s:%d:%s", PayloadPrefix, s.ID, s.TokenIssuedAt, s.Token)
}

// Registry owns every session. Starting is serialised per instructor and
// ending/rotating per session, so unrelated instructors never contend.
type Registry struct {
	store   store.Store
	locks   keylock.Locker
	clock   clock.Clock
	log     *zap.Logger
	rotator *Rotator
}

// NewRegistry wires a registry and its token rotator.
func NewRegistry(st store.Store, locks keylock.Locker, clk clock.Clock, log *zap.Logger, rotation time.Duration) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Registry{store: st, locks: locks, clock: clk, log: log}
	r.rotator = newRotator(rotation, clk, r.rotate, log)
	return r
}

// Rotator exposes the token rotator.
func (r *Registry) Rotator() *Rotator { return r.rotator }

// Close stops every rotation loop.
func (r *Registry) Close() { r.rotator.Close() }

// StartSession ends any session the instructor still has open and opens a
// new one anchored at loc. A nil loc aborts: without an anchor the
// geofence cannot be enforced.
func (r *Registry) StartSession(ctx context.Context, actor model.Identity, subject string, loc *model.Location) (model.Session, error) {
	if !actor.CanTeach() {
		return model.Session{}, ErrForbidden
	}
	if loc == nil {
		return model.Session{}, ErrNoLocation
	}
	if subject == "" {
		return model.Session{}, errors.New("session: subject required")
	}

	unlock, err := r.locks.Lock(ctx, keylock.Key("instructor", actor.UserID))
	if err != nil {
		return model.Session{}, errors.Wrap(err, "lock instructor")
	}
	defer unlock()

	now := r.clock.Now().UTC()
	prev, err := r.SessionsFor(ctx, actor.UserID)
	if err != nil {
		return model.Session{}, err
	}
	for _, s := range prev {
		if !s.Active {
			continue
		}
		if err := r.end(ctx, s.ID, now); err != nil {
			return model.Session{}, errors.Wrapf(err, "end previous session %s", s.ID)
		}
		r.log.Info("previous session ended by new start",
			zap.String("session_id", s.ID), zap.String("instructor_id", actor.UserID))
	}

	sess := model.Session{
		ID:           uuid.NewString(),
		InstructorID: actor.UserID,
		Subject:      subject,
		StartTime:    now,
		Active:       true,
		Location:     *loc,
	}
	doc, err := store.Encode(sess)
	if err != nil {
		return model.Session{}, err
	}
	if err := r.store.CreateOrReplace(ctx, store.Sessions, sess.ID, doc); err != nil {
		return model.Session{}, errors.Wrap(err, "create session")
	}
	if err := r.rotator.Start(ctx, sess.ID); err != nil {
		// a session without a token can never be attended
		if derr := r.store.Delete(ctx, store.Sessions, sess.ID); derr != nil {
			r.log.Error("remove session without token",
				zap.String("session_id", sess.ID), zap.Error(derr))
		}
		return model.Session{}, err
	}
	r.log.Info("session started",
		zap.String("session_id", sess.ID),
		zap.String("instructor_id", actor.UserID),
		zap.String("subject", subject))

	return r.mustGet(ctx, sess.ID)
}

// EndSession stops rotation and closes the session. Ending an ended session
// is a no-op.
func (r *Registry) EndSession(ctx context.Context, actor model.Identity, sessionID string) (model.Session, error) {
	sess, err := r.mustGet(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if actor.Role != model.RoleAdmin && actor.UserID != sess.InstructorID {
		return model.Session{}, ErrForbidden
	}
	if err := r.end(ctx, sessionID, r.clock.Now().UTC()); err != nil {
		return model.Session{}, err
	}
	r.log.Info("session ended", zap.String("session_id", sessionID))
	return r.mustGet(ctx, sessionID)
}

// end cancels rotation then flips the session inactive under its lock, so a
// rotation racing the end observes active=false and writes nothing.
func (r *Registry) end(ctx context.Context, sessionID string, at time.Time) error {
	r.rotator.Stop(sessionID)
	return keylock.With(ctx, r.locks, keylock.Key("session", sessionID), func() error {
		sess, err := r.mustGet(ctx, sessionID)
		if err != nil {
			return err
		}
		if !sess.Active {
			return nil
		}
		return r.store.UpdateFields(ctx, store.Sessions, sessionID, store.Doc{
			"active":   false,
			"end_time": at,
		})
	})
}

// rotate publishes a fresh token for an active session.
func (r *Registry) rotate(ctx context.Context, sessionID string) error {
	return keylock.With(ctx, r.locks, keylock.Key("session", sessionID), func() error {
		sess, err := r.mustGet(ctx, sessionID)
		if err != nil {
			return err
		}
		if !sess.Active {
			return errInactive
		}
		token, err := newToken()
		if err != nil {
			return err
		}
		err = r.store.UpdateFields(ctx, store.Sessions, sessionID, store.Doc{
			"token":           token,
			"token_issued_at": clock.NowMillis(r.clock),
		})
		if err != nil {
			return errors.Wrap(err, "publish token")
		}
		metrics.TokenRotations.Inc()
		return nil
	})
}

// Resume restarts rotation for sessions left active by a previous process.
// Sessions that have gone stale are left alone.
func (r *Registry) Resume(ctx context.Context, staleAfter time.Duration) (int, error) {
	docs, err := r.store.QueryEqual(ctx, store.Sessions, "active", true)
	if err != nil {
		return 0, errors.Wrap(err, "list active sessions")
	}
	sessions, err := store.DecodeAll[model.Session](docs)
	if err != nil {
		return 0, err
	}
	now := r.clock.Now()
	n := 0
	for _, s := range sessions {
		if s.Concluded(now, staleAfter) {
			continue
		}
		if err := r.rotator.Start(ctx, s.ID); err != nil {
			r.log.Warn("resume rotation failed", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}

// ActiveSessionFor returns the instructor's open session, or nil.
func (r *Registry) ActiveSessionFor(ctx context.Context, instructorID string) (*model.Session, error) {
	sessions, err := r.SessionsFor(ctx, instructorID)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.Active {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

// GetSession returns the session, or nil when it does not exist.
func (r *Registry) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	doc, err := r.store.Read(ctx, store.Sessions, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	var s model.Session
	if err := store.Decode(doc, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AllSessions returns every session, newest first.
func (r *Registry) AllSessions(ctx context.Context) ([]model.Session, error) {
	docs, err := r.store.All(ctx, store.Sessions)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	return decodeSorted(docs)
}

// SessionsFor returns the instructor's sessions, newest first.
func (r *Registry) SessionsFor(ctx context.Context, instructorID string) ([]model.Session, error) {
	docs, err := r.store.QueryEqual(ctx, store.Sessions, "instructor_id", instructorID)
	if err != nil {
		return nil, errors.Wrap(err, "list instructor sessions")
	}
	return decodeSorted(docs)
}

// CurrentPayload returns the QR text for an active session.
func (r *Registry) CurrentPayload(ctx context.Context, sessionID string) (string, model.Session, error) {
	sess, err := r.mustGet(ctx, sessionID)
	if err != nil {
		return "", model.Session{}, err
	}
	if !sess.Active {
		return "", sess, verrors.New(verrors.KindSession, verrors.ReasonSessionEnded)
	}
	if sess.Token == "" {
		return "", sess, ErrNoToken
	}
	return Payload(sess), sess, nil
}

func (r *Registry) mustGet(ctx context.Context, sessionID string) (model.Session, error) {
	s, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return model.Session{}, err
	}
	if s == nil {
		return model.Session{}, verrors.New(verrors.KindSession, verrors.ReasonSessionNotFound)
	}
	return *s, nil
}

func decodeSorted(docs []store.Doc) ([]model.Session, error) {
	sessions, err := store.DecodeAll[model.Session](docs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartTime.After(sessions[j].StartTime)
	})
	return sessions, nil
}
