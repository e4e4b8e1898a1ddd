// Package attendance commits verified attendance and projects history.
package attendance

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"geoattend/internal/clock"
	"geoattend/internal/keylock"
	"geoattend/internal/metrics"
	"geoattend/internal/model"
	"geoattend/internal/store"
)

// DefaultStaleAfter is how long after its start an unended session still
// counts as running.
const DefaultStaleAfter = 90 * time.Minute

// ErrNotPresent rejects attempts to persist anything but a present record.
var ErrNotPresent = errors.New("attendance: only present records are committed")

// RecordID is the deterministic id of the present record for a pair, so a
// second commit for the same pair always lands on the same key.
func RecordID(sessionID, studentID string) string {
	return sessionID + "_" + studentID
}

// Ledger commits attendance at most once per (session, student) pair.
type Ledger struct {
	repo       *Repository
	locks      keylock.Locker
	clock      clock.Clock
	staleAfter time.Duration
	log        *zap.Logger
}

// NewLedger creates a ledger backed by a repository.
func NewLedger(repo *Repository, locks keylock.Locker, clk clock.Clock, staleAfter time.Duration, log *zap.Logger) *Ledger {
	if clk == nil {
		clk = clock.Real()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{repo: repo, locks: locks, clock: clk, staleAfter: staleAfter, log: log}
}

// Repository exposes the underlying repository.
func (l *Ledger) Repository() *Repository { return l.repo }

// Commit persists rec unless the student is already marked for the session.
// It returns false, without touching state, for the duplicate case.
func (l *Ledger) Commit(ctx context.Context, rec model.AttendanceRecord) (bool, error) {
	if rec.SessionID == "" || rec.StudentID == "" {
		return false, errors.New("attendance: session and student required")
	}
	if rec.Status == "" {
		rec.Status = model.StatusPresent
	}
	if rec.Status != model.StatusPresent {
		return false, ErrNotPresent
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock.Now().UTC()
	}
	rec.ID = RecordID(rec.SessionID, rec.StudentID)

	created := false
	err := keylock.With(ctx, l.locks, keylock.Key("attendance", rec.SessionID, rec.StudentID), func() error {
		existing, err := l.repo.GetRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}
		if err := l.repo.InsertRecord(ctx, rec); err != nil {
			return err
		}
		created = true
		return nil
	})
	switch {
	case err != nil:
		metrics.LedgerCommits.WithLabelValues("error").Inc()
		return false, err
	case created:
		metrics.LedgerCommits.WithLabelValues("created").Inc()
		l.log.Info("attendance committed",
			zap.String("session_id", rec.SessionID),
			zap.String("student_id", rec.StudentID),
			zap.Bool("face_verified", rec.FaceVerified),
			zap.Bool("location_verified", rec.LocationVerified))
	default:
		metrics.LedgerCommits.WithLabelValues("duplicate").Inc()
		l.log.Debug("attendance already marked",
			zap.String("session_id", rec.SessionID), zap.String("student_id", rec.StudentID))
	}
	return created, nil
}

// Has reports whether the student is marked present for the session.
func (l *Ledger) Has(ctx context.Context, sessionID, studentID string) (bool, error) {
	rec, err := l.repo.GetRecord(ctx, RecordID(sessionID, studentID))
	return rec != nil, err
}

// ForSession returns the session's records, newest first.
func (l *Ledger) ForSession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	recs, err := l.repo.RecordsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(recs)
	return recs, nil
}

// ForStudent returns the student's persisted records, newest first.
func (l *Ledger) ForStudent(ctx context.Context, studentID string) ([]model.AttendanceRecord, error) {
	recs, err := l.repo.RecordsByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(recs)
	return recs, nil
}

// HistoryFor returns the student's present records together with absences
// derived for relevant concluded sessions they missed.
func (l *Ledger) HistoryFor(ctx context.Context, studentID string) ([]model.AttendanceRecord, error) {
	user, err := l.repo.GetUser(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, errors.Wrapf(store.ErrNotFound, "student %s", studentID)
	}
	sessions, err := l.repo.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	records, err := l.repo.RecordsByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	curriculum, err := l.repo.Curriculum(ctx)
	if err != nil {
		return nil, err
	}
	return History(*user, sessions, records, curriculum, l.clock.Now(), l.staleAfter), nil
}
