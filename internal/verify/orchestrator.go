// Package verify sequences one student's attendance verification: scan the
// session code, check the face, check the location, commit.
package verify

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"geoattend/internal/clock"
	"geoattend/internal/face"
	"geoattend/internal/geo"
	"geoattend/internal/metrics"
	"geoattend/internal/model"
	"geoattend/internal/qr"
	"geoattend/internal/queue"
	"geoattend/internal/verrors"
)

// Default phase timeouts.
const (
	DefaultScanTimeout     = 45 * time.Second
	DefaultLocationTimeout = 15 * time.Second
)

// State is a step of the verification flow.
type State string

const (
	StateIdle          State = "idle"
	StateScanning      State = "scanning"
	StateCapturingFace State = "capturing_face"
	StateLocating      State = "locating"
	StateCommitting    State = "committing"
	StateVerified      State = "verified"
	StateFailed        State = "failed"
)

// Scanner yields decoded QR payloads. It returns io.EOF when it has nothing
// more to offer.
type Scanner interface {
	Next(ctx context.Context) (string, error)
}

// FrameSource captures a face frame. A nil frame means nothing was captured.
type FrameSource interface {
	CaptureFrame(ctx context.Context) ([]byte, error)
}

// LocationProvider returns a fresh position fix.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (model.Location, error)
}

// Sources are the device inputs for one flow.
type Sources struct {
	Scanner  Scanner
	Frames   FrameSource
	Location LocationProvider
}

// Validator checks a scanned payload.
type Validator interface {
	Validate(ctx context.Context, payload string) (qr.Result, error)
}

// Sessions looks up sessions.
type Sessions interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// Users looks up users.
type Users interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
}

// Ledger commits attendance.
type Ledger interface {
	Has(ctx context.Context, sessionID, studentID string) (bool, error)
	Commit(ctx context.Context, rec model.AttendanceRecord) (bool, error)
}

// ReferenceLoader resolves a stored reference image.
type ReferenceLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Outcome reports how a flow ended.
type Outcome struct {
	State          State                   `json:"state"`
	Trace          []State                 `json:"trace"`
	SessionID      string                  `json:"session_id,omitempty"`
	Kind           verrors.Kind            `json:"kind,omitempty"`
	Reason         string                  `json:"reason,omitempty"`
	FaceScore      *float64                `json:"face_score,omitempty"`
	DistanceMeters *float64                `json:"distance_meters,omitempty"`
	LocationWaived bool                    `json:"location_waived,omitempty"`
	Record         *model.AttendanceRecord `json:"record,omitempty"`
}

// Options tunes an Orchestrator.
type Options struct {
	ScanTimeout     time.Duration
	LocationTimeout time.Duration
}

// Orchestrator runs verification flows. It holds no per-flow state and is
// safe for concurrent use across students.
type Orchestrator struct {
	validator Validator
	sessions  Sessions
	users     Users
	ledger    Ledger
	refs      ReferenceLoader
	scorer    *face.Scorer
	geofence  *geo.Verifier
	events    Publisher
	clock     clock.Clock
	log       *zap.Logger
	opts      Options
}

// Deps bundles the collaborators of an Orchestrator. Events may be nil.
type Deps struct {
	Validator Validator
	Sessions  Sessions
	Users     Users
	Ledger    Ledger
	Refs      ReferenceLoader
	Scorer    *face.Scorer
	Geofence  *geo.Verifier
	Events    Publisher
	Clock     clock.Clock
	Log       *zap.Logger
}

// New builds an Orchestrator.
func New(d Deps, opts Options) *Orchestrator {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.LocationTimeout <= 0 {
		opts.LocationTimeout = DefaultLocationTimeout
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Scorer == nil {
		d.Scorer = face.NewScorer(-1)
	}
	if d.Geofence == nil {
		d.Geofence = geo.NewVerifier(0)
	}
	return &Orchestrator{
		validator: d.Validator,
		sessions:  d.Sessions,
		users:     d.Users,
		ledger:    d.Ledger,
		refs:      d.Refs,
		scorer:    d.Scorer,
		geofence:  d.Geofence,
		events:    d.Events,
		clock:     d.Clock,
		log:       d.Log,
		opts:      opts,
	}
}

// flow is the mutable state of one run.
type flow struct {
	out     Outcome
	student model.User
	session model.Session
}

func (f *flow) enter(s State) {
	f.out.State = s
	f.out.Trace = append(f.out.Trace, s)
}

// Verify runs the whole flow for actor. Any failure leaves sessions and the
// ledger untouched. The returned error is a *verrors.Error for verification
// failures and a plain error for infrastructure faults; the Outcome is
// populated either way.
func (o *Orchestrator) Verify(ctx context.Context, actor model.Identity, src Sources) (Outcome, error) {
	f := &flow{}
	f.enter(StateIdle)

	err := o.run(ctx, actor, src, f)
	if err != nil {
		f.enter(StateFailed)
		f.out.Kind = verrors.KindOf(err)
		f.out.Reason = verrors.ReasonOf(err)
		outcome := string(f.out.Kind)
		if outcome == "" {
			outcome = "error"
		}
		metrics.Verifications.WithLabelValues(outcome).Inc()
		o.log.Info("verification failed",
			zap.String("student_id", actor.UserID),
			zap.String("session_id", f.out.SessionID),
			zap.String("kind", outcome),
			zap.String("reason", f.out.Reason))
		return f.out, err
	}

	f.enter(StateVerified)
	metrics.Verifications.WithLabelValues("verified").Inc()
	return f.out, nil
}

func (o *Orchestrator) run(ctx context.Context, actor model.Identity, src Sources, f *flow) error {
	if actor.UserID == "" {
		return errors.New("verify: acting identity required")
	}
	user, err := o.users.GetUser(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if user == nil {
		return errors.Errorf("verify: unknown user %s", actor.UserID)
	}
	f.student = *user

	f.enter(StateScanning)
	sessionID, err := o.scan(ctx, src.Scanner)
	if err != nil {
		return err
	}
	f.out.SessionID = sessionID
	sess, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return verrors.New(verrors.KindSession, verrors.ReasonSessionNotFound)
	}
	f.session = *sess

	marked, err := o.ledger.Has(ctx, sessionID, actor.UserID)
	if err != nil {
		return err
	}
	if marked {
		return verrors.New(verrors.KindDuplicate, verrors.ReasonAlreadyMarked)
	}

	f.enter(StateCapturingFace)
	if err := o.checkFace(ctx, src.Frames, f); err != nil {
		return err
	}

	f.enter(StateLocating)
	if err := o.checkLocation(ctx, src.Location, f); err != nil {
		return err
	}

	f.enter(StateCommitting)
	rec := model.AttendanceRecord{
		SessionID:        sessionID,
		StudentID:        f.student.ID,
		StudentName:      f.student.Name,
		RollNumber:       f.student.RollNumber,
		Subject:          f.session.Subject,
		Timestamp:        o.clock.Now().UTC(),
		Status:           model.StatusPresent,
		FaceVerified:     true,
		LocationVerified: true,
	}
	created, err := o.ledger.Commit(ctx, rec)
	if err != nil {
		return err
	}
	if !created {
		return verrors.New(verrors.KindDuplicate, verrors.ReasonAlreadyMarked)
	}
	f.out.Record = &rec
	o.publish(ctx, rec)
	return nil
}

// scan pulls payloads until one validates. Format and token failures are
// skipped; session failures end the flow.
func (o *Orchestrator) scan(ctx context.Context, sc Scanner) (string, error) {
	if sc == nil {
		return "", verrors.New(verrors.KindFormat, verrors.ReasonBadFormat)
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.ScanTimeout)
	defer cancel()

	var last error
	for {
		payload, err := sc.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			if last == nil {
				last = verrors.New(verrors.KindFormat, verrors.ReasonBadFormat)
			}
			return "", last
		case err != nil:
			if ctx.Err() != nil {
				return "", scanTimeout(ctx)
			}
			return "", errors.Wrap(err, "scan")
		}

		res, err := o.validator.Validate(ctx, payload)
		if err == nil {
			return res.SessionID, nil
		}
		if !verrors.Silent(err) {
			if ctx.Err() != nil {
				return "", scanTimeout(ctx)
			}
			return "", err
		}
		last = err
		if ctx.Err() != nil {
			return "", scanTimeout(ctx)
		}
	}
}

func scanTimeout(ctx context.Context) error {
	return verrors.Wrap(verrors.KindTimeout, verrors.ReasonScanTimeout, ctx.Err())
}

func (o *Orchestrator) checkFace(ctx context.Context, frames FrameSource, f *flow) error {
	if f.student.ReferenceImage == "" {
		return verrors.New(verrors.KindBiometric, verrors.ReasonNoReference)
	}
	ref, err := o.refs.Load(ctx, f.student.ReferenceImage)
	if err != nil {
		return verrors.Wrap(verrors.KindBiometric, verrors.ReasonNoReference, err)
	}
	if frames == nil {
		return verrors.New(verrors.KindBiometric, verrors.ReasonNoFrame)
	}
	probe, err := frames.CaptureFrame(ctx)
	if err != nil {
		return verrors.Wrap(verrors.KindBiometric, verrors.ReasonNoFrame, err)
	}
	if len(probe) == 0 {
		return verrors.New(verrors.KindBiometric, verrors.ReasonNoFrame)
	}

	refImg, err := face.Decode(ref)
	if err != nil {
		o.log.Warn("reference image does not decode",
			zap.String("student_id", f.student.ID), zap.Error(err))
		return verrors.Wrap(verrors.KindBiometric, verrors.ReasonBadReference, err)
	}
	probeImg, err := face.Decode(probe)
	if err != nil {
		return verrors.Wrap(verrors.KindBiometric, verrors.ReasonNoFrame, err)
	}

	res := o.scorer.CompareImages(refImg, probeImg)
	metrics.FaceScores.Observe(res.Score)
	score := res.Score
	f.out.FaceScore = &score
	if !res.Match {
		return verrors.New(verrors.KindBiometric, verrors.ReasonFaceMismatch)
	}
	return nil
}

func (o *Orchestrator) checkLocation(ctx context.Context, provider LocationProvider, f *flow) error {
	anchor := f.session.Location
	if geo.Degenerate(anchor) {
		f.out.LocationWaived = o.geofence.Waive().Waived
		o.log.Warn("geofence waived for degenerate anchor", zap.String("session_id", f.session.ID))
		return nil
	}
	if provider == nil {
		return verrors.New(verrors.KindLocation, ReasonLocationUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.LocationTimeout)
	defer cancel()
	current, err := provider.CurrentLocation(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return verrors.Wrap(verrors.KindLocation, ReasonLocationTimeout, err)
		}
		return verrors.Wrap(verrors.KindLocation, ReasonLocationUnavailable, err)
	}

	check := o.geofence.Evaluate(current, anchor)
	metrics.GeoDistances.Observe(check.Distance)
	d := check.Distance
	f.out.DistanceMeters = &d
	if !check.Within {
		return verrors.New(verrors.KindLocation, verrors.ReasonOutsideGeofence)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, rec model.AttendanceRecord) {
	if o.events == nil {
		return
	}
	msg, err := queue.NewMessage(queue.TypeAttendanceCommitted, queue.Committed{
		SessionID: rec.SessionID,
		StudentID: rec.StudentID,
		Subject:   rec.Subject,
		At:        rec.Timestamp,
	})
	if err == nil {
		err = o.events.Publish(ctx, msg)
	}
	if err != nil {
		o.log.Warn("publish commit event failed", zap.String("session_id", rec.SessionID), zap.Error(err))
	}
}

// Location failure reasons.
const (
	ReasonLocationUnavailable = "location unavailable"
	ReasonLocationTimeout     = "location request timed out"
)
