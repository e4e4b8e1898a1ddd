package attendance

import (
	"context"

	"github.com/pkg/errors"

	"geoattend/internal/model"
	"geoattend/internal/store"
)

// Repository reads and writes attendance data through the document store.
type Repository struct {
	store store.Store
}

// NewRepository creates a repo.
func NewRepository(st store.Store) *Repository {
	return &Repository{store: st}
}

// Store exposes the backing document store.
func (r *Repository) Store() store.Store { return r.store }

// GetRecord returns a single record by id, or nil.
func (r *Repository) GetRecord(ctx context.Context, id string) (*model.AttendanceRecord, error) {
	doc, err := r.store.Read(ctx, store.Attendance, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read attendance record")
	}
	var rec model.AttendanceRecord
	if err := store.Decode(doc, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// InsertRecord writes a record under its id.
func (r *Repository) InsertRecord(ctx context.Context, rec model.AttendanceRecord) error {
	doc, err := store.Encode(rec)
	if err != nil {
		return err
	}
	return errors.Wrap(r.store.CreateOrReplace(ctx, store.Attendance, rec.ID, doc), "insert attendance record")
}

// RecordsBySession returns the records committed for a session.
func (r *Repository) RecordsBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	return r.records(ctx, "session_id", sessionID)
}

// RecordsByStudent returns the records committed by a student.
func (r *Repository) RecordsByStudent(ctx context.Context, studentID string) ([]model.AttendanceRecord, error) {
	return r.records(ctx, "student_id", studentID)
}

// AllRecords returns every committed record.
func (r *Repository) AllRecords(ctx context.Context) ([]model.AttendanceRecord, error) {
	docs, err := r.store.All(ctx, store.Attendance)
	if err != nil {
		return nil, errors.Wrap(err, "list attendance")
	}
	return store.DecodeAll[model.AttendanceRecord](docs)
}

func (r *Repository) records(ctx context.Context, field, value string) ([]model.AttendanceRecord, error) {
	docs, err := r.store.QueryEqual(ctx, store.Attendance, field, value)
	if err != nil {
		return nil, errors.Wrapf(err, "query attendance by %s", field)
	}
	return store.DecodeAll[model.AttendanceRecord](docs)
}

// Sessions returns every session.
func (r *Repository) Sessions(ctx context.Context) ([]model.Session, error) {
	docs, err := r.store.All(ctx, store.Sessions)
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	return store.DecodeAll[model.Session](docs)
}

// GetUser returns a user by id, or nil.
func (r *Repository) GetUser(ctx context.Context, id string) (*model.User, error) {
	doc, err := r.store.Read(ctx, store.Users, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read user")
	}
	var u model.User
	if err := store.Decode(doc, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUser creates or replaces a user.
func (r *Repository) UpsertUser(ctx context.Context, u model.User) error {
	doc, err := store.Encode(u)
	if err != nil {
		return err
	}
	return errors.Wrap(r.store.CreateOrReplace(ctx, store.Users, u.ID, doc), "upsert user")
}

// SetReferenceImage stores the user's reference face image reference.
func (r *Repository) SetReferenceImage(ctx context.Context, userID, ref string) error {
	err := r.store.UpdateFields(ctx, store.Users, userID, store.Doc{"reference_image": ref})
	return errors.Wrap(err, "set reference image")
}

// Users returns users, optionally filtered by role.
func (r *Repository) Users(ctx context.Context, role string) ([]model.User, error) {
	var (
		docs []store.Doc
		err  error
	)
	if role == "" {
		docs, err = r.store.All(ctx, store.Users)
	} else {
		docs, err = r.store.QueryEqual(ctx, store.Users, "role", role)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	return store.DecodeAll[model.User](docs)
}

// AddTimetableEntry stores a timetable entry.
func (r *Repository) AddTimetableEntry(ctx context.Context, e model.TimetableEntry) error {
	doc, err := store.Encode(e)
	if err != nil {
		return err
	}
	return errors.Wrap(r.store.CreateOrReplace(ctx, store.Timetable, e.ID, doc), "add timetable entry")
}

// Timetable returns timetable entries, optionally for one department.
func (r *Repository) Timetable(ctx context.Context, department string) ([]model.TimetableEntry, error) {
	var (
		docs []store.Doc
		err  error
	)
	if department == "" {
		docs, err = r.store.All(ctx, store.Timetable)
	} else {
		docs, err = r.store.QueryEqual(ctx, store.Timetable, "department", department)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list timetable")
	}
	return store.DecodeAll[model.TimetableEntry](docs)
}

// Curriculum derives department subjects from the timetable.
func (r *Repository) Curriculum(ctx context.Context) (model.Curriculum, error) {
	entries, err := r.Timetable(ctx, "")
	if err != nil {
		return nil, err
	}
	return model.CurriculumFrom(entries), nil
}
