package attendance

import (
	"sort"
	"time"

	"geoattend/internal/model"
)

// AbsentID is the derived id of a synthesized absence.
func AbsentID(sessionID, studentID string) string {
	return "absent_" + sessionID + "_" + studentID
}

// History merges a student's present records with synthesized absences for
// every relevant, concluded session that has no present record. Absences
// are a read-side projection and are never written back.
func History(student model.User, sessions []model.Session, records []model.AttendanceRecord,
	curriculum model.Curriculum, now time.Time, staleAfter time.Duration) []model.AttendanceRecord {

	attended := make(map[string]bool, len(records))
	out := make([]model.AttendanceRecord, 0, len(records))
	for _, r := range records {
		if r.StudentID != student.ID || r.Status != model.StatusPresent {
			continue
		}
		attended[r.SessionID] = true
		out = append(out, r)
	}

	for _, s := range sessions {
		if attended[s.ID] || !s.Concluded(now, staleAfter) {
			continue
		}
		if !curriculum.Relevant(student.Department, s.Subject) {
			continue
		}
		out = append(out, model.AttendanceRecord{
			ID:          AbsentID(s.ID, student.ID),
			SessionID:   s.ID,
			StudentID:   student.ID,
			StudentName: student.Name,
			RollNumber:  student.RollNumber,
			Subject:     s.Subject,
			Timestamp:   s.StartTime,
			Status:      model.StatusAbsent,
		})
	}

	sortNewestFirst(out)
	return out
}

func sortNewestFirst(recs []model.AttendanceRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.After(recs[j].Timestamp)
	})
}
