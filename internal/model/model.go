package model

import (
	"sort"
	"time"
)

// Roles a user can hold.
const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// Attendance statuses.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
)

// Alert severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Location is a WGS84 coordinate in decimal degrees.
type Location struct {
	Lat float64 `json:"lat" binding:"gte=-90,lte=90"`
	Lng float64 `json:"lng" binding:"gte=-180,lte=180"`
}

// Session is one instructor-initiated attendance window for a subject.
type Session struct {
	ID            string     `json:"id"`
	InstructorID  string     `json:"instructor_id"`
	Subject       string     `json:"subject"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Active        bool       `json:"active"`
	Location      Location   `json:"location"`
	Token         string     `json:"token"`
	TokenIssuedAt int64      `json:"token_issued_at"`
}

// Concluded reports whether the session can no longer collect attendance:
// ended, past its end time, or started longer ago than staleAfter.
func (s Session) Concluded(now time.Time, staleAfter time.Duration) bool {
	if !s.Active {
		return true
	}
	if s.EndTime != nil && now.After(*s.EndTime) {
		return true
	}
	return now.Sub(s.StartTime) > staleAfter
}

// AttendanceRecord is a committed (or synthesized absent) attendance entry.
type AttendanceRecord struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	StudentID        string    `json:"student_id"`
	StudentName      string    `json:"student_name"`
	RollNumber       string    `json:"roll_number,omitempty"`
	Subject          string    `json:"subject"`
	Timestamp        time.Time `json:"timestamp"`
	Status           string    `json:"status"`
	FaceVerified     bool      `json:"face_verified"`
	LocationVerified bool      `json:"location_verified"`
}

// User is a registered student, instructor or admin.
type User struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Department     string    `json:"department,omitempty"`
	ReferenceImage string    `json:"reference_image,omitempty"` // data URL or http(s) URL
	RollNumber     string    `json:"roll_number,omitempty"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// TimetableEntry schedules a subject for a department.
type TimetableEntry struct {
	ID         string `json:"id"`
	Department string `json:"department"`
	Subject    string `json:"subject"`
	Weekday    string `json:"weekday,omitempty"`
	StartsAt   string `json:"starts_at,omitempty"` // "HH:MM"
	EndsAt     string `json:"ends_at,omitempty"`
}

// AttendanceAlert flags a student whose attendance fell below a threshold.
type AttendanceAlert struct {
	StudentID     string `json:"student_id"`
	StudentName   string `json:"student_name"`
	RollNumber    string `json:"roll_number,omitempty"`
	Percentage    int    `json:"percentage"`
	Missed        int    `json:"missed"`
	TotalSessions int    `json:"total_sessions"`
	Severity      string `json:"severity"`
	Message       string `json:"message"`
}

// Curriculum maps a department to the subjects it takes.
type Curriculum map[string]map[string]struct{}

// CurriculumFrom builds a curriculum from timetable entries.
func CurriculumFrom(entries []TimetableEntry) Curriculum {
	c := make(Curriculum)
	for _, e := range entries {
		if e.Department == "" || e.Subject == "" {
			continue
		}
		subjects, ok := c[e.Department]
		if !ok {
			subjects = make(map[string]struct{})
			c[e.Department] = subjects
		}
		subjects[e.Subject] = struct{}{}
	}
	return c
}

// Relevant reports whether a session on subject counts for a student of
// department. Students without a department take every subject.
func (c Curriculum) Relevant(department, subject string) bool {
	if department == "" {
		return true
	}
	_, ok := c[department][subject]
	return ok
}

// Subjects returns the department's subjects in sorted order.
func (c Curriculum) Subjects(department string) []string {
	out := make([]string, 0, len(c[department]))
	for s := range c[department] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Identity is the acting user of an operation, taken from the request's
// credentials and passed explicitly into every core call.
type Identity struct {
	UserID string
	Role   string
}

// CanTeach reports whether the identity may run sessions.
func (i Identity) CanTeach() bool {
	return i.Role == RoleInstructor || i.Role == RoleAdmin
}
