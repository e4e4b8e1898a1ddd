// Package alert flags students whose attendance dropped below a threshold.
package alert

import (
	"fmt"
	"math"
	"sort"
	"time"

	"geoattend/internal/model"
)

// Default thresholds in percent.
const (
	DefaultWarn     = 75
	DefaultCritical = 60
)

// Thresholds configures when alerts fire.
type Thresholds struct {
	Warn     int `yaml:"warn" validate:"gte=0,lte=100"`
	Critical int `yaml:"critical" validate:"gte=0,lte=100,ltefield=Warn"`
}

// DefaultThresholds returns the 75/60 defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Warn: DefaultWarn, Critical: DefaultCritical}
}

// GenerateAlerts computes every student's attendance over the sessions
// relevant to them and returns alerts for those under the warning threshold,
// critical ones first and then by ascending percentage.
func GenerateAlerts(users []model.User, sessions []model.Session, records []model.AttendanceRecord,
	curriculum model.Curriculum, now time.Time, th Thresholds) []model.AttendanceAlert {

	present := make(map[string]map[string]bool)
	for _, r := range records {
		if r.Status != model.StatusPresent {
			continue
		}
		if present[r.StudentID] == nil {
			present[r.StudentID] = make(map[string]bool)
		}
		present[r.StudentID][r.SessionID] = true
	}

	var alerts []model.AttendanceAlert
	for _, u := range users {
		if u.Role != "" && u.Role != model.RoleStudent {
			continue
		}
		relevant, attended := 0, 0
		for _, s := range sessions {
			if s.StartTime.After(now) || !curriculum.Relevant(u.Department, s.Subject) {
				continue
			}
			relevant++
			if present[u.ID][s.ID] {
				attended++
			}
		}
		if relevant == 0 {
			continue
		}

		pct := int(math.Round(100 * float64(attended) / float64(relevant)))
		if pct >= th.Warn {
			continue
		}
		severity := model.SeverityWarning
		if pct < th.Critical {
			severity = model.SeverityCritical
		}
		missed := relevant - attended
		alerts = append(alerts, model.AttendanceAlert{
			StudentID:     u.ID,
			StudentName:   u.Name,
			RollNumber:    u.RollNumber,
			Percentage:    pct,
			Missed:        missed,
			TotalSessions: relevant,
			Severity:      severity,
			Message:       fmt.Sprintf("attendance at %d%%, missed %d of %d sessions", pct, missed, relevant),
		})
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		if a.Severity != b.Severity {
			return a.Severity == model.SeverityCritical
		}
		if a.Percentage != b.Percentage {
			return a.Percentage < b.Percentage
		}
		return a.StudentName < b.StudentName
	})
	return alerts
}

// Count tallies alerts by severity.
func Count(alerts []model.AttendanceAlert) map[string]int {
	out := map[string]int{model.SeverityWarning: 0, model.SeverityCritical: 0}
	for _, a := range alerts {
		out[a.Severity]++
	}
	return out
}
