package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"geoattend/internal/clock"
	"geoattend/internal/metrics"
	"geoattend/internal/model"
	"geoattend/internal/queue"
)

// Source supplies the inputs of an alert scan.
type Source interface {
	Users(ctx context.Context, role string) ([]model.User, error)
	Sessions(ctx context.Context) ([]model.Session, error)
	AllRecords(ctx context.Context) ([]model.AttendanceRecord, error)
	Curriculum(ctx context.Context) (model.Curriculum, error)
}

// Monitor recomputes alerts on a schedule and whenever attendance is
// committed, and keeps the latest result.
type Monitor struct {
	source   Source
	th       Thresholds
	clock    clock.Clock
	interval time.Duration
	log      *zap.Logger

	mu       sync.Mutex
	latest   []model.AttendanceAlert
	scanned  time.Time
	critical map[string]bool
}

// NewMonitor builds a Monitor. A non-positive interval disables the
// periodic scan.
func NewMonitor(src Source, th Thresholds, clk clock.Clock, interval time.Duration, log *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		source:   src,
		th:       th,
		clock:    clk,
		interval: interval,
		log:      log,
		critical: make(map[string]bool),
	}
}

// Scan computes alerts from the current ledger, publishes the per-severity
// gauges and logs students who newly became critical.
func (m *Monitor) Scan(ctx context.Context) ([]model.AttendanceAlert, error) {
	users, err := m.source.Users(ctx, "")
	if err != nil {
		return nil, err
	}
	sessions, err := m.source.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	records, err := m.source.AllRecords(ctx)
	if err != nil {
		return nil, err
	}
	curriculum, err := m.source.Curriculum(ctx)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	alerts := GenerateAlerts(users, sessions, records, curriculum, now, m.th)

	for severity, n := range Count(alerts) {
		metrics.Alerts.WithLabelValues(severity).Set(float64(n))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	critical := make(map[string]bool)
	for _, a := range alerts {
		if a.Severity != model.SeverityCritical {
			continue
		}
		critical[a.StudentID] = true
		if !m.critical[a.StudentID] {
			m.log.Warn("student attendance critical",
				zap.String("student_id", a.StudentID),
				zap.String("student_name", a.StudentName),
				zap.Int("percentage", a.Percentage),
				zap.Int("missed", a.Missed))
		}
	}
	m.critical = critical
	m.latest = alerts
	m.scanned = now
	return alerts, nil
}

// Latest returns the result of the last scan and when it ran.
func (m *Monitor) Latest() ([]model.AttendanceAlert, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.scanned
}

// Run scans once, then again on every interval tick and every commit event
// until ctx is done. events may be nil.
func (m *Monitor) Run(ctx context.Context, events <-chan queue.Message) {
	m.scanLogged(ctx, "startup")

	var tick <-chan time.Time
	if m.interval > 0 {
		ticker := m.clock.NewTicker(m.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.scanLogged(ctx, "interval")
		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if msg.Type != queue.TypeAttendanceCommitted {
				continue
			}
			var c queue.Committed
			if err := msg.Decode(&c); err != nil {
				m.log.Warn("undecodable commit event", zap.Error(err))
				continue
			}
			m.log.Debug("commit event", zap.String("session_id", c.SessionID), zap.String("student_id", c.StudentID))
			m.scanLogged(ctx, "commit")
		}
	}
}

func (m *Monitor) scanLogged(ctx context.Context, trigger string) {
	alerts, err := m.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Error("alert scan failed", zap.String("trigger", trigger), zap.Error(err))
		}
		return
	}
	counts := Count(alerts)
	m.log.Info("alert scan",
		zap.String("trigger", trigger),
		zap.Int("warning", counts[model.SeverityWarning]),
		zap.Int("critical", counts[model.SeverityCritical]))
}
