package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"geoattend/internal/alert"
	"geoattend/internal/model"
	"geoattend/internal/qr"
	"geoattend/internal/session"
	"geoattend/internal/store"
)

type startSessionRequest struct {
	Subject  string          `json:"subject" binding:"required"`
	Location *model.Location `json:"location"`
}

// StartSession opens a session for the caller, ending any they still run.
func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s, err := h.Registry.StartSession(c.Request.Context(), identity(c), req.Subject, req.Location)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

// EndSession closes a session. Ending a closed session is a no-op.
func (h *Handler) EndSession(c *gin.Context) {
	s, err := h.Registry.EndSession(c.Request.Context(), identity(c), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// ListSessions returns the caller's sessions, or every session for admins.
func (h *Handler) ListSessions(c *gin.Context) {
	caller := identity(c)
	var (
		sessions []model.Session
		err      error
	)
	if caller.Role == model.RoleAdmin && c.Query("mine") == "" {
		sessions, err = h.Registry.AllSessions(c.Request.Context())
	} else {
		sessions, err = h.Registry.SessionsFor(c.Request.Context(), caller.UserID)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sessions)
}

// ActiveSession returns the caller's open session.
func (h *Handler) ActiveSession(c *gin.Context) {
	s, err := h.Registry.ActiveSessionFor(c.Request.Context(), identity(c).UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
		return
	}
	c.JSON(http.StatusOK, s)
}

type qrResponse struct {
	SessionID     string `json:"session_id"`
	Payload       string `json:"payload"`
	TokenIssuedAt int64  `json:"token_issued_at"`
	RefreshInMS   int64  `json:"refresh_in_ms"`
}

// SessionQR returns the current QR payload. Clients poll it at the
// rotation interval.
func (h *Handler) SessionQR(c *gin.Context) {
	payload, s, ok := h.currentPayload(c)
	if !ok {
		return
	}
	refresh := s.TokenIssuedAt + h.RotationInterval.Milliseconds() - h.Clock.Now().UnixMilli()
	if refresh < 0 {
		refresh = 0
	}
	c.JSON(http.StatusOK, qrResponse{
		SessionID:     s.ID,
		Payload:       payload,
		TokenIssuedAt: s.TokenIssuedAt,
		RefreshInMS:   refresh,
	})
}

// SessionQRImage renders the current payload as a PNG.
func (h *Handler) SessionQRImage(c *gin.Context) {
	payload, _, ok := h.currentPayload(c)
	if !ok {
		return
	}
	size := qr.DefaultPNGSize
	if v, err := strconv.Atoi(c.Query("size")); err == nil && v >= 64 && v <= 1024 {
		size = v
	}
	png, err := qr.PNG(payload, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

func (h *Handler) currentPayload(c *gin.Context) (string, model.Session, bool) {
	payload, s, err := h.Registry.CurrentPayload(c.Request.Context(), c.Param("id"))
	if err != nil && s.ID == "" {
		h.fail(c, err)
		return "", s, false
	}
	if !ownsSession(identity(c), &s) {
		h.fail(c, session.ErrForbidden)
		return "", s, false
	}
	if err != nil {
		h.fail(c, err)
		return "", s, false
	}
	return payload, s, true
}

// SessionAttendance lists the present records of a session.
func (h *Handler) SessionAttendance(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.Registry.GetSession(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if !ownsSession(identity(c), s) {
		h.fail(c, session.ErrForbidden)
		return
	}
	records, err := h.Ledger.ForSession(ctx, s.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s, "records": records, "count": len(records)})
}

// Alerts computes low-attendance alerts across every student.
func (h *Handler) Alerts(c *gin.Context) {
	alerts, err := h.Monitor.Scan(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "counts": alert.Count(alerts)})
}

type timetableRequest struct {
	Department string `json:"department" binding:"required"`
	Subject    string `json:"subject" binding:"required"`
	Weekday    string `json:"weekday"`
	StartsAt   string `json:"starts_at"`
	EndsAt     string `json:"ends_at"`
}

// AddTimetableEntry schedules a subject for a department.
func (h *Handler) AddTimetableEntry(c *gin.Context) {
	var req timetableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	e := model.TimetableEntry{
		ID:         uuid.NewString(),
		Department: req.Department,
		Subject:    req.Subject,
		Weekday:    req.Weekday,
		StartsAt:   req.StartsAt,
		EndsAt:     req.EndsAt,
	}
	if err := h.repo.AddTimetableEntry(c.Request.Context(), e); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// ListTimetable returns timetable entries, optionally for ?department=.
func (h *Handler) ListTimetable(c *gin.Context) {
	entries, err := h.repo.Timetable(c.Request.Context(), c.Query("department"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// StudentHistory returns a student's derived history for staff.
func (h *Handler) StudentHistory(c *gin.Context) {
	h.history(c, c.Param("id"))
}

// MyHistory returns the caller's own derived history.
func (h *Handler) MyHistory(c *gin.Context) {
	h.history(c, identity(c).UserID)
}

func (h *Handler) history(c *gin.Context, studentID string) {
	records, err := h.Ledger.HistoryFor(c.Request.Context(), studentID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	present := 0
	for _, r := range records {
		if r.Status == model.StatusPresent {
			present++
		}
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "present": present, "total": len(records)})
}
