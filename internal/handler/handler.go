// Package handler exposes the attendance engine over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"geoattend/internal/alert"
	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/clock"
	"geoattend/internal/model"
	"geoattend/internal/refimage"
	"geoattend/internal/session"
	"geoattend/internal/store"
	"geoattend/internal/verify"
	"geoattend/internal/verrors"
)

// Images stores reference images.
type Images interface {
	Save(ctx context.Context, userID string, data []byte) (string, error)
}

// maxImageBody bounds request bodies that may carry one base64 encoded
// image plus a few small fields.
const maxImageBody = refimage.MaxImageBytes*4/3 + 64<<10

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(*gin.Context) bool

// Deps are the collaborators of a Handler.
type Deps struct {
	Registry *session.Registry
	Ledger   *attendance.Ledger
	Verifier *verify.Orchestrator
	Images   Images
	Signer   auth.Signer
	Clock    clock.Clock
	Log      *zap.Logger

	Monitor          *alert.Monitor
	RotationInterval time.Duration
	// OpenRegistration lets anyone register instructors and admins. Off in
	// production, where only an admin may create them.
	OpenRegistration bool
	// Checks are reported by /healthz next to the store.
	Checks map[string]HealthCheck
}

// Handler serves the HTTP API.
type Handler struct {
	Deps
	repo *attendance.Repository
}

// New builds a Handler.
func New(d Deps) *Handler {
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.RotationInterval <= 0 {
		d.RotationInterval = session.DefaultRotationInterval
	}
	return &Handler{Deps: d, repo: d.Ledger.Repository()}
}

// Routes registers every endpoint. limit runs on each API route after the
// caller is identified.
func (h *Handler) Routes(r *gin.Engine, limit gin.HandlerFunc) {
	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	public := r.Group("/v1", limit)
	public.POST("/users/register", limitBody(maxImageBody), h.RegisterUser)
	public.POST("/auth/refresh", h.RefreshToken)

	v1 := r.Group("/v1", auth.Authenticate(h.Signer), limit)
	v1.POST("/users/:id/reference-image", limitBody(maxImageBody), h.UploadReferenceImage)

	teach := v1.Group("", auth.RequireRole(model.RoleInstructor, model.RoleAdmin))
	teach.POST("/sessions", h.StartSession)
	teach.POST("/sessions/:id/end", h.EndSession)
	teach.GET("/sessions", h.ListSessions)
	teach.GET("/sessions/active", h.ActiveSession)
	teach.GET("/sessions/:id/qr", h.SessionQR)
	teach.GET("/sessions/:id/qr.png", h.SessionQRImage)
	teach.GET("/sessions/:id/attendance", h.SessionAttendance)
	teach.GET("/alerts", h.Alerts)
	teach.POST("/timetable", h.AddTimetableEntry)
	teach.GET("/timetable", h.ListTimetable)
	teach.GET("/students/:id/history", h.StudentHistory)

	v1.POST("/attendance/verify", auth.RequireRole(model.RoleStudent), limitBody(maxImageBody), h.VerifyAttendance)
	v1.GET("/attendance/history", h.MyHistory)
}

// Healthz reports the store and any extra checks.
func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}

	storeOK := h.repo.Store().Ping(c.Request.Context()) == nil
	body["store"] = storeOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	for name, check := range h.Checks {
		ok := check(c)
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
		}
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch verrors.KindOf(err) {
	case verrors.KindFormat, verrors.KindToken, verrors.KindBiometric, verrors.KindLocation:
		return http.StatusUnprocessableEntity
	case verrors.KindSession:
		if verrors.ReasonOf(err) == verrors.ReasonSessionEnded {
			return http.StatusGone
		}
		return http.StatusNotFound
	case verrors.KindDuplicate:
		return http.StatusConflict
	case verrors.KindTimeout:
		return http.StatusRequestTimeout
	}
	switch {
	case errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNoLocation), errors.Is(err, attendance.ErrNotPresent),
		errors.Is(err, refimage.ErrEmpty), errors.Is(err, refimage.ErrRejected):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoToken):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// fail writes err as JSON. Internal faults are logged and hidden.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": verrors.ReasonOf(err)}
	if kind := verrors.KindOf(err); kind != "" {
		body["kind"] = kind
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// limitBody caps the request body at n bytes.
func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

func identity(c *gin.Context) model.Identity {
	id, _ := auth.IdentityFrom(c)
	return id
}

// ownsSession reports whether id may manage s.
func ownsSession(id model.Identity, s *model.Session) bool {
	return id.Role == model.RoleAdmin || s.InstructorID == id.UserID
}
