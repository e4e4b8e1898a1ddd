package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/alert"
	"geoattend/internal/attendance"
	"geoattend/internal/auth"
	"geoattend/internal/clock"
	"geoattend/internal/face"
	"geoattend/internal/geo"
	"geoattend/internal/keylock"
	"geoattend/internal/model"
	"geoattend/internal/qr"
	"geoattend/internal/refimage"
	"geoattend/internal/session"
	"geoattend/internal/store"
	"geoattend/internal/verify"
	"geoattend/internal/verrors"
)

func grayPNG(t *testing.T, shade func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, face.Size, face.Size))
	for y := 0; y < face.Size; y++ {
		for x := 0; x < face.Size; x++ {
			img.SetGray(x, y, color.Gray{Y: shade(x, y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func checkerboard(t *testing.T) []byte {
	return grayPNG(t, func(x, y int) uint8 {
		if (x+y)%2 == 0 {
			return 100
		}
		return 180
	})
}

type testServer struct {
	router *gin.Engine
	clock  *clock.FakeClock
	signer auth.Signer
	repo   *attendance.Repository
}

func newTestServer(t *testing.T, open bool, checks map[string]HealthCheck) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.Fake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	repo := attendance.NewRepository(st)
	locks := keylock.NewKeyedMutex()
	ledger := attendance.NewLedger(repo, locks, clk, 0, nil)
	registry := session.NewRegistry(st, locks, clk, nil, 0)
	t.Cleanup(registry.Close)
	images := refimage.New(nil, nil)

	orch := verify.New(verify.Deps{
		Validator: qr.NewValidator(registry, clk, 0),
		Sessions:  registry,
		Users:     repo,
		Ledger:    ledger,
		Refs:      images,
		Scorer:    face.NewScorer(face.DefaultThreshold),
		Geofence:  geo.NewVerifier(geo.DefaultRadiusMeters),
		Clock:     clk,
	}, verify.Options{})

	signer := auth.Signer{
		Key:        "handler-test-signing-key",
		Issuer:     "geoattend-test",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
	h := New(Deps{
		Registry:         registry,
		Ledger:           ledger,
		Verifier:         orch,
		Images:           images,
		Signer:           signer,
		Clock:            clk,
		Monitor:          alert.NewMonitor(repo, alert.DefaultThresholds(), clk, 0, nil),
		OpenRegistration: open,
		Checks:           checks,
	})
	r := gin.New()
	h.Routes(r, nil)
	return &testServer{router: r, clock: clk, signer: signer, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) register(t *testing.T, body gin.H) (model.User, string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/users/register", "", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp registerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.User, resp.Tokens.AccessToken
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAttendanceFlow(t *testing.T) {
	s := newTestServer(t, true, nil)

	_, lecturer := s.register(t, gin.H{"id": "inst-1", "name": "Dr. Rao", "role": "instructor"})
	_, asha := s.register(t, gin.H{
		"id":              "stu-1",
		"name":            "Asha",
		"roll_number":     "CS-042",
		"reference_image": refimage.DataURL("image/png", checkerboard(t)),
	})
	s.register(t, gin.H{"id": "stu-2", "name": "Ravi"})

	w := s.do(t, http.MethodPost, "/v1/sessions", lecturer, gin.H{
		"subject":  "Algorithms",
		"location": gin.H{"lat": 12.97, "lng": 77.59},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sess := decode[model.Session](t, w)
	assert.True(t, sess.Active)

	w = s.do(t, http.MethodGet, "/v1/sessions/"+sess.ID+"/qr", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	code := decode[qrResponse](t, w)
	assert.Equal(t, session.Payload(sess), code.Payload)
	assert.Equal(t, int64(10000), code.RefreshInMS)

	w = s.do(t, http.MethodGet, "/v1/sessions/"+sess.ID+"/qr.png", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	_, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	assert.NoError(t, err)

	probe := base64.StdEncoding.EncodeToString(grayPNG(t, func(int, int) uint8 { return 140 }))
	body := gin.H{
		"payloads": []string{"not a code", code.Payload},
		"frame":    probe,
		"location": gin.H{"lat": 12.9701, "lng": 77.5901},
	}
	w = s.do(t, http.MethodPost, "/v1/attendance/verify", asha, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	out := decode[verify.Outcome](t, w)
	assert.Equal(t, verify.StateVerified, out.State)
	require.NotNil(t, out.Record)
	assert.Equal(t, attendance.RecordID(sess.ID, "stu-1"), out.Record.ID)

	w = s.do(t, http.MethodPost, "/v1/attendance/verify", asha, body)
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/sessions/"+sess.ID+"/attendance", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["count"])

	w = s.do(t, http.MethodGet, "/v1/alerts", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode[struct {
		Alerts []model.AttendanceAlert `json:"alerts"`
	}](t, w).Alerts
	require.Len(t, alerts, 1)
	assert.Equal(t, "stu-2", alerts[0].StudentID)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)

	w = s.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/end", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[model.Session](t, w).Active)

	w = s.do(t, http.MethodGet, "/v1/sessions/"+sess.ID+"/qr", lecturer, nil)
	assert.Equal(t, http.StatusGone, w.Code)

	w = s.do(t, http.MethodPost, "/v1/attendance/verify", asha, gin.H{"payload": code.Payload})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, verrors.ReasonSessionEnded, decode[map[string]any](t, w)["error"])

	w = s.do(t, http.MethodGet, "/v1/attendance/history", asha, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, w)["present"])
}

func TestVerifyFailuresMapToStatus(t *testing.T) {
	s := newTestServer(t, true, nil)
	_, lecturer := s.register(t, gin.H{"id": "inst-1", "name": "Dr. Rao", "role": "instructor"})
	_, asha := s.register(t, gin.H{
		"id":              "stu-1",
		"name":            "Asha",
		"reference_image": refimage.DataURL("image/png", checkerboard(t)),
	})
	w := s.do(t, http.MethodPost, "/v1/sessions", lecturer, gin.H{
		"subject":  "Algorithms",
		"location": gin.H{"lat": 12.97, "lng": 77.59},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	sess := decode[model.Session](t, w)
	payload := session.Payload(sess)
	probe := base64.StdEncoding.EncodeToString(grayPNG(t, func(int, int) uint8 { return 140 }))

	w = s.do(t, http.MethodPost, "/v1/attendance/verify", asha, gin.H{
		"payload":  payload,
		"frame":    probe,
		"location": gin.H{"lat": 12.99, "lng": 77.59},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(verrors.KindLocation), decode[map[string]any](t, w)["kind"])

	w = s.do(t, http.MethodPost, "/v1/attendance/verify", asha, gin.H{
		"payload":  "SECURE:" + sess.ID + ":0:" + sess.Token,
		"frame":    probe,
		"location": gin.H{"lat": 12.9701, "lng": 77.5901},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, verrors.ReasonExpired, decode[map[string]any](t, w)["error"])

	w = s.do(t, http.MethodPost, "/v1/attendance/verify", asha, gin.H{"frame": "%%%"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/attendance/verify", lecturer, gin.H{"payload": payload})
	assert.Equal(t, http.StatusForbidden, w.Code, "only students verify")
}

func TestSessionAccess(t *testing.T) {
	s := newTestServer(t, true, nil)
	_, lecturer := s.register(t, gin.H{"id": "inst-1", "name": "Dr. Rao", "role": "instructor"})
	_, other := s.register(t, gin.H{"id": "inst-2", "name": "Dr. Iyer", "role": "instructor"})
	_, student := s.register(t, gin.H{"id": "stu-1", "name": "Asha"})

	w := s.do(t, http.MethodPost, "/v1/sessions", "", gin.H{"subject": "Physics"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions", student, gin.H{"subject": "Physics", "location": gin.H{"lat": 1, "lng": 1}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions", lecturer, gin.H{"subject": "Physics"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "anchor location is required")

	w = s.do(t, http.MethodGet, "/v1/sessions/active", lecturer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions", lecturer, gin.H{"subject": "Physics", "location": gin.H{"lat": 1, "lng": 1}})
	require.Equal(t, http.StatusCreated, w.Code)
	sess := decode[model.Session](t, w)

	w = s.do(t, http.MethodGet, "/v1/sessions/active", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, sess.ID, decode[model.Session](t, w).ID)

	w = s.do(t, http.MethodGet, "/v1/sessions/"+sess.ID+"/qr", other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, http.MethodPost, "/v1/sessions/"+sess.ID+"/end", other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, http.MethodGet, "/v1/sessions/missing/qr", lecturer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions", other, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]model.Session](t, w))
}

func TestRegistrationRoles(t *testing.T) {
	s := newTestServer(t, false, nil)

	w := s.do(t, http.MethodPost, "/v1/users/register", "", gin.H{"name": "Eve", "role": "admin"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/users/register", "", gin.H{"name": "Eve", "role": "janitor"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	user, _ := s.register(t, gin.H{"name": "Asha"})
	assert.Equal(t, model.RoleStudent, user.Role)
	assert.NotEmpty(t, user.ID)

	w = s.do(t, http.MethodPost, "/v1/users/register", "", gin.H{"id": user.ID, "name": "Asha again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	admin, err := s.signer.Issue("root", model.RoleAdmin)
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/v1/users/register", admin.AccessToken, gin.H{"name": "Dr. Rao", "role": "instructor"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": admin.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[auth.TokenPair](t, w).AccessToken)

	w = s.do(t, http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": admin.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUploadReferenceImage(t *testing.T) {
	s := newTestServer(t, true, nil)
	_, asha := s.register(t, gin.H{"id": "stu-1", "name": "Asha"})
	s.register(t, gin.H{"id": "stu-2", "name": "Ravi"})

	img := checkerboard(t)
	w := s.do(t, http.MethodPost, "/v1/users/stu-1/reference-image", asha, gin.H{
		"image": base64.StdEncoding.EncodeToString(img),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	u, err := s.repo.GetUser(context.Background(), "stu-1")
	require.NoError(t, err)
	got, err := refimage.DecodeDataURL(u.ReferenceImage)
	require.NoError(t, err)
	assert.Equal(t, img, got)

	w = s.do(t, http.MethodPost, "/v1/users/stu-2/reference-image", asha, gin.H{"image": "aGk="})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/v1/users/stu-1/reference-image", asha, gin.H{
		"image": base64.StdEncoding.EncodeToString([]byte("plain text, not a photo")),
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOversizedBodiesAreRejected(t *testing.T) {
	s := newTestServer(t, true, nil)
	_, asha := s.register(t, gin.H{"id": "stu-1", "name": "Asha"})
	huge := strings.Repeat("A", maxImageBody)

	w := s.do(t, http.MethodPost, "/v1/attendance/verify", asha, gin.H{"payload": "SECURE:x:0:y", "frame": huge})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = s.do(t, http.MethodPost, "/v1/users/register", "", gin.H{"name": "Ravi", "reference_image": huge})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = s.do(t, http.MethodPost, "/v1/users/stu-1/reference-image", asha, gin.H{"image": huge})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestTimetableAndHistory(t *testing.T) {
	s := newTestServer(t, true, nil)
	_, lecturer := s.register(t, gin.H{"id": "inst-1", "name": "Dr. Rao", "role": "instructor"})
	s.register(t, gin.H{"id": "stu-1", "name": "Asha", "department": "CSE"})

	w := s.do(t, http.MethodPost, "/v1/timetable", lecturer, gin.H{"department": "CSE", "subject": "Algorithms"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = s.do(t, http.MethodPost, "/v1/timetable", lecturer, gin.H{"department": "ECE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/v1/timetable?department=CSE", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.TimetableEntry](t, w), 1)

	for _, subject := range []string{"Algorithms", "Painting"} {
		w = s.do(t, http.MethodPost, "/v1/sessions", lecturer, gin.H{"subject": subject, "location": gin.H{"lat": 1, "lng": 1}})
		require.Equal(t, http.StatusCreated, w.Code)
		s.clock.Advance(time.Minute)
	}
	s.clock.Advance(2 * time.Hour)

	w = s.do(t, http.MethodGet, "/v1/students/stu-1/history", lecturer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[struct {
		Records []model.AttendanceRecord `json:"records"`
		Present int                      `json:"present"`
	}](t, w)
	require.Len(t, hist.Records, 1, "only the CSE subject counts")
	assert.Equal(t, model.StatusAbsent, hist.Records[0].Status)
	assert.Equal(t, "Algorithms", hist.Records[0].Subject)
	assert.Zero(t, hist.Present)

	w = s.do(t, http.MethodGet, "/v1/students/nobody/history", lecturer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthz(t *testing.T) {
	healthy := true
	s := newTestServer(t, true, map[string]HealthCheck{
		"redis": func(*gin.Context) bool { return healthy },
	})

	w := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["redis"])

	healthy = false
	w = s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode[map[string]any](t, w)["status"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{verrors.New(verrors.KindFormat, verrors.ReasonBadFormat), http.StatusUnprocessableEntity},
		{verrors.New(verrors.KindToken, verrors.ReasonExpired), http.StatusUnprocessableEntity},
		{verrors.New(verrors.KindBiometric, verrors.ReasonFaceMismatch), http.StatusUnprocessableEntity},
		{verrors.New(verrors.KindLocation, verrors.ReasonOutsideGeofence), http.StatusUnprocessableEntity},
		{verrors.New(verrors.KindSession, verrors.ReasonSessionNotFound), http.StatusNotFound},
		{verrors.New(verrors.KindSession, verrors.ReasonSessionEnded), http.StatusGone},
		{verrors.New(verrors.KindDuplicate, verrors.ReasonAlreadyMarked), http.StatusConflict},
		{verrors.New(verrors.KindTimeout, verrors.ReasonScanTimeout), http.StatusRequestTimeout},
		{errors.Wrap(session.ErrForbidden, "end"), http.StatusForbidden},
		{session.ErrNoLocation, http.StatusBadRequest},
		{errors.Wrap(store.ErrNotFound, "user"), http.StatusNotFound},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
