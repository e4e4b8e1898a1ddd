package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	v := cfg.Verification
	assert.Equal(t, 300.0, v.GeofenceRadiusMeters)
	assert.Equal(t, 115.0, v.FaceThreshold)
	assert.Equal(t, 45*time.Second, v.ScanTimeout)
	assert.Equal(t, 15*time.Second, v.LocationTimeout)
	assert.Equal(t, 10*time.Second, v.RotationInterval)
	assert.Equal(t, 20*time.Second, v.Freshness)
	assert.Equal(t, 90*time.Minute, v.StaleAfter)
	assert.Equal(t, 75, v.Alerts.Warn)
	assert.Equal(t, 60, v.Alerts.Critical)
	assert.False(t, cfg.Production())
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geoattend.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: production
http_port: "9000"
store:
  backend: sqlite
  sqlite_path: /var/lib/geoattend.db
verification:
  geofence_radius_m: 150
  scan_timeout: 30s
  alerts:
    warn: 80
    critical: 65
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FACE_THRESHOLD", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.Equal(t, "9100", cfg.HTTPPort, "env wins over file")
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "/var/lib/geoattend.db", cfg.Store.SQLitePath)
	assert.Equal(t, 150.0, cfg.Verification.GeofenceRadiusMeters)
	assert.Equal(t, 30*time.Second, cfg.Verification.ScanTimeout)
	assert.Equal(t, 15*time.Second, cfg.Verification.LocationTimeout, "unset keys keep defaults")
	assert.Equal(t, 80, cfg.Verification.Alerts.Warn)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)

	assert.Equal(t, 115.0, cfg.Verification.FaceThreshold)
	require.Len(t, cfg.Warnings, 1)
	assert.Contains(t, cfg.Warnings[0], "FACE_THRESHOLD")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"STORE_BACKEND": "cassandra"}},
		{"postgres without url", map[string]string{"STORE_BACKEND": "postgres"}},
		{"short signing key", map[string]string{"JWT_SIGNING_KEY": "short"}},
		{"critical above warn", map[string]string{"ALERT_CRITICAL_PERCENT": "90"}},
		{"freshness below rotation", map[string]string{"QR_FRESHNESS": "5s"}},
		{"face threshold out of range", map[string]string{"FACE_THRESHOLD": "300"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
