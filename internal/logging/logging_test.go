package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		env, level string
		want       zapcore.Level
	}{
		{"production", "", zapcore.InfoLevel},
		{"dev", "", zapcore.DebugLevel},
		{"dev", "warn", zapcore.WarnLevel},
		{"prod", "bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		l := New(tt.env, tt.level)
		assert.True(t, l.Core().Enabled(tt.want), "%s/%s should enable %s", tt.env, tt.level, tt.want)
		if tt.want > zapcore.DebugLevel {
			assert.False(t, l.Core().Enabled(tt.want-1), "%s/%s should not enable %s", tt.env, tt.level, tt.want-1)
		}
	}
}
