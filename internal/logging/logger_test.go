package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLogger_Production(t *testing.T) {
	logger := NewLogger("production")
	assert.NotNil(t, logger)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelDebug), "production logs at info and above")
	assert.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
}

func TestNewLogger_Development(t *testing.T) {
	logger := NewLogger("development")
	assert.NotNil(t, logger)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug), "development logs at debug")
}
