package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/synclab/collabd/internal/common/config"
)

func TestNewLoggerStdout(t *testing.T) {
	logger, err := NewLogger(&config.LoggerConfig{})
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("hello")
	// Sync on a stdout sink returns EINVAL on Linux, so only exercise it
	_ = logger.Sync()
}

func TestNewLoggerFileOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.LoggerConfig{
		Level:    "debug",
		Format:   "console",
		Output:   "file",
		FilePath: filepath.Join(dir, "logs", "collabd.log"),
	}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Debug("written to file")
}

func TestGetLogLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, getLogLevel("debug"))
	assert.Equal(t, zapcore.InfoLevel, getLogLevel("info"))
	assert.Equal(t, zapcore.WarnLevel, getLogLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, getLogLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, getLogLevel("bogus"))
}
