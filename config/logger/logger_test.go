package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	config "github.com/crabzie/setup-factory/config/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func testConfig(level string) *config.Logger {
	return &config.Logger{
		Level:             level,
		Encoding:          "json",
		DisableStacktrace: true,
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:  "msg",
			LevelKey:    "level",
			EncodeLevel: zapcore.LowercaseLevelEncoder,
		},
	}
}

func TestNewSplitsErrorsFromInfo(t *testing.T) {
	var out, errOut bytes.Buffer
	log := New(testConfig("info"), zapcore.AddSync(&out), zapcore.AddSync(&errOut))

	log.Info("job queued", zap.String("job_id", "j1"))
	log.Error("job failed", zap.String("job_id", "j1"))
	log.Debug("hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	assert.Equal(t, "job queued", entry["msg"])
	assert.Equal(t, "j1", entry["job_id"])

	require.NoError(t, json.Unmarshal(errOut.Bytes(), &entry))
	assert.Equal(t, "job failed", entry["msg"])
	assert.Equal(t, "error", entry["level"])
}

func TestSetLevel(t *testing.T) {
	var out bytes.Buffer
	log := New(testConfig("warn"), zapcore.AddSync(&out), zapcore.AddSync(&bytes.Buffer{}))

	log.Info("dropped")
	assert.Zero(t, out.Len())

	SetLevel("debug")
	log.Debug("kept")
	assert.Contains(t, out.String(), "kept")

	// an unknown level leaves the current one in place
	SetLevel("loud")
	log.Debug("still kept")
	assert.Contains(t, out.String(), "still kept")
}
