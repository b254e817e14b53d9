package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condo/billing-engine/logging"
)

func TestNew_WritesJSONWithServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{
		Level: "debug", ServiceName: "billing-engine", Environment: "test", Version: "1.2.3", Output: &buf,
	})

	logger.Debug("generation finished", slog.Int("quotas_created", 3))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "generation finished", record["msg"])
	assert.Equal(t, "billing-engine", record["service"])
	assert.Equal(t, "test", record["environment"])
	assert.Equal(t, "1.2.3", record["version"])
	assert.Equal(t, float64(3), record["quotas_created"])
}

func TestNew_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: "warn", Output: &buf})

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logging.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logging.ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, logging.ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, logging.ParseLevel("verbose"))
}
