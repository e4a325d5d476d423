package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextLoggerWritesBothSinks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "training.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("previous run\n"), 0644))

	var stdout bytes.Buffer
	log, closer, err := newLogger(Options{Level: "debug", Format: "text", File: path}, &stdout)
	require.NoError(t, err)

	log.WithField("model", "MLP").Info("Starting training")
	log.Debug("detail")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "previous run", "log file is truncated")
	assert.Contains(t, string(data), "Starting training")
	assert.Contains(t, string(data), "model=MLP")
	assert.Contains(t, string(data), "detail")
	assert.Equal(t, string(data), stdout.String())
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestJSONLogger(t *testing.T) {
	var stdout bytes.Buffer
	log, closer, err := newLogger(Options{Level: "warn", Format: "json"}, &stdout)
	require.NoError(t, err)
	defer closer.Close()

	log.Info("hidden")
	log.WithField("epoch", 3).Warn("Early stopping triggered")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &entry))
	assert.Equal(t, "Early stopping triggered", entry["message"])
	assert.Equal(t, float64(3), entry["epoch"])
	assert.Contains(t, entry, "timestamp")
}

func TestInvalidOptions(t *testing.T) {
	_, _, err := New(Options{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Options{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
