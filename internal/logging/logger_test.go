package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "json", "debug")

	logger.WithField("run_id", "r1").Debug("run_started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run_started", entry["msg"])
	assert.Equal(t, "r1", entry["run_id"])
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, logrus.InfoLevel, parseLevel("loud"))
	assert.Equal(t, logrus.WarnLevel, parseLevel("warn"))
}
