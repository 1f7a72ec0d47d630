package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"demuxd/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWriterLogger(&buf, "info", "json")

	log.Debugf("hidden %d", 1)
	log.Infof("fetched %d bytes", 42)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "fetched 42 bytes", record["msg"])
}

func TestTextLoggerWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWriterLogger(&buf, "debug", "text").(*logger.SlogLogger).With("channel", "news")

	log.Debugf("segment %s", "ready")
	out := buf.String()
	assert.Contains(t, out, "level=DEBUG")
	assert.Contains(t, out, `msg="segment ready"`)
	assert.Contains(t, out, "channel=news")
}
