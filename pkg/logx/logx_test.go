package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "debug", Format: "json", Writer: &buf})
	t.Cleanup(Discard)

	Error(errors.New("boom"), "write failed", "user", "alice", "bytes", 12)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "write failed", entry["message"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "alice", entry["user"])
	assert.EqualValues(t, 12, entry["bytes"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "warn", Format: "json", Writer: &buf})
	t.Cleanup(Discard)

	Info("hidden")
	Debug("hidden")
	assert.Zero(t, buf.Len())

	Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestOddFieldsAreDropped(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "info", Format: "json", Writer: &buf})
	t.Cleanup(Discard)

	assert.NotPanics(t, func() { Info("odd", "key") })
	assert.Contains(t, buf.String(), "odd number of fields")
	assert.Contains(t, buf.String(), `"message":"odd"`)
}
