package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

func TestErrorIncludesStackAndKVs(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Error("sweep failed", errors.New("boom"), "reminder_id", 7, "user", "a@b.c")

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(lastLine(buf.String())), &payload))
	assert.Equal(t, "error", payload["level"])
	assert.Equal(t, "progenycal", payload["service"])
	assert.Equal(t, "boom", payload["error"])
	assert.Equal(t, float64(7), payload["reminder_id"])
	assert.Equal(t, "a@b.c", payload["user"])
	assert.Contains(t, payload, "stack")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	defer SetLevel(LevelInfo)

	SetLevel(LevelError)
	Info("hidden")
	Debug("hidden too")
	assert.Empty(t, buf.String())

	SetLevel(LevelDebug)
	Debug("shown", "odd")
	assert.Contains(t, buf.String(), `"message":"shown"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
