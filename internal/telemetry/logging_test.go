package telemetry

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONOutsideDev(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger("prod", "warn", &buf)
	log.Info("dropped")
	log.Warn("kept", "job_id", "j1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "kept", rec["msg"])
	require.Equal(t, "j1", rec["job_id"])
}

func TestNewLoggerTextInDev(t *testing.T) {
	var buf bytes.Buffer
	NewLogger("dev", "bogus", &buf).Info("hello")
	require.Contains(t, buf.String(), "msg=hello")
}
