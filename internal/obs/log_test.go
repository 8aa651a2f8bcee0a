package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func captureLog(t *testing.T, fn func()) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	SetLogOutput(&buf)
	t.Cleanup(func() { SetLogOutput(os.Stdout) })

	fn()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", buf.String())
	}
	return entry
}

func TestLogAddsLevelAndTimestamp(t *testing.T) {
	entry := captureLog(t, func() {
		Log("info", "listening", map[string]any{"addr": ":8080"})
	})

	if entry["level"] != "info" || entry["msg"] != "listening" {
		t.Fatalf("got %v", entry)
	}
	if entry["addr"] != ":8080" {
		t.Fatalf("field dropped: %v", entry)
	}
	if entry["ts"] == "" || entry["ts"] == nil {
		t.Fatal("missing ts")
	}
}

func TestLogRequestEmitsEntryVerbatim(t *testing.T) {
	entry := captureLog(t, func() {
		LogRequest(map[string]any{"type": "http_request", "status": 200})
	})
	if entry["type"] != "http_request" {
		t.Fatalf("got %v", entry)
	}
}
