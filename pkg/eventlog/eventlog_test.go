package eventlog

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line %q is not valid JSON: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestEmitWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	l := New(zapcore.AddSync(&buf), "A")

	l.Emit("node_start", zap.Bool("is_leader", true))
	l.Emit("put_ok", zap.String("rid", "r1"), zap.String("key", "x"))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0]["type"] != "node_start" || lines[1]["type"] != "put_ok" {
		t.Fatalf("unexpected types: %v, %v", lines[0]["type"], lines[1]["type"])
	}
	if lines[1]["rid"] != "r1" || lines[1]["key"] != "x" {
		t.Fatalf("missing rid/key fields: %v", lines[1])
	}
}

func TestEmitStampsRequiredFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(zapcore.AddSync(&buf), "node-7")
	l.Emit("get_ok")

	lines := decodeLines(t, &buf)
	ev := lines[0]
	for _, field := range []string{"ts_ms", "ts_iso", "node_id", "seq", "type"} {
		if _, ok := ev[field]; !ok {
			t.Errorf("event missing field %q: %v", field, ev)
		}
	}
	if ev["node_id"] != "node-7" {
		t.Fatalf("node_id = %v", ev["node_id"])
	}
}

func TestSequenceCounter(t *testing.T) {
	var buf bytes.Buffer
	l := New(zapcore.AddSync(&buf), "A")

	if got := l.Seq(); got != 0 {
		t.Fatalf("initial seq = %d, want 0", got)
	}
	if got := l.NextSeq(); got != 1 {
		t.Fatalf("NextSeq = %d, want 1", got)
	}
	l.Emit("put_ok")
	l.NextSeq()
	l.Emit("get_ok")

	lines := decodeLines(t, &buf)
	if lines[0]["seq"].(float64) != 1 {
		t.Fatalf("first event seq = %v, want 1", lines[0]["seq"])
	}
	if lines[1]["seq"].(float64) != 2 {
		t.Fatalf("second event seq = %v, want 2", lines[1]["seq"])
	}
}

func TestOpenAppendsToFile(t *testing.T) {
	path := t.TempDir() + "/events.jsonl"

	l, closeFn, err := Open(path, "A")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.Emit("node_start")
	if err := closeFn(); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, closeFn2, err := Open(path, "A")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	l2.Emit("node_stop")
	if err := closeFn2(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Fatalf("got %d lines, want 2 (append must not truncate)", got)
	}
}
