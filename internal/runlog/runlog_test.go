package runlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAppend_WritesFeedAndLiveMirror(t *testing.T) {
	root := t.TempDir()
	w := New(root, "run-abc")
	w.Append(map[string]any{"event": "step_started", "step": "outline"})
	w.Append(map[string]any{"event": "step_finished", "step": "outline"})

	events, err := Events(filepath.Join(root, "progress.ndjson"))
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events: %d", len(events))
	}
	for _, ev := range events {
		if ev["run_id"] != "run-abc" {
			t.Fatalf("run_id missing: %v", ev)
		}
		if ev["ts"] == nil || ev["ts"] == "" {
			t.Fatalf("ts missing: %v", ev)
		}
	}

	b, err := os.ReadFile(filepath.Join(root, "live.json"))
	if err != nil {
		t.Fatalf("live.json: %v", err)
	}
	var live map[string]any
	if err := json.Unmarshal(b, &live); err != nil {
		t.Fatalf("decode live.json: %v", err)
	}
	if live["event"] != "step_finished" {
		t.Fatalf("live mirror not latest: %v", live)
	}
}

func TestAppend_NilWriterIsNoOp(t *testing.T) {
	var w *Writer
	w.Append(map[string]any{"event": "ignored"})
}

func TestEvents_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.ndjson")
	content := "{\"event\":\"ok\"}\nnot json\n\n{\"event\":\"also ok\"}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	events, err := Events(path)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events: %d", len(events))
	}
}
