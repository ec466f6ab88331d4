// Package runlog appends structured progress events to a run's logs root.
// Events land in progress.ndjson (append-only feed) and live.json (latest
// event mirror). Writes are best-effort: a failing log must never fail a run.
package runlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/courseforge/courseforge/internal/runstate"
)

type Writer struct {
	mu       sync.Mutex
	logsRoot string
	runID    string
}

func New(logsRoot string, runID string) *Writer {
	return &Writer{logsRoot: logsRoot, runID: runID}
}

// Append records one event. A ts and run_id are stamped on; the caller's map
// is not retained.
func (w *Writer) Append(ev map[string]any) {
	if w == nil || strings.TrimSpace(w.logsRoot) == "" {
		return
	}
	copied := make(map[string]any, len(ev)+2)
	for k, v := range ev {
		copied[k] = v
	}
	copied["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	if w.runID != "" {
		copied["run_id"] = w.runID
	}
	b, err := json.Marshal(copied)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_ = os.MkdirAll(w.logsRoot, 0o755)
	f, err := os.OpenFile(filepath.Join(w.logsRoot, "progress.ndjson"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		_, _ = f.Write(append(b, '\n'))
		_ = f.Close()
	}
	_ = runstate.WriteFileAtomic(filepath.Join(w.logsRoot, "live.json"), append(b, '\n'))
}

// Events reads every event from a progress.ndjson feed. Intended for tests
// and status tooling; malformed lines are skipped.
func Events(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
