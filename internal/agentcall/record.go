package agentcall

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record is one row of the append-only agent-call audit trail. Every
// invocation appends exactly one record, success or failure.
type Record struct {
	CallID     string    `json:"call_id"`
	Step       string    `json:"step"`
	CallKey    string    `json:"call_key"`
	Mode       Mode      `json:"mode"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	TimeoutMS  int64     `json:"timeout_ms"`
	Outcome    string    `json:"outcome"` // ok | error
	Error      string    `json:"error,omitempty"`
}

// RecordLog persists the running list of call records as NDJSON.
type RecordLog struct {
	mu      sync.Mutex
	path    string
	records []Record
}

func NewRecordLog(logsRoot string) *RecordLog {
	return &RecordLog{path: filepath.Join(logsRoot, "agent_calls.ndjson")}
}

func (l *RecordLog) Append(r Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	l.records = append(l.records, r)
	return nil
}

// Records returns a copy of the in-memory record list.
func (l *RecordLog) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record{}, l.records...)
}

// LoadRecords reads a persisted audit trail.
func LoadRecords(logsRoot string) ([]Record, error) {
	path := filepath.Join(logsRoot, "agent_calls.ndjson")
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
