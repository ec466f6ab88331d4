package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/courseforge/courseforge/internal/procutil"
)

// Snapshot is a compact view of a run assembled from its on-disk artifacts,
// for status reporting. Best-effort fields stay empty when sources are absent.
type Snapshot struct {
	LogsRoot string
	RunID    string
	Status   RunStatus

	CurrentStep   string
	ActiveGate    *GateRef
	FailureStep   string
	FailureReason string

	LastEvent   string
	LastEventAt time.Time

	PID      int
	PIDAlive bool
}

// LoadSnapshot reads run artifacts in logsRoot and returns a run snapshot.
func LoadSnapshot(logsRoot string) (*Snapshot, error) {
	root := strings.TrimSpace(logsRoot)
	if root == "" {
		return nil, fmt.Errorf("logs root is required")
	}

	s := &Snapshot{LogsRoot: root, Status: RunUnknown}

	if err := applyRunState(s); err != nil {
		return nil, err
	}
	if err := applyLiveOrProgress(s); err != nil {
		return nil, err
	}
	terminal := s.Status == RunDone || s.Status == RunFailed || s.Status == RunCancelled
	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if s.Status == RunUnknown && s.PIDAlive {
		s.Status = RunRunning
	}
	return s, nil
}

func applyRunState(s *Snapshot) error {
	state, err := Load(s.LogsRoot)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	s.RunID = state.RunID
	s.Status = state.Status
	s.ActiveGate = state.ActiveGate
	s.FailureStep = state.FailureStep
	s.FailureReason = state.FailureReason
	// Current step: the last step not still queued, in fixed order.
	for _, name := range StepOrder {
		st, ok := state.Steps[name]
		if !ok || st.Status == StepQueued {
			continue
		}
		s.CurrentStep = name
		if st.Status == StepRunning || st.Status == StepPaused {
			break
		}
	}
	return nil
}

func applyLiveOrProgress(s *Snapshot) error {
	live, found, err := readLiveEvent(filepath.Join(s.LogsRoot, "live.json"))
	if err != nil {
		return err
	}
	if !found {
		live, found, err = readLastProgressEvent(filepath.Join(s.LogsRoot, "progress.ndjson"))
		if err != nil {
			return err
		}
	}
	if !found {
		return nil
	}
	s.LastEvent = eventString(live["event"])
	if ts := parseEventTime(live["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	return nil
}

func applyPIDFile(s *Snapshot, terminal bool) error {
	path := filepath.Join(s.LogsRoot, "run.pid")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminal {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	s.PIDAlive = procutil.PIDAlive(pid)
	return nil
}

func readLiveEvent(path string) (map[string]any, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var ev map[string]any
	if err := json.Unmarshal(b, &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func readLastProgressEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	last := ""
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", path, err)
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Time{}
}
