package runstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes via a temp file + rename so readers never observe a
// partial state file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, append(b, '\n'))
}

// StatePath is the canonical location of the run state file under a logs root.
func StatePath(logsRoot string) string {
	return filepath.Join(logsRoot, "run_state.json")
}

// Save persists the run state under the logs root.
func Save(logsRoot string, s *RunState) error {
	if s == nil {
		return fmt.Errorf("run state is nil")
	}
	return WriteJSONAtomic(StatePath(logsRoot), s)
}

// Load reads a previously persisted run state.
func Load(logsRoot string) (*RunState, error) {
	b, err := os.ReadFile(StatePath(logsRoot))
	if err != nil {
		return nil, err
	}
	var s RunState
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode %s: %w", StatePath(logsRoot), err)
	}
	return &s, nil
}
