// Package review is the append-only journal of human gate decisions. A gate
// is satisfied only when the most recent decision for its id is an approval.
package review

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

	"github.com/google/uuid"
)

type DecisionStatus string

const (
	StatusApprove        DecisionStatus = "approve"
	StatusRequestChanges DecisionStatus = "request_changes"
	StatusRegenerate     DecisionStatus = "regenerate"
)

func ParseDecisionStatus(s string) (DecisionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return StatusApprove, nil
	case "request_changes", "request-changes", "changes":
		return StatusRequestChanges, nil
	case "regenerate":
		return StatusRegenerate, nil
	default:
		return "", fmt.Errorf("invalid decision status: %q", s)
	}
}

type Decision struct {
	ID          string         `json:"id"`
	GateID      string         `json:"gate_id"`
	Status      DecisionStatus `json:"status"`
	Notes       string         `json:"notes,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(logsRoot string) *Store {
	return &Store{path: filepath.Join(logsRoot, "gate_decisions.ndjson")}
}

// Append records a decision, stamping id and submission time when unset.
func (s *Store) Append(d Decision) (Decision, error) {
	if strings.TrimSpace(d.GateID) == "" {
		return Decision{}, fmt.Errorf("gate id is required")
	}
	if d.Status == "" {
		return Decision{}, fmt.Errorf("decision status is required")
	}
	if strings.TrimSpace(d.ID) == "" {
		d.ID = uuid.NewString()
	}
	if d.SubmittedAt.IsZero() {
		d.SubmittedAt = time.Now().UTC()
	}
	line, err := json.Marshal(d)
	if err != nil {
		return Decision{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return Decision{}, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Decision{}, err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return Decision{}, err
	}
	if err := f.Close(); err != nil {
		return Decision{}, err
	}
	return d, nil
}

// Decisions returns every recorded decision in submission order.
func (s *Store) Decisions() ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []Decision
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var d Decision
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			return nil, fmt.Errorf("decode %s: %w", s.path, err)
		}
		out = append(out, d)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// LatestDecision returns the most recently submitted decision for a gate, or
// nil when none has been recorded.
func (s *Store) LatestDecision(gateID string) (*Decision, error) {
	all, err := s.Decisions()
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].GateID == gateID {
			d := all[i]
			return &d, nil
		}
	}
	return nil, nil
}
