package runstate

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// StepStatus is the lifecycle state of one pipeline step attempt.
type StepStatus string

const (
	StepQueued  StepStatus = "queued"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepError   StepStatus = "error"
	StepPaused  StepStatus = "paused"
)

func ParseStepStatus(s string) (StepStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queued":
		return StepQueued, nil
	case "running":
		return StepRunning, nil
	case "done", "success", "ok":
		return StepDone, nil
	case "error", "fail", "failure":
		return StepError, nil
	case "paused":
		return StepPaused, nil
	default:
		return "", fmt.Errorf("invalid step status: %q", s)
	}
}

// RunStatus is the run-level state derived from step transitions.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunDone      RunStatus = "done"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunUnknown   RunStatus = "unknown"
)

// StepOrder is the fixed total order of pipeline steps. Resuming from an
// arbitrary step reuses persisted artifacts for everything before it.
var StepOrder = []string{"outline", "story_plan", "slides", "qa", "finalize"}

// StepIndex returns the position of a step in the fixed order, or -1.
func StepIndex(name string) int {
	for i, s := range StepOrder {
		if s == name {
			return i
		}
	}
	return -1
}

// StepState records one attempt of one step. A rerun replaces the entry with
// a fresh StepState; terminal entries are never mutated in place.
type StepState struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	Artifacts  []string   `json:"artifacts,omitempty"`
}

// GateRef identifies the approval gate a paused run is waiting on.
type GateRef struct {
	ID         string `json:"id"`
	ResumeStep string `json:"resume_step"`
	Message    string `json:"message,omitempty"`
}

// Settings are the per-run generation inputs.
type Settings struct {
	Topic      string `json:"topic"`
	Audience   string `json:"audience,omitempty"`
	Specialty  string `json:"specialty,omitempty"`
	SlideCount int    `json:"slide_count,omitempty"`
}

// RunState is the per-run aggregate. The run controller is the sole writer;
// everything else reads snapshots from disk.
type RunState struct {
	RunID         string                `json:"run_id"`
	Settings      Settings              `json:"settings"`
	Status        RunStatus             `json:"status"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Steps         map[string]*StepState `json:"steps"`
	ActiveGate    *GateRef              `json:"active_gate,omitempty"`
	FailureStep   string                `json:"failure_step,omitempty"`
	FailureReason string                `json:"failure_reason,omitempty"`
}

func NewRunState(runID string, settings Settings) *RunState {
	now := time.Now().UTC()
	return &RunState{
		RunID:     runID,
		Settings:  settings,
		Status:    RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Steps:     map[string]*StepState{},
	}
}

// Step returns the state for a step, creating a queued entry on first touch.
func (r *RunState) Step(name string) *StepState {
	if r.Steps == nil {
		r.Steps = map[string]*StepState{}
	}
	if st, ok := r.Steps[name]; ok {
		return st
	}
	st := &StepState{Name: name, Status: StepQueued}
	r.Steps[name] = st
	return st
}

// NewRunID returns a fresh filesystem-safe run identifier.
func NewRunID() string {
	return strings.ToLower(ulid.Make().String())
}
