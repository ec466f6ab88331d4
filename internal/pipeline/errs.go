package pipeline

import (
	"errors"
	"fmt"
)

// PauseError suspends a run at a human approval gate. It is a control signal,
// not a failure: the run persists as paused and the caller exits cleanly.
type PauseError struct {
	GateID     string
	ResumeStep string
	Message    string
}

func (e *PauseError) Error() string {
	return fmt.Sprintf("run paused at gate %s (resume step %s): %s", e.GateID, e.ResumeStep, e.Message)
}

// IsPause reports whether err is (or wraps) a gate pause.
func IsPause(err error) bool {
	var pe *PauseError
	return errors.As(err, &pe)
}

// MissingArtifactError means a step was skipped as already done but a required
// artifact it should have produced is absent. Resuming never silently
// regenerates; the run fails loudly instead.
type MissingArtifactError struct {
	Step string
	Name string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("step %s is recorded done but artifact %q is missing", e.Step, e.Name)
}
