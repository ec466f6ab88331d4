package pipeline

import (
	"time"

	"github.com/courseforge/courseforge/internal/runstate"
)

// Step and run transitions are persisted immediately: the state file on disk
// always reflects the last completed transition, so a crashed process leaves
// a resumable record rather than an in-memory fiction.

func (p *Pipeline) save() {
	if err := runstate.Save(p.LogsRoot, p.State); err != nil {
		p.Log.Append(map[string]any{"event": "state_write_failed", "error": err.Error()})
	}
}

func (p *Pipeline) startStep(name string) {
	st := p.State.Step(name)
	st.Status = runstate.StepRunning
	st.StartedAt = time.Now().UTC()
	st.FinishedAt = time.Time{}
	st.Error = ""
	p.State.Status = runstate.RunRunning
	p.State.UpdatedAt = st.StartedAt
	p.save()
	p.Log.Append(map[string]any{"event": "step_started", "step": name})
}

func (p *Pipeline) finishStep(name string, artifacts []string) {
	st := p.State.Step(name)
	st.Status = runstate.StepDone
	st.FinishedAt = time.Now().UTC()
	st.Artifacts = artifacts
	p.State.UpdatedAt = st.FinishedAt
	p.save()
	p.Log.Append(map[string]any{"event": "step_finished", "step": name, "artifacts": len(artifacts)})
}

func (p *Pipeline) pauseStep(name string, pe *PauseError) {
	st := p.State.Step(name)
	st.Status = runstate.StepPaused
	st.FinishedAt = time.Time{}
	p.State.Status = runstate.RunPaused
	p.State.ActiveGate = &runstate.GateRef{ID: pe.GateID, ResumeStep: pe.ResumeStep, Message: pe.Message}
	p.State.UpdatedAt = time.Now().UTC()
	p.save()
	p.Log.Append(map[string]any{"event": "run_paused", "step": name, "gate": pe.GateID})
}

func (p *Pipeline) failStep(name string, err error, cancelled bool) {
	st := p.State.Step(name)
	st.Status = runstate.StepError
	st.FinishedAt = time.Now().UTC()
	st.Error = err.Error()
	if cancelled {
		p.State.Status = runstate.RunCancelled
	} else {
		p.State.Status = runstate.RunFailed
	}
	p.State.FailureStep = name
	p.State.FailureReason = err.Error()
	p.State.UpdatedAt = st.FinishedAt
	p.save()
	p.Log.Append(map[string]any{
		"event":     "step_failed",
		"step":      name,
		"cancelled": cancelled,
		"error":     err.Error(),
	})
}

func (p *Pipeline) finishRun() {
	p.State.Status = runstate.RunDone
	p.State.ActiveGate = nil
	p.State.UpdatedAt = time.Now().UTC()
	p.save()
	p.Log.Append(map[string]any{"event": "run_finished"})
}
