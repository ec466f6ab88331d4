// Package pipeline drives a lesson-generation run through its fixed step
// order, persisting every state transition so an interrupted run resumes from
// its last completed step with prior artifacts reused, never regenerated.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/courseforge/courseforge/internal/agentcall"
	"github.com/courseforge/courseforge/internal/artifact"
	"github.com/courseforge/courseforge/internal/config"
	"github.com/courseforge/courseforge/internal/fallback"
	"github.com/courseforge/courseforge/internal/gen"
	"github.com/courseforge/courseforge/internal/review"
	"github.com/courseforge/courseforge/internal/runlog"
	"github.com/courseforge/courseforge/internal/runstate"
)

type Pipeline struct {
	Cfg      *config.File
	LogsRoot string

	State     *runstate.RunState
	Log       *runlog.Writer
	Artifacts *artifact.Store
	Reviews   *review.Store
	Gates     *GateController
	Events    *fallback.EventLog
	Isolator  *agentcall.Isolator
	Arb       *fallback.Arbitrator
}

// New starts a fresh run under logsRoot.
func New(cfg *config.File, logsRoot string, service gen.Service) (*Pipeline, error) {
	state := runstate.NewRunState(runstate.NewRunID(), runstate.Settings{
		Topic:      cfg.Settings.Topic,
		Audience:   cfg.Settings.Audience,
		Specialty:  cfg.Settings.Specialty,
		SlideCount: cfg.Settings.SlideCount,
	})
	p, err := assemble(cfg, logsRoot, service, state)
	if err != nil {
		return nil, err
	}
	p.save()
	return p, nil
}

// Open loads a persisted run for resumption. The paused or failed status is
// cleared; gates re-evaluate at the start of their resume steps, so nothing
// before the resume point re-runs.
func Open(cfg *config.File, logsRoot string, service gen.Service) (*Pipeline, error) {
	state, err := runstate.Load(logsRoot)
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}
	if state.Status == runstate.RunDone {
		return nil, fmt.Errorf("run %s already finished", state.RunID)
	}
	if snap, err := runstate.LoadSnapshot(logsRoot); err == nil && snap.PIDAlive && snap.PID != os.Getpid() {
		return nil, fmt.Errorf("run %s still executing under pid %d", state.RunID, snap.PID)
	}
	state.Status = runstate.RunRunning
	state.ActiveGate = nil
	state.FailureStep = ""
	state.FailureReason = ""
	for _, st := range state.Steps {
		if st.Status == runstate.StepRunning || st.Status == runstate.StepPaused || st.Status == runstate.StepError {
			st.Status = runstate.StepQueued
		}
	}
	return assemble(cfg, logsRoot, service, state)
}

func assemble(cfg *config.File, logsRoot string, service gen.Service, state *runstate.RunState) (*Pipeline, error) {
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return nil, err
	}
	mode, err := agentcall.ParseMode(cfg.Isolation.Mode)
	if err != nil {
		return nil, err
	}
	store, err := artifact.NewStore(logsRoot)
	if err != nil {
		return nil, err
	}

	log := runlog.New(logsRoot, state.RunID)
	reviews := review.NewStore(logsRoot)
	events := fallback.NewEventLog(logsRoot)
	iso := &agentcall.Isolator{
		Service:       service,
		Mode:          mode,
		Watchdog:      cfg.Timeouts.WatchdogCeiling(),
		WorkerCommand: cfg.Isolation.WorkerCommand,
		KillGrace:     cfg.Isolation.KillGrace(),
		Records:       agentcall.NewRecordLog(logsRoot),
		Log:           log,
	}
	p := &Pipeline{
		Cfg:       cfg,
		LogsRoot:  logsRoot,
		State:     state,
		Log:       log,
		Artifacts: store,
		Reviews:   reviews,
		Gates:     &GateController{LogsRoot: logsRoot, RunID: state.RunID, Reviews: reviews, Log: log},
		Events:    events,
		Isolator:  iso,
	}
	p.Arb = &fallback.Arbitrator{
		RunID:    state.RunID,
		Isolator: iso,
		Events:   events,
		Log:      log,
		Policy:   fallback.Policy(cfg.Policy),
		Backoff: fallback.BackoffConfig{
			InitialDelayMS: *cfg.Backoff.InitialDelayMS,
			BackoffFactor:  *cfg.Backoff.BackoffFactor,
			MaxDelayMS:     *cfg.Backoff.MaxDelayMS,
			Jitter:         *cfg.Backoff.Jitter,
		},
		Arbitration: fallback.ArbitrationConfig{
			Enabled: *cfg.Arbitration.Enabled,
			Rule:    cfg.Arbitration.Rule,
			Margin:  *cfg.Arbitration.Margin,
		},
		Scorer: &deckScorer{acceptMean: *cfg.QA.AcceptMean},
	}
	return p, nil
}

// stepArtifactGlobs names what each completed step must have left behind.
// Skipping a done step first verifies these; a miss fails the run.
var stepArtifactGlobs = map[string][]string{
	"outline":    {"outline.json"},
	"story_plan": {"story_plan.json"},
	"slides":     {"deck.json", "slides/slide-*.json"},
	"qa":         {"qa/result.json", "qa/deck.json"},
	"finalize":   {"final/lesson.json"},
}

// Run executes the pipeline from the first non-done step. It returns nil on
// completion, a PauseError when a gate suspends the run, and the failure
// otherwise. Cancellation is checked before every step starts.
func (p *Pipeline) Run(ctx context.Context) error {
	pid := strconv.Itoa(os.Getpid())
	_ = runstate.WriteFileAtomic(filepath.Join(p.LogsRoot, "run.pid"), []byte(pid+"\n"))
	p.Log.Append(map[string]any{
		"event":  "run_started",
		"mode":   string(p.Isolator.Mode),
		"policy": p.Cfg.Policy,
		"topic":  p.State.Settings.Topic,
	})

	for _, name := range runstate.StepOrder {
		if err := agentcall.ContextError(ctx); err != nil {
			p.cancelRun(err)
			p.writeFinal()
			return err
		}

		if p.State.Step(name).Status == runstate.StepDone {
			if err := p.verifyArtifacts(name); err != nil {
				p.failStep(name, err, false)
				p.writeFinal()
				return err
			}
			p.Log.Append(map[string]any{"event": "step_skipped", "step": name})
			continue
		}

		p.startStep(name)
		artifacts, err := p.runStepGuarded(ctx, name)
		if err != nil {
			var pe *PauseError
			if errors.As(err, &pe) {
				p.pauseStep(name, pe)
				return pe
			}
			p.failStep(name, err, agentcall.IsCancelled(err))
			p.writeFinal()
			return err
		}
		p.finishStep(name, artifacts)
	}

	p.finishRun()
	p.writeFinal()
	return nil
}

// runStepGuarded records a panicking step as errored before re-raising; the
// state on disk must never show a crashed step as still running.
func (p *Pipeline) runStepGuarded(ctx context.Context, name string) (artifacts []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.failStep(name, fmt.Errorf("step panicked: %v", r), false)
			p.writeFinal()
			panic(r)
		}
	}()
	return p.runStep(ctx, name)
}

func (p *Pipeline) runStep(ctx context.Context, name string) ([]string, error) {
	switch name {
	case "outline":
		return p.stepOutline(ctx)
	case "story_plan":
		return p.stepStoryPlan(ctx)
	case "slides":
		return p.stepSlides(ctx)
	case "qa":
		return p.stepQA(ctx)
	case "finalize":
		return p.stepFinalize(ctx)
	default:
		return nil, fmt.Errorf("unknown step: %q", name)
	}
}

// cancelRun marks the run cancelled without touching any step: a step whose
// body never started must never be recorded as running.
func (p *Pipeline) cancelRun(err error) {
	p.State.Status = runstate.RunCancelled
	p.State.FailureReason = err.Error()
	p.State.UpdatedAt = time.Now().UTC()
	p.save()
	p.Log.Append(map[string]any{"event": "run_cancelled", "error": err.Error()})
}

func (p *Pipeline) verifyArtifacts(name string) error {
	for _, pattern := range stepArtifactGlobs[name] {
		matches, err := p.Artifacts.Glob(pattern)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return &MissingArtifactError{Step: name, Name: pattern}
		}
	}
	return nil
}

type finalSummary struct {
	RunID         string          `json:"run_id"`
	Status        string          `json:"status"`
	Topic         string          `json:"topic"`
	FailureStep   string          `json:"failure_step,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Fallback      fallback.Counts `json:"fallback"`
	Artifacts     []string        `json:"artifacts,omitempty"`
	WrittenAt     time.Time       `json:"written_at"`
}

// writeFinal records the terminal summary. The fallback tally comes from the
// persisted event log so resumed runs include events from earlier processes.
func (p *Pipeline) writeFinal() {
	events, err := fallback.LoadEvents(p.LogsRoot)
	if err != nil {
		p.Log.Append(map[string]any{"event": "final_write_failed", "error": err.Error()})
		return
	}
	var counts fallback.Counts
	for _, ev := range events {
		switch ev.Mode {
		case fallback.ModeAgentRetry:
			counts.AgentRetries++
		case fallback.ModeDeterministicFallback:
			counts.Fallbacks++
		case fallback.ModeDeterministicArbitration:
			counts.Arbitrations++
		}
	}
	counts.Total = len(events)
	counts.Used = counts.Total > 0

	sum := finalSummary{
		RunID:         p.State.RunID,
		Status:        string(p.State.Status),
		Topic:         p.State.Settings.Topic,
		FailureStep:   p.State.FailureStep,
		FailureReason: p.State.FailureReason,
		Fallback:      counts,
		Artifacts:     p.Artifacts.Names(),
		WrittenAt:     time.Now().UTC(),
	}
	if err := runstate.WriteJSONAtomic(filepath.Join(p.LogsRoot, "final.json"), sum); err != nil {
		p.Log.Append(map[string]any{"event": "final_write_failed", "error": err.Error()})
	}
}

func (p *Pipeline) genSettings() gen.Settings {
	return gen.Settings{
		Topic:      p.State.Settings.Topic,
		Audience:   p.State.Settings.Audience,
		Specialty:  p.State.Settings.Specialty,
		SlideCount: p.State.Settings.SlideCount,
	}
}

func (p *Pipeline) descriptor() gen.Descriptor {
	return gen.Descriptor{Provider: p.Cfg.Agent.Provider, Model: p.Cfg.Agent.Model}
}
