package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/courseforge/courseforge/internal/agentcall"
	"github.com/courseforge/courseforge/internal/config"
	"github.com/courseforge/courseforge/internal/fallback"
	"github.com/courseforge/courseforge/internal/gen"
	"github.com/courseforge/courseforge/internal/review"
	"github.com/courseforge/courseforge/internal/runstate"
)

// countingService wraps the simulated service, tallying calls per content
// type and failing the configured types.
type countingService struct {
	inner     *gen.SimulatedService
	calls     map[string]int
	failTypes map[string]bool
}

func newCountingService(topic string) *countingService {
	return &countingService{
		inner: &gen.SimulatedService{Settings: gen.Settings{Topic: topic, SlideCount: 8}},
		calls: map[string]int{},
	}
}

func (s *countingService) Invoke(ctx context.Context, req gen.Request) (*gen.RawResult, error) {
	s.calls[req.ContentType]++
	if s.failTypes[req.ContentType] {
		return nil, fmt.Errorf("synthetic transport failure for %s", req.ContentType)
	}
	return s.inner.Invoke(ctx, req)
}

func testConfig(t *testing.T) *config.File {
	t.Helper()
	cfg := &config.File{
		Version:  1,
		Settings: config.SettingsConfig{Topic: "sepsis", Audience: "EM residents", SlideCount: 8},
		Backoff:  config.BackoffConfig{},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}
	// Keep retry sleeps negligible in tests.
	one := 1
	cfg.Backoff.InitialDelayMS = &one
	return cfg
}

func approve(t *testing.T, root string, gateID string) {
	t.Helper()
	if _, err := review.NewStore(root).Append(review.Decision{GateID: gateID, Status: review.StatusApprove}); err != nil {
		t.Fatalf("approve %s: %v", gateID, err)
	}
}

func TestRun_PausesAtStoryPlanGate(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	svc := newCountingService("sepsis")

	p, err := New(cfg, root, svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = p.Run(context.Background())

	var pe *PauseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected pause, got %v", err)
	}
	if pe.GateID != GateStoryPlan || pe.ResumeStep != "slides" {
		t.Fatalf("pause: %+v", pe)
	}
	if !IsPause(err) {
		t.Fatal("IsPause must recognize the error")
	}

	state, err := runstate.Load(root)
	if err != nil {
		t.Fatalf("Load state: %v", err)
	}
	if state.Status != runstate.RunPaused {
		t.Fatalf("status: %s", state.Status)
	}
	if state.ActiveGate == nil || state.ActiveGate.ID != GateStoryPlan {
		t.Fatalf("active gate: %+v", state.ActiveGate)
	}
	if state.Steps["outline"].Status != runstate.StepDone || state.Steps["story_plan"].Status != runstate.StepDone {
		t.Fatalf("earlier steps: %+v", state.Steps)
	}
	if state.Steps["slides"].Status != runstate.StepPaused {
		t.Fatalf("slides step: %+v", state.Steps["slides"])
	}

	for _, name := range []string{"outline.json", "story_plan.json"} {
		if !p.Artifacts.Has(name) {
			t.Fatalf("artifact %s missing", name)
		}
	}
	if p.Artifacts.Has("deck.json") {
		t.Fatal("deck generated before gate approval")
	}
	if _, err := os.Stat(filepath.Join(root, "gates", GateStoryPlan+".json")); err != nil {
		t.Fatalf("gate requirement file: %v", err)
	}
	// Gate pause happens before any slide generation call.
	if svc.calls[gen.SchemaSlideDeck] != 0 {
		t.Fatalf("slide calls before approval: %d", svc.calls[gen.SchemaSlideDeck])
	}
}

func TestResume_AfterApprovalDoesNotRerunEarlierSteps(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	svc := newCountingService("sepsis")

	p, err := New(cfg, root, svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Run(context.Background()); !IsPause(err) {
		t.Fatalf("first run: %v", err)
	}

	approve(t, root, GateStoryPlan)
	p, err = Open(cfg, root, svc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = p.Run(context.Background())
	var pe *PauseError
	if !errors.As(err, &pe) || pe.GateID != GateFinal {
		t.Fatalf("second run: %v", err)
	}

	// Earlier generation happened exactly once across both runs.
	if svc.calls[gen.SchemaOutline] != 1 || svc.calls[gen.SchemaStoryPlan] != 1 {
		t.Fatalf("re-invoked earlier steps: %v", svc.calls)
	}
	if svc.calls[gen.SchemaSlideDeck] != 1 {
		t.Fatalf("slide calls: %d", svc.calls[gen.SchemaSlideDeck])
	}

	matches, err := p.Artifacts.Glob("slides/slide-*.json")
	if err != nil || len(matches) == 0 {
		t.Fatalf("per-slide artifacts: %v %v", matches, err)
	}
	if !p.Artifacts.Has("qa/result.json") || !p.Artifacts.Has("qa/deck.json") {
		t.Fatal("qa artifacts missing")
	}

	approve(t, root, GateFinal)
	p, err = Open(cfg, root, svc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("final run: %v", err)
	}

	state, err := runstate.Load(root)
	if err != nil {
		t.Fatalf("Load state: %v", err)
	}
	if state.Status != runstate.RunDone || state.ActiveGate != nil {
		t.Fatalf("terminal state: %+v", state)
	}
	if !p.Artifacts.Has("final/lesson.json") {
		t.Fatal("lesson missing")
	}
	if _, err := os.Stat(filepath.Join(root, "final.json")); err != nil {
		t.Fatalf("final summary: %v", err)
	}

	var lesson gen.Lesson
	if err := p.Artifacts.GetJSON("final/lesson.json", &lesson); err != nil {
		t.Fatalf("lesson: %v", err)
	}
	if lesson.Topic != "sepsis" || len(lesson.Deck.Slides) == 0 {
		t.Fatalf("lesson content: topic=%q slides=%d", lesson.Topic, len(lesson.Deck.Slides))
	}
}

func TestRun_CancelledBeforeStartTouchesNoStep(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	svc := newCountingService("sepsis")

	p, err := New(cfg, root, svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = p.Run(ctx)
	if !agentcall.IsCancelled(err) {
		t.Fatalf("expected cancelled, got %v", err)
	}

	state, err := runstate.Load(root)
	if err != nil {
		t.Fatalf("Load state: %v", err)
	}
	if state.Status != runstate.RunCancelled {
		t.Fatalf("status: %s", state.Status)
	}
	for name, st := range state.Steps {
		if st.Status == runstate.StepRunning || st.Status == runstate.StepDone {
			t.Fatalf("step %s reached %s after pre-start cancellation", name, st.Status)
		}
	}
	if len(svc.calls) != 0 {
		t.Fatalf("service invoked: %v", svc.calls)
	}
}

func TestResume_MissingArtifactFailsLoudly(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	svc := newCountingService("sepsis")

	p, err := New(cfg, root, svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Run(context.Background()); !IsPause(err) {
		t.Fatalf("first run: %v", err)
	}

	// Simulate lost artifacts: the index is gone, so nothing resolves.
	if err := os.Remove(filepath.Join(root, "artifacts", "index.ndjson")); err != nil {
		t.Fatalf("remove index: %v", err)
	}
	approve(t, root, GateStoryPlan)

	p, err = Open(cfg, root, svc)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = p.Run(context.Background())
	var missing *MissingArtifactError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing-artifact failure, got %v", err)
	}
	if missing.Step != "outline" {
		t.Fatalf("missing: %+v", missing)
	}
	if svc.calls[gen.SchemaOutline] != 1 {
		t.Fatalf("a missing artifact must not be silently regenerated: %v", svc.calls)
	}

	state, err := runstate.Load(root)
	if err != nil {
		t.Fatalf("Load state: %v", err)
	}
	if state.Status != runstate.RunFailed || state.FailureStep != "outline" {
		t.Fatalf("state: %+v", state)
	}
}

func TestRun_StrictPolicyPropagatesAgentFailure(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	cfg.Policy = "strict"
	svc := newCountingService("sepsis")
	svc.failTypes = map[string]bool{gen.SchemaSlideDeck: true}
	approve(t, root, GateStoryPlan)

	p, err := New(cfg, root, svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = p.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure under strict policy")
	}
	var ce *agentcall.CallError
	if !errors.As(err, &ce) || ce.Class != agentcall.ClassTransport {
		t.Fatalf("error: %v", err)
	}

	state, err := runstate.Load(root)
	if err != nil {
		t.Fatalf("Load state: %v", err)
	}
	if state.Status != runstate.RunFailed || state.FailureStep != "slides" {
		t.Fatalf("state: %+v", state)
	}
	// Strict policy stops on the first tier; one attempt, no recovery events.
	if svc.calls[gen.SchemaSlideDeck] != 1 {
		t.Fatalf("slide calls: %d", svc.calls[gen.SchemaSlideDeck])
	}
	events, err := fallback.LoadEvents(root)
	if err != nil || len(events) != 0 {
		t.Fatalf("events: %v %v", events, err)
	}
}

func TestRun_WarnPolicyFallsBackDeterministically(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	svc := newCountingService("sepsis")
	svc.failTypes = map[string]bool{gen.SchemaSlideDeck: true}
	approve(t, root, GateStoryPlan)
	approve(t, root, GateFinal)

	p, err := New(cfg, root, svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	state, err := runstate.Load(root)
	if err != nil {
		t.Fatalf("Load state: %v", err)
	}
	if state.Status != runstate.RunDone {
		t.Fatalf("status: %s (reason %s)", state.Status, state.FailureReason)
	}

	// All three tiers attempted, then the deterministic generator stepped in.
	if svc.calls[gen.SchemaSlideDeck] != 3 {
		t.Fatalf("slide calls: %d", svc.calls[gen.SchemaSlideDeck])
	}
	deck, err := p.Artifacts.Get("deck.json")
	if err != nil {
		t.Fatalf("deck: %v", err)
	}
	if err := gen.Validate(gen.SchemaSlideDeck, deck); err != nil {
		t.Fatalf("fallback deck failed schema: %v", err)
	}

	events, err := fallback.LoadEvents(root)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	var retries, fallbacks, arbitrations int
	for _, ev := range events {
		switch ev.Mode {
		case fallback.ModeAgentRetry:
			retries++
		case fallback.ModeDeterministicFallback:
			fallbacks++
		case fallback.ModeDeterministicArbitration:
			arbitrations++
		}
	}
	if retries != 2 || fallbacks != 1 || arbitrations != 0 {
		t.Fatalf("events: retries=%d fallbacks=%d arbitrations=%d", retries, fallbacks, arbitrations)
	}
	if retries+fallbacks+arbitrations != len(events) {
		t.Fatalf("per-mode counts do not sum to total %d", len(events))
	}
}

func TestOpen_FinishedRunRefusesResume(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	svc := newCountingService("sepsis")
	approve(t, root, GateStoryPlan)
	approve(t, root, GateFinal)

	p, err := New(cfg, root, svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := Open(cfg, root, svc); err == nil {
		t.Fatal("resume of a finished run accepted")
	}
}

func TestOpen_LiveRunRefusesResume(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(t)
	svc := newCountingService("sepsis")

	p, err := New(cfg, root, svc)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = p.Run(context.Background())
	if !IsPause(err) {
		t.Fatalf("expected pause, got %v", err)
	}

	// Pretend another process still owns the run. PID 1 is always alive.
	if err := os.WriteFile(filepath.Join(root, "run.pid"), []byte("1\n"), 0o644); err != nil {
		t.Fatalf("write run.pid: %v", err)
	}
	if _, err := Open(cfg, root, svc); err == nil {
		t.Fatal("resume of a live run accepted")
	}

	// Stale pid: resume proceeds.
	if err := os.WriteFile(filepath.Join(root, "run.pid"), []byte("4194305\n"), 0o644); err != nil {
		t.Fatalf("write run.pid: %v", err)
	}
	if _, err := Open(cfg, root, svc); err != nil {
		t.Fatalf("resume with stale pid refused: %v", err)
	}
}
