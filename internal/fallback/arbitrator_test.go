package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/courseforge/courseforge/internal/agentcall"
	"github.com/courseforge/courseforge/internal/gen"
	"github.com/courseforge/courseforge/internal/runlog"
)

// flakyService fails for prompts containing any configured marker and answers
// with canned schema-valid output otherwise.
type flakyService struct {
	inner       *gen.SimulatedService
	failMarkers []string
	calls       int
}

func (s *flakyService) Invoke(ctx context.Context, req gen.Request) (*gen.RawResult, error) {
	s.calls++
	for _, m := range s.failMarkers {
		if strings.Contains(req.Prompt, m) {
			return nil, fmt.Errorf("synthetic transport failure (%s)", m)
		}
	}
	return s.inner.Invoke(ctx, req)
}

func testArbitrator(t *testing.T, svc gen.Service, policy Policy) (*Arbitrator, string) {
	t.Helper()
	root := t.TempDir()
	return &Arbitrator{
		RunID:    "test-run",
		Isolator: &agentcall.Isolator{Service: svc, Mode: agentcall.ModeInProcess, Log: runlog.New(root, "test-run")},
		Events:   NewEventLog(root),
		Log:      runlog.New(root, "test-run"),
		Policy:   policy,
		Backoff:  BackoffConfig{InitialDelayMS: 1, BackoffFactor: 1.0, MaxDelayMS: 5},
	}, root
}

func outlineTask(tiers []PromptTier) Task {
	settings := gen.Settings{Topic: "sepsis", SlideCount: 8}
	return Task{
		Stage:      "outline",
		Schema:     gen.SchemaOutline,
		Descriptor: gen.Descriptor{Provider: "simulated", Model: "default"},
		MaxTurns:   4,
		Tiers:      tiers,
		Deterministic: func() ([]byte, error) {
			return json.Marshal(gen.BuildOutline(settings))
		},
	}
}

func TestGenerate_FirstTierSucceeds_NoEvents(t *testing.T) {
	svc := &flakyService{inner: &gen.SimulatedService{Settings: gen.Settings{Topic: "sepsis"}}}
	a, _ := testArbitrator(t, svc, PolicyWarn)

	out, err := a.Generate(context.Background(), outlineTask([]PromptTier{
		{Name: "full", Prompt: "full prompt", Timeout: time.Second},
	}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Source != "agent" || out.Tier != "full" {
		t.Fatalf("got source=%s tier=%s, want agent/full", out.Source, out.Tier)
	}
	if c := a.Events.Counts(); c.Used || c.Total != 0 {
		t.Fatalf("expected no fallback events, got %+v", c)
	}
}

func TestGenerate_LadderRetriesThenSucceeds(t *testing.T) {
	svc := &flakyService{
		inner:       &gen.SimulatedService{Settings: gen.Settings{Topic: "sepsis"}},
		failMarkers: []string{"FULL"},
	}
	a, _ := testArbitrator(t, svc, PolicyWarn)

	out, err := a.Generate(context.Background(), outlineTask([]PromptTier{
		{Name: "full", Prompt: "FULL prompt", Timeout: time.Second},
		{Name: "compact", Prompt: "compact prompt", Timeout: time.Second},
	}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Source != "agent" || out.Tier != "compact" {
		t.Fatalf("got source=%s tier=%s, want agent/compact", out.Source, out.Tier)
	}
	c := a.Events.Counts()
	if c.AgentRetries != 1 || c.Fallbacks != 0 || c.Arbitrations != 0 {
		t.Fatalf("counts: %+v", c)
	}
	if c.Total != c.AgentRetries+c.Fallbacks+c.Arbitrations {
		t.Fatalf("per-mode counts do not sum to total: %+v", c)
	}
	if !c.Used {
		t.Fatalf("expected Used=true with %d events", c.Total)
	}
}

func TestGenerate_ExhaustedLadderFallsBackDeterministic(t *testing.T) {
	svc := &flakyService{
		inner:       &gen.SimulatedService{Settings: gen.Settings{Topic: "sepsis"}},
		failMarkers: []string{"FULL", "COMPACT", "KERNEL"},
	}
	a, root := testArbitrator(t, svc, PolicyWarn)

	out, err := a.Generate(context.Background(), outlineTask([]PromptTier{
		{Name: "full", Prompt: "FULL", Timeout: time.Second},
		{Name: "compact", Prompt: "COMPACT", Timeout: time.Second},
		{Name: "kernel", Prompt: "KERNEL", Timeout: time.Second},
	}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Source != "deterministic" {
		t.Fatalf("got source=%s, want deterministic", out.Source)
	}
	if err := gen.Validate(gen.SchemaOutline, out.Raw); err != nil {
		t.Fatalf("deterministic output failed schema: %v", err)
	}
	c := a.Events.Counts()
	if c.AgentRetries != 2 || c.Fallbacks != 1 {
		t.Fatalf("counts: %+v", c)
	}
	if c.Total != c.AgentRetries+c.Fallbacks+c.Arbitrations {
		t.Fatalf("per-mode counts do not sum to total: %+v", c)
	}

	// The persisted log matches the in-memory tally.
	loaded, err := LoadEvents(root)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(loaded) != c.Total {
		t.Fatalf("persisted %d events, in-memory %d", len(loaded), c.Total)
	}
}

func TestGenerate_StrictPolicyReRaisesFirstFailure(t *testing.T) {
	svc := &flakyService{
		inner:       &gen.SimulatedService{Settings: gen.Settings{Topic: "sepsis"}},
		failMarkers: []string{"FULL"},
	}
	a, _ := testArbitrator(t, svc, PolicyStrict)

	_, err := a.Generate(context.Background(), outlineTask([]PromptTier{
		{Name: "full", Prompt: "FULL", Timeout: time.Second},
		{Name: "compact", Prompt: "compact", Timeout: time.Second},
	}))
	if err == nil {
		t.Fatal("expected error under strict policy")
	}
	if svc.calls != 1 {
		t.Fatalf("expected exactly 1 call under strict policy, got %d", svc.calls)
	}
	if c := a.Events.Counts(); c.Total != 0 {
		t.Fatalf("strict policy must not record fallback events: %+v", c)
	}
}

func TestGenerate_CancellationAlwaysPropagates(t *testing.T) {
	svc := &flakyService{inner: &gen.SimulatedService{Settings: gen.Settings{Topic: "sepsis"}}}
	a, _ := testArbitrator(t, svc, PolicyWarn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Generate(ctx, outlineTask([]PromptTier{
		{Name: "full", Prompt: "full", Timeout: time.Second},
		{Name: "compact", Prompt: "compact", Timeout: time.Second},
	}))
	if !agentcall.IsCancelled(err) {
		t.Fatalf("expected cancelled error, got %v", err)
	}
	if c := a.Events.Counts(); c.Fallbacks != 0 {
		t.Fatalf("cancellation must not trigger deterministic fallback: %+v", c)
	}
}

// scriptedScorer returns fixed means per source marker in the raw content.
type scriptedScorer struct {
	agentMean float64
	detMean   float64
	agentMust int
	detMust   int
}

func (s *scriptedScorer) Score(stage string, raw []byte) (ScoreReport, error) {
	if strings.Contains(string(raw), "AGENT") {
		return ScoreReport{Mean: s.agentMean, MustFindings: s.agentMust}, nil
	}
	return ScoreReport{Mean: s.detMean, MustFindings: s.detMust}, nil
}

func arbitrationTask(detRaw string) Task {
	return Task{
		Stage:         "slides",
		Schema:        gen.SchemaSlideDeck,
		Tiers:         []PromptTier{{Name: "full", Prompt: "p", Timeout: time.Second}},
		Deterministic: func() ([]byte, error) { return []byte(detRaw), nil },
	}
}

func validDeckJSON(marker string) string {
	deck := gen.SlideDeck{
		Title: "t " + marker,
		Slides: []gen.Slide{
			{ID: "slide-001", SectionID: "sec-01", Title: "a", Body: marker},
		},
	}
	b, _ := json.Marshal(deck)
	return string(b)
}

func TestGenerate_ArbitrationPrefersDeterministicBeyondMargin(t *testing.T) {
	agentRaw := validDeckJSON("AGENT")
	detRaw := validDeckJSON("DET")
	svc := &gen.SimulatedService{Respond: func(req gen.Request) ([]byte, error) {
		return []byte(agentRaw), nil
	}}
	a, _ := testArbitrator(t, svc, PolicyWarn)
	a.Arbitration = ArbitrationConfig{Enabled: true, Rule: "weighted_mean", Margin: 0.7}
	a.Scorer = &scriptedScorer{agentMean: 6.0, detMean: 8.0}

	out, err := a.Generate(context.Background(), arbitrationTask(detRaw))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Source != "deterministic" {
		t.Fatalf("got source=%s, want deterministic", out.Source)
	}
	c := a.Events.Counts()
	if c.Arbitrations != 1 || c.Total != 1 {
		t.Fatalf("counts: %+v", c)
	}
}

func TestGenerate_ArbitrationKeepsAgentWithinMargin(t *testing.T) {
	agentRaw := validDeckJSON("AGENT")
	detRaw := validDeckJSON("DET")
	svc := &gen.SimulatedService{Respond: func(req gen.Request) ([]byte, error) {
		return []byte(agentRaw), nil
	}}
	a, _ := testArbitrator(t, svc, PolicyWarn)
	a.Arbitration = ArbitrationConfig{Enabled: true, Rule: "weighted_mean", Margin: 0.7}
	a.Scorer = &scriptedScorer{agentMean: 7.8, detMean: 8.0}

	out, err := a.Generate(context.Background(), arbitrationTask(detRaw))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Source != "agent" {
		t.Fatalf("got source=%s, want agent", out.Source)
	}
	if c := a.Events.Counts(); c.Total != 0 {
		t.Fatalf("keeping the agent output must not record an event: %+v", c)
	}
}

func TestGenerate_ArbitrationMustFindingsRule(t *testing.T) {
	agentRaw := validDeckJSON("AGENT")
	detRaw := validDeckJSON("DET")
	svc := &gen.SimulatedService{Respond: func(req gen.Request) ([]byte, error) {
		return []byte(agentRaw), nil
	}}
	a, _ := testArbitrator(t, svc, PolicyWarn)
	a.Arbitration = ArbitrationConfig{Enabled: true, Rule: "must_findings"}
	a.Scorer = &scriptedScorer{agentMean: 9.0, detMean: 5.0, agentMust: 2, detMust: 0}

	out, err := a.Generate(context.Background(), arbitrationTask(detRaw))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out.Source != "deterministic" {
		t.Fatalf("got source=%s, want deterministic (fewer must findings)", out.Source)
	}
}

func TestGenerate_NoTiersIsAnError(t *testing.T) {
	a, _ := testArbitrator(t, &gen.SimulatedService{}, PolicyWarn)
	_, err := a.Generate(context.Background(), Task{Stage: "outline"})
	if err == nil || !strings.Contains(err.Error(), "no prompt tiers") {
		t.Fatalf("expected no-tiers error, got %v", err)
	}
}
