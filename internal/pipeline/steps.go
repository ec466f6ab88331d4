package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/courseforge/courseforge/internal/fallback"
	"github.com/courseforge/courseforge/internal/gen"
	"github.com/courseforge/courseforge/internal/qa"
)

func (p *Pipeline) stepOutline(ctx context.Context) ([]string, error) {
	settings := p.genSettings()
	out, err := p.Arb.Generate(ctx, fallback.Task{
		Stage:      "outline",
		Schema:     gen.SchemaOutline,
		Descriptor: p.descriptor(),
		MaxTurns:   *p.Cfg.Agent.MaxTurns,
		Tiers: []fallback.PromptTier{
			{Name: "full", Prompt: outlinePrompt(settings), Timeout: p.Cfg.Timeouts.Call()},
		},
		Deterministic: func() ([]byte, error) {
			return json.Marshal(gen.BuildOutline(settings))
		},
	})
	if err != nil {
		return nil, err
	}
	if err := p.Artifacts.Put("outline", "outline.json", out.Raw); err != nil {
		return nil, err
	}
	p.Log.Append(map[string]any{"event": "artifact_written", "step": "outline", "name": "outline.json", "source": out.Source})
	return []string{"outline.json"}, nil
}

func (p *Pipeline) stepStoryPlan(ctx context.Context) ([]string, error) {
	settings := p.genSettings()
	var outline gen.Outline
	if err := p.Artifacts.GetJSON("outline.json", &outline); err != nil {
		return nil, err
	}
	out, err := p.Arb.Generate(ctx, fallback.Task{
		Stage:      "story_plan",
		Schema:     gen.SchemaStoryPlan,
		Descriptor: p.descriptor(),
		MaxTurns:   *p.Cfg.Agent.MaxTurns,
		Tiers: []fallback.PromptTier{
			{Name: "full", Prompt: storyPlanPrompt(settings, outline), Timeout: p.Cfg.Timeouts.Call()},
		},
		Deterministic: func() ([]byte, error) {
			return json.Marshal(gen.BuildStoryPlan(settings, outline))
		},
	})
	if err != nil {
		return nil, err
	}
	if err := p.Artifacts.Put("story_plan", "story_plan.json", out.Raw); err != nil {
		return nil, err
	}
	p.Log.Append(map[string]any{"event": "artifact_written", "step": "story_plan", "name": "story_plan.json", "source": out.Source})
	return []string{"story_plan.json"}, nil
}

// stepSlides re-checks the story-plan gate before anything else, so a resumed
// run lands here directly without re-running outline or story_plan.
func (p *Pipeline) stepSlides(ctx context.Context) ([]string, error) {
	if err := p.Gates.RequireApproval(GateStoryPlan, "slides", "story_plan.json", "story plan awaiting review"); err != nil {
		return nil, err
	}

	settings := p.genSettings()
	var outline gen.Outline
	if err := p.Artifacts.GetJSON("outline.json", &outline); err != nil {
		return nil, err
	}
	var plan gen.StoryPlan
	if err := p.Artifacts.GetJSON("story_plan.json", &plan); err != nil {
		return nil, err
	}

	out, err := p.Arb.Generate(ctx, fallback.Task{
		Stage:      "slides",
		Schema:     gen.SchemaSlideDeck,
		Descriptor: p.descriptor(),
		MaxTurns:   *p.Cfg.Agent.MaxTurns,
		Tiers: []fallback.PromptTier{
			{Name: "full", Prompt: slidesPromptFull(settings, outline, plan), Timeout: p.Cfg.Timeouts.SlidesFull()},
			{Name: "compact", Prompt: slidesPromptCompact(settings, outline, plan), Timeout: p.Cfg.Timeouts.SlidesCompact()},
			{Name: "kernel", Prompt: slidesPromptKernel(settings), Timeout: p.Cfg.Timeouts.SlidesKernel()},
		},
		Deterministic: func() ([]byte, error) {
			return json.Marshal(gen.BuildSlideDeck(settings, outline, plan))
		},
	})
	if err != nil {
		return nil, err
	}

	var deck gen.SlideDeck
	if err := json.Unmarshal(out.Raw, &deck); err != nil {
		return nil, fmt.Errorf("decode slide deck: %w", err)
	}
	if err := p.Artifacts.Put("slides", "deck.json", out.Raw); err != nil {
		return nil, err
	}
	artifacts := []string{"deck.json"}
	for _, s := range deck.Slides {
		name := "slides/" + s.ID + ".json"
		if err := p.Artifacts.PutJSON("slides", name, s); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, name)
	}
	p.Log.Append(map[string]any{"event": "artifact_written", "step": "slides", "name": "deck.json", "slides": len(deck.Slides), "source": out.Source, "tier": out.Tier})
	return artifacts, nil
}

func (p *Pipeline) stepQA(ctx context.Context) ([]string, error) {
	var deck gen.SlideDeck
	if err := p.Artifacts.GetJSON("deck.json", &deck); err != nil {
		return nil, err
	}
	var plan gen.StoryPlan
	if err := p.Artifacts.GetJSON("story_plan.json", &plan); err != nil {
		return nil, err
	}
	ws := &qa.WorkingSet{Deck: &deck, Plan: &plan}

	loop := &qa.Loop{
		Lint: &qa.DeckLinter{},
		Quality: &arbitratedScorer{
			arb:        p.Arb,
			heuristic:  &qa.HeuristicScorer{AcceptMean: *p.Cfg.QA.AcceptMean},
			descriptor: p.descriptor(),
			maxTurns:   *p.Cfg.Agent.MaxTurns,
			timeout:    p.Cfg.Timeouts.Call(),
			acceptMean: *p.Cfg.QA.AcceptMean,
		},
		Patcher: qa.NewPatcher(),
		Config: qa.Config{
			PatchBudget: *p.Cfg.QA.PatchBudget,
			Policy:      fallback.Policy(p.Cfg.Policy),
		},
		Log: p.Log,
	}

	res, loopErr := loop.Run(ctx, ws)
	if res == nil {
		return nil, loopErr
	}

	// Persist the terminal reports and the patched working set even when the
	// verdict stays unmet: a reviewer needs to see what the loop left behind.
	artifacts := []string{"qa/result.json", "qa/lint_report.json", "qa/quality_report.json", "qa/deck.json", "qa/story_plan.json"}
	writes := []struct {
		name string
		v    any
	}{
		{"qa/result.json", res},
		{"qa/lint_report.json", res.Lint},
		{"qa/quality_report.json", res.Quality},
		{"qa/deck.json", ws.Deck},
		{"qa/story_plan.json", ws.Plan},
	}
	for _, w := range writes {
		if err := p.Artifacts.PutJSON("qa", w.name, w.v); err != nil {
			return nil, err
		}
	}
	if loopErr != nil {
		return nil, loopErr
	}
	p.Log.Append(map[string]any{"event": "qa_converged", "accepted": res.Accepted, "attempts": res.Attempts})
	return artifacts, nil
}

// stepFinalize re-checks the sign-off gate before assembling the lesson.
func (p *Pipeline) stepFinalize(ctx context.Context) ([]string, error) {
	if err := p.Gates.RequireApproval(GateFinal, "finalize", "qa/deck.json", "final deck awaiting sign-off"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var outline gen.Outline
	if err := p.Artifacts.GetJSON("outline.json", &outline); err != nil {
		return nil, err
	}
	var plan gen.StoryPlan
	planName := "story_plan.json"
	if p.Artifacts.Has("qa/story_plan.json") {
		planName = "qa/story_plan.json"
	}
	if err := p.Artifacts.GetJSON(planName, &plan); err != nil {
		return nil, err
	}
	var deck gen.SlideDeck
	deckName := "deck.json"
	if p.Artifacts.Has("qa/deck.json") {
		deckName = "qa/deck.json"
	}
	if err := p.Artifacts.GetJSON(deckName, &deck); err != nil {
		return nil, err
	}

	lesson := gen.Lesson{
		Topic:    p.State.Settings.Topic,
		Audience: p.State.Settings.Audience,
		Outline:  outline,
		Plan:     plan,
		Deck:     deck,
	}
	if err := p.Artifacts.PutJSON("finalize", "final/lesson.json", lesson); err != nil {
		return nil, err
	}
	p.Log.Append(map[string]any{"event": "artifact_written", "step": "finalize", "name": "final/lesson.json", "deck_source": deckName})
	return []string{"final/lesson.json"}, nil
}

func outlinePrompt(s gen.Settings) string {
	return fmt.Sprintf(
		"Produce a lesson outline as JSON for topic %q aimed at %s. Include objectives and sections with ids, titles, and summaries.",
		s.Topic, s.Audience)
}

func storyPlanPrompt(s gen.Settings, o gen.Outline) string {
	titles := make([]string, 0, len(o.Sections))
	for _, sec := range o.Sections {
		titles = append(titles, fmt.Sprintf("%s (%s)", sec.Title, sec.ID))
	}
	return fmt.Sprintf(
		"Frame the lesson %q as a single patient narrative. One story turn per section, tension rising toward the end. Sections: %s. Respond as JSON.",
		s.Topic, strings.Join(titles, ", "))
}

func slidesPromptFull(s gen.Settings, o gen.Outline, p gen.StoryPlan) string {
	ob, _ := json.Marshal(o)
	pb, _ := json.Marshal(p)
	return fmt.Sprintf(
		"Produce a %d-slide deck as JSON for %q aimed at %s. Each slide carries section_id and turn_id, a body, bullets, speaker notes, and citations.\nOutline: %s\nStory plan: %s",
		s.SlideCount, s.Topic, s.Audience, ob, pb)
}

func slidesPromptCompact(s gen.Settings, o gen.Outline, p gen.StoryPlan) string {
	titles := make([]string, 0, len(o.Sections))
	for _, sec := range o.Sections {
		titles = append(titles, sec.Title)
	}
	return fmt.Sprintf(
		"Produce a %d-slide deck as JSON for %q. Sections: %s. Narrative premise: %s.",
		s.SlideCount, s.Topic, strings.Join(titles, ", "), p.Premise)
}

func slidesPromptKernel(s gen.Settings) string {
	return fmt.Sprintf("Produce a minimal %d-slide deck as JSON for %q.", s.SlideCount, s.Topic)
}
