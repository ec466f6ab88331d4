package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/courseforge/courseforge/internal/fallback"
	"github.com/courseforge/courseforge/internal/gen"
	"github.com/courseforge/courseforge/internal/qa"
)

// arbitratedScorer asks the agent for a quality report and lets the fallback
// machinery substitute the heuristic scorer's report when the call fails.
// Pass/fail is always recomputed locally; an agent cannot vote itself past
// the acceptance threshold.
type arbitratedScorer struct {
	arb        *fallback.Arbitrator
	heuristic  *qa.HeuristicScorer
	descriptor gen.Descriptor
	maxTurns   int
	timeout    time.Duration
	acceptMean float64
}

func (s *arbitratedScorer) Score(ctx context.Context, ws *qa.WorkingSet) (qa.QualityReport, error) {
	det := s.heuristic.Score(ws)
	if s.arb == nil {
		return det, nil
	}
	out, err := s.arb.Generate(ctx, fallback.Task{
		Stage:      "qa.quality",
		Schema:     gen.SchemaQualityReport,
		Descriptor: s.descriptor,
		MaxTurns:   s.maxTurns,
		Tiers: []fallback.PromptTier{
			{Name: "full", Prompt: qualityPrompt(ws), Timeout: s.timeout},
		},
		Deterministic: func() ([]byte, error) {
			return json.Marshal(det)
		},
	})
	if err != nil {
		return qa.QualityReport{}, err
	}
	var rep qa.QualityReport
	if err := json.Unmarshal(out.Raw, &rep); err != nil {
		return qa.QualityReport{}, fmt.Errorf("decode quality report: %w", err)
	}
	mustCount := 0
	for _, f := range rep.Findings {
		if f.Priority == qa.PriorityMust {
			mustCount++
		}
	}
	rep.Passed = rep.Mean >= s.acceptMean && mustCount == 0
	return rep, nil
}

func qualityPrompt(ws *qa.WorkingSet) string {
	slides := 0
	if ws != nil && ws.Deck != nil {
		slides = len(ws.Deck.Slides)
	}
	b, _ := json.Marshal(ws.Deck)
	return fmt.Sprintf(
		"Score this %d-slide deck for clarity, sourcing, and story arc (0-10 each) and report findings with must/should/nice priorities as JSON.\nDeck: %s",
		slides, b)
}

// deckScorer scores raw candidate output for arbitration between an agent
// deck and the deterministic one. Only slide decks are scorable; other stages
// return an error and the arbitrator keeps the agent output.
type deckScorer struct {
	acceptMean float64
}

func (d *deckScorer) Score(stage string, raw []byte) (fallback.ScoreReport, error) {
	if stage != "slides" {
		return fallback.ScoreReport{}, fmt.Errorf("stage %q is not scorable", stage)
	}
	var deck gen.SlideDeck
	if err := json.Unmarshal(raw, &deck); err != nil {
		return fallback.ScoreReport{}, fmt.Errorf("decode candidate deck: %w", err)
	}
	h := &qa.HeuristicScorer{AcceptMean: d.acceptMean}
	rep := h.Score(&qa.WorkingSet{Deck: &deck})
	must := 0
	for _, f := range rep.Findings {
		if f.Priority == qa.PriorityMust {
			must++
		}
	}
	return fallback.ScoreReport{Mean: rep.Mean, MustFindings: must}, nil
}
