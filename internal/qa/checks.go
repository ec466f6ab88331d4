package qa

import (
	"fmt"
	"strings"
)

// DeckLinter runs the deterministic lint checks over the working set. Lint
// passes only when no must or should finding remains.
type DeckLinter struct {
	// MaxBodySentences bounds slide body length before a density finding.
	MaxBodySentences int
}

func (l *DeckLinter) maxSentences() int {
	if l.MaxBodySentences > 0 {
		return l.MaxBodySentences
	}
	return 3
}

func (l *DeckLinter) Lint(ws *WorkingSet) LintReport {
	var findings []Fix
	if ws == nil || ws.Deck == nil || len(ws.Deck.Slides) == 0 {
		findings = append(findings, Fix{
			ID:       "lint-empty-deck",
			Type:     FixEditSlide,
			Priority: PriorityMust,
			Note:     "deck has no slides",
		})
		return LintReport{Passed: false, Findings: findings}
	}

	for _, s := range ws.Deck.Slides {
		if strings.TrimSpace(s.Title) == "" || strings.TrimSpace(s.Body) == "" {
			findings = append(findings, Fix{
				ID:        "lint-empty-" + s.ID,
				Type:      FixEditSlide,
				Priority:  PriorityMust,
				TargetIDs: []string{s.ID},
				Note:      fmt.Sprintf("slide %s is missing a title or body", s.ID),
			})
		}
		if sentenceCount(s.Body) > l.maxSentences() || len(s.Bullets) > maxBulletsPerSlide {
			findings = append(findings, Fix{
				ID:        "lint-density-" + s.ID,
				Type:      FixReduceTextDensity,
				Priority:  PriorityShould,
				TargetIDs: []string{s.ID},
				Note:      fmt.Sprintf("slide %s is too dense", s.ID),
			})
		}
		if len(s.Citations) == 0 {
			findings = append(findings, Fix{
				ID:        "lint-citation-" + s.ID,
				Type:      "add_citation",
				Priority:  PriorityNice,
				TargetIDs: []string{s.ID},
				Note:      fmt.Sprintf("slide %s cites no sources", s.ID),
			})
		}
	}

	passed := true
	for _, f := range findings {
		if f.Priority == PriorityMust || f.Priority == PriorityShould {
			passed = false
			break
		}
	}
	return LintReport{Passed: passed, Findings: findings}
}

func sentenceCount(s string) int {
	n := 0
	for _, r := range s {
		if r == '.' || r == '!' || r == '?' {
			n++
		}
	}
	if n == 0 && strings.TrimSpace(s) != "" {
		n = 1
	}
	return n
}

// HeuristicScorer is the deterministic quality scorer: sub-scores for
// clarity, story arc, and sourcing, combined into a 0-10 mean. It doubles as
// the deterministic substitute when an agent-backed scorer is unavailable.
type HeuristicScorer struct {
	// AcceptMean is the acceptance threshold for the combined mean.
	AcceptMean float64
}

func (h *HeuristicScorer) acceptMean() float64 {
	if h.AcceptMean > 0 {
		return h.AcceptMean
	}
	return 7.0
}

func (h *HeuristicScorer) Score(ws *WorkingSet) QualityReport {
	rep := QualityReport{SubScores: map[string]float64{}}
	if ws == nil || ws.Deck == nil || len(ws.Deck.Slides) == 0 {
		rep.Findings = append(rep.Findings, Fix{
			ID: "quality-empty", Type: FixEditSlide, Priority: PriorityMust, Note: "nothing to score",
		})
		return rep
	}

	dense := 0
	cited := 0
	for _, s := range ws.Deck.Slides {
		if sentenceCount(s.Body) > 3 || len(s.Bullets) > maxBulletsPerSlide {
			dense++
		}
		if len(s.Citations) > 0 {
			cited++
		}
	}
	total := len(ws.Deck.Slides)
	rep.SubScores["clarity"] = 10 * float64(total-dense) / float64(total)
	rep.SubScores["sourcing"] = 10 * float64(cited) / float64(total)

	story := 10.0
	if ws.Plan == nil || len(ws.Plan.Turns) == 0 {
		story = 0
		rep.Findings = append(rep.Findings, Fix{
			ID: "quality-no-story", Type: FixIncreaseStoryTurn, Priority: PriorityMust,
			Note: "deck has no story plan backing it",
		})
	} else {
		flat := 0
		for _, t := range ws.Plan.Turns {
			if t.Tension == "low" {
				flat++
			}
		}
		story = 10 * float64(len(ws.Plan.Turns)-flat) / float64(len(ws.Plan.Turns))
		if flat == len(ws.Plan.Turns) {
			rep.Findings = append(rep.Findings, Fix{
				ID: "quality-flat-story", Type: FixIncreaseStoryTurn, Priority: PriorityMust,
				Note: "every story turn is flat; the narrative never escalates",
			})
		}
	}
	rep.SubScores["story"] = story

	rep.Mean = (rep.SubScores["clarity"] + rep.SubScores["sourcing"] + rep.SubScores["story"]) / 3
	mustCount := 0
	for _, f := range rep.Findings {
		if f.Priority == PriorityMust {
			mustCount++
		}
	}
	rep.Passed = rep.Mean >= h.acceptMean() && mustCount == 0
	return rep
}
