// Package qa iteratively lints and scores the working slide deck, patches it
// toward acceptance, and stops on acceptance, budget exhaustion, or
// cancellation.
package qa

import (
	"fmt"
	"strings"
)

type Priority string

const (
	PriorityMust   Priority = "must"
	PriorityShould Priority = "should"
	PriorityNice   Priority = "nice"
)

// FixType is the closed tag set dispatched by the patcher. Unrecognized tags
// take the generic-edit path.
type FixType string

const (
	FixReduceTextDensity FixType = "reduce_text_density"
	FixIncreaseStoryTurn FixType = "increase_story_turn"
	FixMedicalCorrection FixType = "medical_correction"
	FixEditSlide         FixType = "edit_slide"
)

// Fix is one required change identified by lint or quality scoring.
type Fix struct {
	ID        string   `json:"id"`
	Type      FixType  `json:"type"`
	Priority  Priority `json:"priority"`
	TargetIDs []string `json:"target_ids,omitempty"`
	Note      string   `json:"note,omitempty"`
}

type LintReport struct {
	Passed   bool  `json:"passed"`
	Findings []Fix `json:"findings,omitempty"`
}

type QualityReport struct {
	Passed    bool               `json:"passed"`
	Mean      float64            `json:"mean"`
	SubScores map[string]float64 `json:"sub_scores,omitempty"`
	Findings  []Fix              `json:"findings,omitempty"`
}

// Verdict merges lint and quality into one accept/reject decision with the
// enumerated fixes a patch attempt must address.
type Verdict struct {
	Accept        bool  `json:"accept"`
	LintPassed    bool  `json:"lint_passed"`
	QualityPassed bool  `json:"quality_passed"`
	RequiredFixes []Fix `json:"required_fixes,omitempty"`
}

// Combine builds the verdict. Required fixes are the must and should
// findings from both reports; nice findings never block acceptance.
func Combine(lint LintReport, quality QualityReport) Verdict {
	v := Verdict{
		LintPassed:    lint.Passed,
		QualityPassed: quality.Passed,
		Accept:        lint.Passed && quality.Passed,
	}
	for _, f := range lint.Findings {
		if f.Priority == PriorityMust || f.Priority == PriorityShould {
			v.RequiredFixes = append(v.RequiredFixes, f)
		}
	}
	for _, f := range quality.Findings {
		if f.Priority == PriorityMust || f.Priority == PriorityShould {
			v.RequiredFixes = append(v.RequiredFixes, f)
		}
	}
	return v
}

// UnmetError is the hard failure raised under strict policy when the verdict
// never reached acceptance. The message names every sub-verdict that failed.
type UnmetError struct {
	Attempts      int
	LintPassed    bool
	QualityPassed bool
	Accepted      bool
}

func (e *UnmetError) Error() string {
	var failed []string
	if !e.LintPassed {
		failed = append(failed, "lint")
	}
	if !e.QualityPassed {
		failed = append(failed, "quality")
	}
	if !e.Accepted {
		failed = append(failed, "combined")
	}
	return fmt.Sprintf(
		"quality gates unmet after %d attempts (lint=%t quality=%t combined=%t; failed: %s)",
		e.Attempts, e.LintPassed, e.QualityPassed, e.Accepted, strings.Join(failed, ","),
	)
}
