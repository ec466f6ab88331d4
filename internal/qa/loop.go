package qa

import (
	"context"

	"github.com/courseforge/courseforge/internal/agentcall"
	"github.com/courseforge/courseforge/internal/fallback"
	"github.com/courseforge/courseforge/internal/runlog"
)

// Linter runs the deterministic checks.
type Linter interface {
	Lint(ws *WorkingSet) LintReport
}

// Scorer produces the quality report. Implementations may call out through
// the fallback arbitrator, so scoring takes a context.
type Scorer interface {
	Score(ctx context.Context, ws *WorkingSet) (QualityReport, error)
}

type Config struct {
	// PatchBudget is how many patch attempts may follow the first evaluation;
	// the loop runs at most PatchBudget+1 iterations.
	PatchBudget int
	Policy      fallback.Policy
}

func (c Config) MaxAttempts() int {
	if c.PatchBudget < 0 {
		return 1
	}
	return c.PatchBudget + 1
}

// Result is the loop's terminal state: the last reports and verdict plus the
// notes from every patch round.
type Result struct {
	Accepted   bool          `json:"accepted"`
	Attempts   int           `json:"attempts"`
	Verdict    Verdict       `json:"verdict"`
	Lint       LintReport    `json:"lint"`
	Quality    QualityReport `json:"quality"`
	PatchNotes [][]PatchNote `json:"patch_notes,omitempty"`
}

type Loop struct {
	Lint    Linter
	Quality Scorer
	Patcher *Patcher
	Config  Config
	Log     *runlog.Writer
}

// Run converges the working set in place. Cancellation is checked before
// every iteration and propagates immediately. On budget exhaustion without
// acceptance, strict policy returns an UnmetError naming the failed
// sub-verdicts; warn policy returns the result with Accepted=false.
func (l *Loop) Run(ctx context.Context, ws *WorkingSet) (*Result, error) {
	res := &Result{}
	maxAttempts := l.Config.MaxAttempts()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := agentcall.ContextError(ctx); err != nil {
			return nil, err
		}
		res.Attempts = attempt

		res.Lint = l.Lint.Lint(ws)
		quality, err := l.Quality.Score(ctx, ws)
		if err != nil {
			return nil, err
		}
		res.Quality = quality
		res.Verdict = Combine(res.Lint, res.Quality)

		l.Log.Append(map[string]any{
			"event":          "qa_attempt",
			"attempt":        attempt,
			"max_attempts":   maxAttempts,
			"lint_passed":    res.Verdict.LintPassed,
			"quality_passed": res.Verdict.QualityPassed,
			"accept":         res.Verdict.Accept,
			"required_fixes": len(res.Verdict.RequiredFixes),
		})

		if res.Verdict.Accept {
			res.Accepted = true
			return res, nil
		}
		if attempt == maxAttempts {
			break
		}

		notes := l.Patcher.Apply(ws, res.Verdict.RequiredFixes)
		res.PatchNotes = append(res.PatchNotes, notes)
		changed := 0
		for _, n := range notes {
			changed += n.Changed
		}
		l.Log.Append(map[string]any{
			"event":   "qa_patch_applied",
			"attempt": attempt,
			"fixes":   len(notes),
			"changed": changed,
		})
	}

	if l.Config.Policy == fallback.PolicyStrict {
		return res, &UnmetError{
			Attempts:      res.Attempts,
			LintPassed:    res.Verdict.LintPassed,
			QualityPassed: res.Verdict.QualityPassed,
			Accepted:      res.Verdict.Accept,
		}
	}
	l.Log.Append(map[string]any{
		"event":    "qa_budget_exhausted",
		"attempts": res.Attempts,
		"policy":   string(l.Config.Policy),
	})
	return res, nil
}
