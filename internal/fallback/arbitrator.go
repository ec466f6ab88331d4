// Package fallback degrades failed external generation calls through a
// prompt-compaction retry ladder, substitutes deterministic generators when
// the ladder is exhausted, and optionally arbitrates agent output against the
// deterministic equivalent under an explicit scoring rule.
package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/courseforge/courseforge/internal/agentcall"
	"github.com/courseforge/courseforge/internal/gen"
	"github.com/courseforge/courseforge/internal/runlog"
)

// Policy is the adherence mode: strict re-raises any non-cancellation
// failure; warn recovers through the ladder and deterministic substitution.
type Policy string

const (
	PolicyStrict Policy = "strict"
	PolicyWarn   Policy = "warn"
)

// PromptTier is one rung of the retry ladder. Ladders run top to bottom:
// full detail first, then progressively compacted prompts with their own
// timeout ceilings.
type PromptTier struct {
	Name    string
	Prompt  string
	Timeout time.Duration
}

// Task is one generation sub-task. Deterministic must produce schema-valid
// output from the same inputs the agent saw.
type Task struct {
	Stage         string
	Schema        string
	Descriptor    gen.Descriptor
	MaxTurns      int
	Tiers         []PromptTier
	Deterministic func() ([]byte, error)
}

// ScoreReport is an independent quality scorer's view of one candidate.
type ScoreReport struct {
	Mean         float64
	MustFindings int
}

// Scorer scores candidate output for arbitration. Implementations must be
// independent of the path that produced the candidate.
type Scorer interface {
	Score(stage string, raw []byte) (ScoreReport, error)
}

// ArbitrationConfig holds the externally tuned decision rule. Margin is how
// far the deterministic mean must exceed the agent mean before the
// deterministic output wins under the weighted_mean rule.
type ArbitrationConfig struct {
	Enabled bool
	Rule    string // weighted_mean | must_findings
	Margin  float64
}

type Output struct {
	Raw    []byte
	Source string // agent | deterministic
	Tier   string
}

type Arbitrator struct {
	RunID       string
	Isolator    *agentcall.Isolator
	Events      *EventLog
	Log         *runlog.Writer
	Policy      Policy
	Backoff     BackoffConfig
	Arbitration ArbitrationConfig
	Scorer      Scorer
}

// Generate runs one sub-task: agent first (ladder for multi-tier tasks),
// deterministic substitution on exhaustion under warn policy, optional
// arbitration after agent success. Cancellation always propagates.
func (a *Arbitrator) Generate(ctx context.Context, task Task) (*Output, error) {
	if len(task.Tiers) == 0 {
		return nil, fmt.Errorf("task %q has no prompt tiers", task.Stage)
	}

	var lastErr error
	for i, tier := range task.Tiers {
		if i > 0 {
			reason := fmt.Sprintf("tier %q failed: %v", task.Tiers[i-1].Name, lastErr)
			if err := a.Events.Append(ModeAgentRetry, task.Stage, reason); err != nil {
				return nil, err
			}
			a.Log.Append(map[string]any{
				"event":  "agent_retry",
				"stage":  task.Stage,
				"tier":   tier.Name,
				"reason": reason,
			})
			if err := a.sleep(ctx, i); err != nil {
				return nil, err
			}
		}

		res, err := a.Isolator.Invoke(ctx, agentcall.Request{
			Step:       task.Stage,
			CallKey:    task.Stage + ":" + tier.Name,
			Descriptor: task.Descriptor,
			Prompt:     tier.Prompt,
			MaxTurns:   task.MaxTurns,
			Timeout:    tier.Timeout,
			Schema:     task.Schema,
		})
		if err == nil {
			return a.arbitrate(task, res.Raw, tier.Name)
		}
		if agentcall.IsCancelled(err) {
			return nil, err
		}
		if a.Policy == PolicyStrict {
			return nil, err
		}
		lastErr = err
	}

	// Ladder exhausted under non-strict policy: substitute the deterministic
	// generator producing schema-equivalent output from the same inputs.
	if task.Deterministic == nil {
		return nil, lastErr
	}
	reason := fmt.Sprintf("agent attempts exhausted: %v", lastErr)
	if err := a.Events.Append(ModeDeterministicFallback, task.Stage, reason); err != nil {
		return nil, err
	}
	a.Log.Append(map[string]any{
		"event":  "deterministic_fallback",
		"stage":  task.Stage,
		"reason": reason,
	})
	raw, err := task.Deterministic()
	if err != nil {
		return nil, fmt.Errorf("deterministic generator for %q: %w", task.Stage, err)
	}
	return &Output{Raw: raw, Source: "deterministic"}, nil
}

// arbitrate compares a successful agent output with the deterministic
// equivalent when a scorer is configured, keeping whichever scores higher
// under the configured rule.
func (a *Arbitrator) arbitrate(task Task, agentRaw []byte, tierName string) (*Output, error) {
	agentOut := &Output{Raw: agentRaw, Source: "agent", Tier: tierName}
	if !a.Arbitration.Enabled || a.Scorer == nil || task.Deterministic == nil {
		return agentOut, nil
	}
	detRaw, err := task.Deterministic()
	if err != nil {
		return nil, fmt.Errorf("deterministic generator for %q: %w", task.Stage, err)
	}
	agentScore, err := a.Scorer.Score(task.Stage, agentRaw)
	if err != nil {
		return agentOut, nil
	}
	detScore, err := a.Scorer.Score(task.Stage, detRaw)
	if err != nil {
		return agentOut, nil
	}

	deterministicWins := false
	reason := ""
	switch a.Arbitration.Rule {
	case "must_findings":
		deterministicWins = detScore.MustFindings < agentScore.MustFindings
		reason = fmt.Sprintf("must findings: deterministic=%d agent=%d", detScore.MustFindings, agentScore.MustFindings)
	default: // weighted_mean
		deterministicWins = detScore.Mean >= agentScore.Mean+a.Arbitration.Margin
		reason = fmt.Sprintf("weighted mean: deterministic=%.2f agent=%.2f margin=%.2f", detScore.Mean, agentScore.Mean, a.Arbitration.Margin)
	}
	a.Log.Append(map[string]any{
		"event":              "arbitration_scored",
		"stage":              task.Stage,
		"rule":               a.Arbitration.Rule,
		"deterministic_wins": deterministicWins,
		"detail":             reason,
	})
	if !deterministicWins {
		return agentOut, nil
	}
	if err := a.Events.Append(ModeDeterministicArbitration, task.Stage, reason); err != nil {
		return nil, err
	}
	return &Output{Raw: detRaw, Source: "deterministic"}, nil
}

func (a *Arbitrator) sleep(ctx context.Context, attempt int) error {
	seed := fmt.Sprintf("%s:%d", a.RunID, attempt)
	d := DelayForAttempt(attempt, a.Backoff, seed)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return agentcall.ContextError(ctx)
	case <-t.C:
		return nil
	}
}
