package pipeline

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/courseforge/courseforge/internal/review"
	"github.com/courseforge/courseforge/internal/runlog"
	"github.com/courseforge/courseforge/internal/runstate"
)

// Gate ids and the steps whose start re-evaluates them. A resumed run
// re-checks a gate without re-running anything before its resume step.
const (
	GateStoryPlan = "gate.story_plan"
	GateFinal     = "gate.final"
)

// requirement is the on-disk record of a gate a run is (or was) waiting on.
// Reviewers read it to learn what artifact the gate covers.
type requirement struct {
	GateID     string    `json:"gate_id"`
	RunID      string    `json:"run_id"`
	ResumeStep string    `json:"resume_step"`
	Artifact   string    `json:"artifact"`
	Message    string    `json:"message"`
	RaisedAt   time.Time `json:"raised_at"`
}

// GateController evaluates human approval gates against the decision journal.
type GateController struct {
	LogsRoot string
	RunID    string
	Reviews  *review.Store
	Log      *runlog.Writer
}

// RequireApproval checks one gate. The requirement file is written before the
// decision journal is consulted so a reviewer always finds the gate on disk,
// even when the run pauses immediately after. Only a latest decision of
// approve lets the run proceed; anything else pauses.
func (g *GateController) RequireApproval(gateID, resumeStep, artifactName, message string) error {
	req := requirement{
		GateID:     gateID,
		RunID:      g.RunID,
		ResumeStep: resumeStep,
		Artifact:   artifactName,
		Message:    message,
		RaisedAt:   time.Now().UTC(),
	}
	path := filepath.Join(g.LogsRoot, "gates", gateID+".json")
	if err := runstate.WriteJSONAtomic(path, req); err != nil {
		return fmt.Errorf("write gate requirement %s: %w", gateID, err)
	}

	d, err := g.Reviews.LatestDecision(gateID)
	if err != nil {
		return fmt.Errorf("read decisions for gate %s: %w", gateID, err)
	}
	if d != nil && d.Status == review.StatusApprove {
		g.Log.Append(map[string]any{
			"event":       "gate_approved",
			"gate":        gateID,
			"decision_id": d.ID,
		})
		return nil
	}

	msg := message
	if d != nil {
		msg = fmt.Sprintf("latest decision is %s: %s", d.Status, d.Notes)
	}
	g.Log.Append(map[string]any{
		"event":   "gate_waiting",
		"gate":    gateID,
		"resume":  resumeStep,
		"message": msg,
	})
	return &PauseError{GateID: gateID, ResumeStep: resumeStep, Message: msg}
}
