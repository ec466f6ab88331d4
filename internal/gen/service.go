package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Descriptor names the external generation capability to invoke.
type Descriptor struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Request is one external generation call. ContentType names the schema the
// caller will validate the raw result against.
type Request struct {
	Descriptor  Descriptor `json:"descriptor"`
	Prompt      string     `json:"prompt"`
	MaxTurns    int        `json:"max_turns"`
	ContentType string     `json:"content_type"`
}

// RawResult is the unvalidated service output.
type RawResult struct {
	Content []byte `json:"content"`
	Turns   int    `json:"turns"`
}

// Service is the external generation capability. Implementations may fail,
// time out, or return structurally invalid content; callers own validation.
type Service interface {
	Invoke(ctx context.Context, req Request) (*RawResult, error)
}

// SimulatedService stands in for the real generation service. It produces
// deterministic schema-valid output for each content type, with optional
// latency and scripted failures for exercising the reliability machinery.
type SimulatedService struct {
	Settings Settings

	// Delay is applied before answering; the context is honored during it.
	Delay time.Duration

	// Respond, when set, overrides the default canned output entirely.
	Respond func(req Request) ([]byte, error)
}

func (s *SimulatedService) Invoke(ctx context.Context, req Request) (*RawResult, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Respond != nil {
		b, err := s.Respond(req)
		if err != nil {
			return nil, err
		}
		return &RawResult{Content: b, Turns: 1}, nil
	}

	var doc any
	switch req.ContentType {
	case SchemaOutline:
		doc = BuildOutline(s.Settings)
	case SchemaStoryPlan:
		doc = BuildStoryPlan(s.Settings, BuildOutline(s.Settings))
	case SchemaSlideDeck:
		o := BuildOutline(s.Settings)
		doc = BuildSlideDeck(s.Settings, o, BuildStoryPlan(s.Settings, o))
	case SchemaQualityReport:
		doc = map[string]any{
			"mean":       8.2,
			"sub_scores": map[string]float64{"accuracy": 8.5, "clarity": 8.0, "story": 8.1},
			"findings":   []any{},
		}
	default:
		return nil, fmt.Errorf("simulated service: unknown content type %q", req.ContentType)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return &RawResult{Content: b, Turns: 1}, nil
}
