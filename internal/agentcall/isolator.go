// Package agentcall executes single external generation calls under a merged
// cancellation signal: run-level cancellation, the call's own timeout budget,
// and a stage watchdog that fires after a hard ceiling regardless of either.
// Calls run in-process or delegated to a worker subprocess; the result
// contract is identical, so isolation is a configuration switch.
package agentcall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/courseforge/courseforge/internal/gen"
	"github.com/courseforge/courseforge/internal/runlog"
)

type Mode string

const (
	ModeInProcess Mode = "in_process"
	ModeIsolated  Mode = "isolated"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "in_process", "inprocess", "in-process":
		return ModeInProcess, nil
	case "isolated", "worker", "subprocess":
		return ModeIsolated, nil
	default:
		return "", fmt.Errorf("invalid isolation mode: %q", s)
	}
}

// Request is one invocation. Schema names the structural contract the raw
// output must satisfy; Timeout is this call's budget.
type Request struct {
	Step       string
	CallKey    string
	Descriptor gen.Descriptor
	Prompt     string
	MaxTurns   int
	Timeout    time.Duration
	Schema     string
}

// Result is a validated agent output.
type Result struct {
	Raw     []byte
	Turns   int
	Elapsed time.Duration
}

type Isolator struct {
	Service gen.Service
	Mode    Mode

	// Watchdog is the stage-scoped hard ceiling. Zero disables it. It fires
	// even when the run context is untouched, guarding against calls that
	// neither complete nor honor cooperative cancellation promptly.
	Watchdog time.Duration

	// WorkerCommand is the argv spawned in isolated mode. Defaults to the
	// current executable's "worker" subcommand.
	WorkerCommand []string

	// KillGrace is how long a SIGTERM'd worker gets before SIGKILL.
	KillGrace time.Duration

	Records *RecordLog
	Log     *runlog.Writer
}

func (iso *Isolator) killGrace() time.Duration {
	if iso.KillGrace > 0 {
		return iso.KillGrace
	}
	return 2 * time.Second
}

// Invoke runs one call and appends an audit record regardless of outcome.
func (iso *Isolator) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = 60 * time.Second
	}
	mode := iso.Mode
	if mode == "" {
		mode = ModeInProcess
	}

	started := time.Now().UTC()
	if err := ContextError(ctx); err != nil {
		iso.record(req, mode, started, err)
		return nil, err
	}

	callCtx := ctx
	var cancels []context.CancelFunc
	if iso.Watchdog > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeoutCause(callCtx, iso.Watchdog, &CallError{
			Class:   ClassTimedOut,
			Step:    req.Step,
			CallKey: req.CallKey,
			Message: fmt.Sprintf("stage watchdog fired: call timed out after hard ceiling %s", iso.Watchdog),
		})
		cancels = append(cancels, cancel)
	}
	{
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeoutCause(callCtx, req.Timeout, &CallError{
			Class:   ClassTimedOut,
			Step:    req.Step,
			CallKey: req.CallKey,
			Message: fmt.Sprintf("call timed out after budget %s", req.Timeout),
		})
		cancels = append(cancels, cancel)
	}
	defer func() {
		for _, c := range cancels {
			c()
		}
	}()

	var raw *gen.RawResult
	var err error
	switch mode {
	case ModeIsolated:
		raw, err = iso.invokeIsolated(callCtx, req)
	default:
		raw, err = iso.invokeInProcess(callCtx, req)
	}
	if err == nil && raw != nil {
		if verr := gen.Validate(req.Schema, raw.Content); verr != nil {
			err = &CallError{Class: ClassSchemaInvalid, Step: req.Step, CallKey: req.CallKey, Message: verr.Error()}
		}
	}
	if err != nil {
		err = iso.classify(ctx, callCtx, req, err)
		iso.record(req, mode, started, err)
		return nil, err
	}

	elapsed := time.Since(started)
	iso.record(req, mode, started, nil)
	return &Result{Raw: raw.Content, Turns: raw.Turns, Elapsed: elapsed}, nil
}

// invokeInProcess races the service call against the merged signal so a
// non-cooperative call cannot wedge the orchestrator.
func (iso *Isolator) invokeInProcess(ctx context.Context, req Request) (*gen.RawResult, error) {
	type reply struct {
		raw *gen.RawResult
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		raw, err := iso.Service.Invoke(ctx, gen.Request{
			Descriptor:  req.Descriptor,
			Prompt:      req.Prompt,
			MaxTurns:    req.MaxTurns,
			ContentType: req.Schema,
		})
		ch <- reply{raw: raw, err: err}
	}()
	select {
	case r := <-ch:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ContextError(ctx)
	}
}

// classify turns a raw failure into the caller-facing taxonomy. The merged
// context's cause wins for timeouts; run-level cancellation wins over both.
func (iso *Isolator) classify(runCtx context.Context, callCtx context.Context, req Request, err error) error {
	var direct *CallError
	if errors.As(err, &direct) && direct.Class != ClassCancelled {
		return direct
	}
	if runCtx.Err() != nil {
		cause := context.Cause(runCtx)
		msg := "run cancelled"
		if cause != nil {
			msg = cause.Error()
		}
		return &CallError{Class: ClassCancelled, Step: req.Step, CallKey: req.CallKey, Message: msg}
	}
	if callCtx.Err() != nil {
		cause := context.Cause(callCtx)
		var ce *CallError
		if errors.As(cause, &ce) {
			return ce
		}
		return &CallError{Class: ClassTimedOut, Step: req.Step, CallKey: req.CallKey,
			Message: fmt.Sprintf("call timed out after budget %s", req.Timeout)}
	}
	cls := ClassOf(err)
	return &CallError{Class: cls, Step: req.Step, CallKey: req.CallKey, Message: err.Error()}
}

func (iso *Isolator) record(req Request, mode Mode, started time.Time, callErr error) {
	finished := time.Now().UTC()
	r := Record{
		CallID:     strings.ToLower(ulid.Make().String()),
		Step:       req.Step,
		CallKey:    req.CallKey,
		Mode:       mode,
		StartedAt:  started,
		FinishedAt: finished,
		ElapsedMS:  finished.Sub(started).Milliseconds(),
		TimeoutMS:  req.Timeout.Milliseconds(),
		Outcome:    "ok",
	}
	if callErr != nil {
		r.Outcome = "error"
		r.Error = callErr.Error()
	}
	if iso.Records != nil {
		if err := iso.Records.Append(r); err != nil {
			iso.Log.Append(map[string]any{
				"event": "agent_call_record_write_failed",
				"step":  req.Step,
				"error": err.Error(),
			})
		}
	}
	iso.Log.Append(map[string]any{
		"event":      "agent_call",
		"step":       req.Step,
		"call_key":   req.CallKey,
		"mode":       string(mode),
		"outcome":    r.Outcome,
		"elapsed_ms": r.ElapsedMS,
		"error":      r.Error,
	})
}
