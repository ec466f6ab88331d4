package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/courseforge/courseforge/internal/agentcall"
	"github.com/courseforge/courseforge/internal/config"
	"github.com/courseforge/courseforge/internal/gen"
	"github.com/courseforge/courseforge/internal/pipeline"
	"github.com/courseforge/courseforge/internal/review"
	"github.com/courseforge/courseforge/internal/runstate"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "resume":
		cmdResume(os.Args[2:])
	case "approve":
		cmdApprove(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "worker":
		cmdWorker(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  courseforge run --config <run.yaml> [--logs-root <dir>]")
	fmt.Fprintln(os.Stderr, "  courseforge resume --config <run.yaml> --logs-root <dir>")
	fmt.Fprintln(os.Stderr, "  courseforge approve --logs-root <dir> --gate <id> [--status approve|request_changes|regenerate] [--notes <text>]")
	fmt.Fprintln(os.Stderr, "  courseforge status --logs-root <dir>")
	fmt.Fprintln(os.Stderr, "  courseforge worker [--config <run.yaml>]")
}

// signalContext cancels on SIGINT/SIGTERM so a run stops between calls and
// the state on disk reads cancelled, not crashed.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func cmdRun(args []string) {
	var configPath string
	var logsRoot string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if logsRoot == "" {
		logsRoot = filepath.Join("logs", runstate.NewRunID())
	}

	p, err := pipeline.New(cfg, logsRoot, serviceFor(cfg))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	execute(p, logsRoot)
}

func cmdResume(args []string) {
	var configPath string
	var logsRoot string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" || logsRoot == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	p, err := pipeline.Open(cfg, logsRoot, serviceFor(cfg))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	execute(p, logsRoot)
}

func execute(p *pipeline.Pipeline, logsRoot string) {
	ctx, stop := signalContext()
	defer stop()

	err := p.Run(ctx)
	fmt.Printf("run_id=%s\n", p.State.RunID)
	fmt.Printf("logs_root=%s\n", logsRoot)
	fmt.Printf("status=%s\n", p.State.Status)

	var pe *pipeline.PauseError
	if errors.As(err, &pe) {
		fmt.Printf("gate=%s\n", pe.GateID)
		fmt.Printf("resume_step=%s\n", pe.ResumeStep)
		fmt.Fprintf(os.Stderr, "paused: %s\n", pe.Message)
		// A pause is a clean suspension, not a failure.
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func cmdApprove(args []string) {
	var logsRoot string
	var gateID string
	var status = "approve"
	var notes string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		case "--gate":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--gate requires a value")
				os.Exit(1)
			}
			gateID = args[i]
		case "--status":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--status requires a value")
				os.Exit(1)
			}
			status = args[i]
		case "--notes":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--notes requires a value")
				os.Exit(1)
			}
			notes = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if logsRoot == "" || gateID == "" {
		usage()
		os.Exit(1)
	}

	parsed, err := review.ParseDecisionStatus(status)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	d, err := review.NewStore(logsRoot).Append(review.Decision{
		GateID: gateID,
		Status: parsed,
		Notes:  notes,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("decision_id=%s\n", d.ID)
	fmt.Printf("gate=%s\n", d.GateID)
	fmt.Printf("status=%s\n", d.Status)
	os.Exit(0)
}

func cmdStatus(args []string) {
	var logsRoot string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--logs-root requires a value")
				os.Exit(1)
			}
			logsRoot = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if logsRoot == "" {
		usage()
		os.Exit(1)
	}

	snap, err := runstate.LoadSnapshot(logsRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("run_id=%s\n", snap.RunID)
	fmt.Printf("status=%s\n", snap.Status)
	if snap.CurrentStep != "" {
		fmt.Printf("current_step=%s\n", snap.CurrentStep)
	}
	if snap.ActiveGate != nil {
		fmt.Printf("gate=%s\n", snap.ActiveGate.ID)
		fmt.Printf("resume_step=%s\n", snap.ActiveGate.ResumeStep)
	}
	if snap.FailureStep != "" {
		fmt.Printf("failure_step=%s\n", snap.FailureStep)
		fmt.Printf("failure_reason=%s\n", snap.FailureReason)
	}
	if snap.LastEvent != "" {
		fmt.Printf("last_event=%s\n", snap.LastEvent)
	}
	if !snap.LastEventAt.IsZero() {
		fmt.Printf("last_event_at=%s\n", snap.LastEventAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}
	if snap.PID > 0 {
		fmt.Printf("pid=%d alive=%t\n", snap.PID, snap.PIDAlive)
	}
	os.Exit(0)
}

func cmdWorker(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	svc := &gen.SimulatedService{}
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		svc = serviceFor(cfg)
	}
	if err := agentcall.RunWorker(os.Stdin, os.Stdout, svc); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func serviceFor(cfg *config.File) *gen.SimulatedService {
	return &gen.SimulatedService{Settings: gen.Settings{
		Topic:      cfg.Settings.Topic,
		Audience:   cfg.Settings.Audience,
		Specialty:  cfg.Settings.Specialty,
		SlideCount: cfg.Settings.SlideCount,
	}}
}
