package agentcall

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/courseforge/courseforge/internal/gen"
)

// workerRequest is the message-passing contract with an isolated worker:
// one JSON request on stdin, one JSON reply line on stdout.
type workerRequest struct {
	Request   gen.Request `json:"request"`
	TimeoutMS int64       `json:"timeout_ms"`
}

type workerReply struct {
	OK      bool   `json:"ok"`
	Content []byte `json:"content,omitempty"`
	Turns   int    `json:"turns,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RunWorker is the isolated-call executor body, wired to the binary's
// "worker" subcommand. It reads one request, invokes the service under the
// requested budget, and writes one reply line. The parent process owns the
// hard kill; the worker's own timeout is a cooperative first line of defense.
func RunWorker(in io.Reader, out io.Writer, svc gen.Service) error {
	var req workerRequest
	dec := json.NewDecoder(in)
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("decode worker request: %w", err)
	}
	ctx := context.Background()
	if req.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	var reply workerReply
	raw, err := svc.Invoke(ctx, req.Request)
	if err != nil {
		reply = workerReply{OK: false, Error: err.Error()}
	} else {
		reply = workerReply{OK: true, Content: raw.Content, Turns: raw.Turns}
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	_, err = out.Write(append(b, '\n'))
	return err
}

// invokeIsolated delegates the call to a worker subprocess so a hung or
// crashing call cannot corrupt orchestrator state. The worker runs in its own
// process group and is SIGTERM'd, then SIGKILL'd, once the merged signal fires.
func (iso *Isolator) invokeIsolated(ctx context.Context, req Request) (*gen.RawResult, error) {
	argv := iso.WorkerCommand
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		argv = []string{exe, "worker"}
	}

	payload, err := json.Marshal(workerRequest{
		Request: gen.Request{
			Descriptor:  req.Descriptor,
			Prompt:      req.Prompt,
			MaxTurns:    req.MaxTurns,
			ContentType: req.Schema,
		},
		TimeoutMS: req.Timeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case waitErr := <-waitCh:
		return parseWorkerReply(&stdout, &stderr, waitErr)
	case <-ctx.Done():
		_ = killProcessGroup(cmd, syscall.SIGTERM)
		select {
		case <-waitCh:
		case <-time.After(iso.killGrace()):
			_ = killProcessGroup(cmd, syscall.SIGKILL)
			select {
			case <-waitCh:
			case <-time.After(2 * time.Second):
				iso.Log.Append(map[string]any{
					"event": "worker_kill_stuck",
					"step":  req.Step,
					"pid":   cmd.Process.Pid,
				})
			}
		}
		return nil, ContextError(ctx)
	}
}

func parseWorkerReply(stdout *bytes.Buffer, stderr *bytes.Buffer, waitErr error) (*gen.RawResult, error) {
	// The reply is the last non-empty stdout line; the worker may log above it.
	var last string
	sc := bufio.NewScanner(bytes.NewReader(stdout.Bytes()))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && waitErr != nil {
			msg = waitErr.Error()
		}
		if msg == "" {
			msg = "worker produced no reply"
		}
		return nil, fmt.Errorf("worker failed: %s", msg)
	}
	var reply workerReply
	if err := json.Unmarshal([]byte(last), &reply); err != nil {
		return nil, fmt.Errorf("decode worker reply: %w", err)
	}
	if !reply.OK {
		msg := strings.TrimSpace(reply.Error)
		if msg == "" {
			msg = "worker reported failure"
		}
		return nil, fmt.Errorf("worker call failed: %s", msg)
	}
	return &gen.RawResult{Content: reply.Content, Turns: reply.Turns}, nil
}

func killProcessGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
