package procutil

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestPIDAlive_Self(t *testing.T) {
	if !PIDAlive(os.Getpid()) {
		t.Fatal("own pid reported dead")
	}
}

func TestPIDAlive_InvalidAndAbsent(t *testing.T) {
	if PIDAlive(0) || PIDAlive(-1) {
		t.Fatal("non-positive pid reported alive")
	}
	// Beyond the default Linux pid_max.
	if PIDAlive(4194305) {
		t.Fatal("absurd pid reported alive")
	}
}

func TestPIDAlive_ExitedChild(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	// Reaped child: the pid is free (or a zombie, which counts as dead).
	deadline := time.Now().Add(2 * time.Second)
	for PIDAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if PIDAlive(pid) {
		t.Fatalf("exited child %d still reported alive", pid)
	}
}
