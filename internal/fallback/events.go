package fallback

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Mode tags one arbitration decision in the audit log.
type Mode string

const (
	ModeAgentRetry               Mode = "agent_retry"
	ModeDeterministicFallback    Mode = "deterministic_fallback"
	ModeDeterministicArbitration Mode = "deterministic_arbitration"
)

type Event struct {
	Mode   Mode      `json:"mode"`
	Stage  string    `json:"stage"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// EventLog is the ordered, persisted record of every fallback decision.
type EventLog struct {
	mu     sync.Mutex
	path   string
	events []Event
}

func NewEventLog(logsRoot string) *EventLog {
	return &EventLog{path: filepath.Join(logsRoot, "fallback_events.ndjson")}
}

func (l *EventLog) Append(mode Mode, stage string, reason string) error {
	ev := Event{Mode: mode, Stage: stage, Reason: reason, At: time.Now().UTC()}
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	l.events = append(l.events, ev)
	return nil
}

// Events returns a copy of the in-memory event list, in append order.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event{}, l.events...)
}

// Counts breaks down the event total per mode. The per-mode counts always sum
// to the total.
type Counts struct {
	AgentRetries    int `json:"agent_retries"`
	Fallbacks       int `json:"deterministic_fallbacks"`
	Arbitrations    int `json:"deterministic_arbitrations"`
	Total           int `json:"total"`
	Used            bool `json:"used"`
}

func (l *EventLog) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	var c Counts
	for _, ev := range l.events {
		switch ev.Mode {
		case ModeAgentRetry:
			c.AgentRetries++
		case ModeDeterministicFallback:
			c.Fallbacks++
		case ModeDeterministicArbitration:
			c.Arbitrations++
		}
	}
	c.Total = len(l.events)
	c.Used = c.Total > 0
	return c
}

// LoadEvents reads a persisted event log.
func LoadEvents(logsRoot string) ([]Event, error) {
	path := filepath.Join(logsRoot, "fallback_events.ndjson")
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
