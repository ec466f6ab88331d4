// Package config loads the yaml run configuration. Pointer fields preserve
// explicit zero versus unset; validation collects every offending key rather
// than stopping at the first.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type SettingsConfig struct {
	Topic      string `json:"topic" yaml:"topic"`
	Audience   string `json:"audience,omitempty" yaml:"audience,omitempty"`
	Specialty  string `json:"specialty,omitempty" yaml:"specialty,omitempty"`
	SlideCount int    `json:"slide_count,omitempty" yaml:"slide_count,omitempty"`
}

type IsolationConfig struct {
	Mode          string   `json:"mode,omitempty" yaml:"mode,omitempty"` // in_process | isolated
	WorkerCommand []string `json:"worker_command,omitempty" yaml:"worker_command,omitempty"`
	KillGraceMS   *int     `json:"kill_grace_ms,omitempty" yaml:"kill_grace_ms,omitempty"`
}

type TimeoutsConfig struct {
	CallMS *int `json:"call_ms,omitempty" yaml:"call_ms,omitempty"`

	// The slides ladder: full detail, compacted, kernel prompts.
	SlidesFullMS    *int `json:"slides_full_ms,omitempty" yaml:"slides_full_ms,omitempty"`
	SlidesCompactMS *int `json:"slides_compact_ms,omitempty" yaml:"slides_compact_ms,omitempty"`
	SlidesKernelMS  *int `json:"slides_kernel_ms,omitempty" yaml:"slides_kernel_ms,omitempty"`

	// WatchdogCeilingMS is the stage watchdog's hard ceiling. Zero disables.
	WatchdogCeilingMS *int `json:"watchdog_ceiling_ms,omitempty" yaml:"watchdog_ceiling_ms,omitempty"`
}

type ArbitrationConfig struct {
	Enabled *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Rule    string   `json:"rule,omitempty" yaml:"rule,omitempty"` // weighted_mean | must_findings
	Margin  *float64 `json:"margin,omitempty" yaml:"margin,omitempty"`
}

type BackoffConfig struct {
	InitialDelayMS *int     `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`
	BackoffFactor  *float64 `json:"backoff_factor,omitempty" yaml:"backoff_factor,omitempty"`
	MaxDelayMS     *int     `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	Jitter         *bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

type QAConfig struct {
	PatchBudget *int     `json:"patch_budget,omitempty" yaml:"patch_budget,omitempty"`
	AcceptMean  *float64 `json:"accept_mean,omitempty" yaml:"accept_mean,omitempty"`
}

type AgentConfig struct {
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model    string `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTurns *int   `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
}

type File struct {
	Version  int            `json:"version" yaml:"version"`
	Settings SettingsConfig `json:"settings" yaml:"settings"`

	// Policy is the adherence mode: strict or warn.
	Policy string `json:"policy,omitempty" yaml:"policy,omitempty"`

	Agent       AgentConfig       `json:"agent,omitempty" yaml:"agent,omitempty"`
	Isolation   IsolationConfig   `json:"isolation,omitempty" yaml:"isolation,omitempty"`
	Timeouts    TimeoutsConfig    `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
	Arbitration ArbitrationConfig `json:"arbitration,omitempty" yaml:"arbitration,omitempty"`
	Backoff     BackoffConfig     `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	QA          QAConfig          `json:"qa,omitempty" yaml:"qa,omitempty"`
}

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := f.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

func intPtr(v int) *int             { return &v }
func float64Ptr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool          { return &v }

// ApplyDefaults fills unset fields and validates the result, collecting all
// problems into one error.
func (f *File) ApplyDefaults() error {
	if f.Policy == "" {
		f.Policy = "warn"
	}
	if f.Isolation.Mode == "" {
		f.Isolation.Mode = "in_process"
	}
	if f.Isolation.KillGraceMS == nil {
		f.Isolation.KillGraceMS = intPtr(2000)
	}
	if f.Timeouts.CallMS == nil {
		f.Timeouts.CallMS = intPtr(60_000)
	}
	if f.Timeouts.SlidesFullMS == nil {
		f.Timeouts.SlidesFullMS = intPtr(120_000)
	}
	if f.Timeouts.SlidesCompactMS == nil {
		f.Timeouts.SlidesCompactMS = intPtr(60_000)
	}
	if f.Timeouts.SlidesKernelMS == nil {
		f.Timeouts.SlidesKernelMS = intPtr(30_000)
	}
	if f.Timeouts.WatchdogCeilingMS == nil {
		// Per-stage hard ceiling: generous multiple of the largest call budget.
		f.Timeouts.WatchdogCeilingMS = intPtr(3 * *f.Timeouts.SlidesFullMS)
	}
	if f.Arbitration.Enabled == nil {
		f.Arbitration.Enabled = boolPtr(false)
	}
	if f.Arbitration.Rule == "" {
		f.Arbitration.Rule = "weighted_mean"
	}
	if f.Arbitration.Margin == nil {
		f.Arbitration.Margin = float64Ptr(0.7)
	}
	if f.Backoff.InitialDelayMS == nil {
		f.Backoff.InitialDelayMS = intPtr(200)
	}
	if f.Backoff.BackoffFactor == nil {
		f.Backoff.BackoffFactor = float64Ptr(2.0)
	}
	if f.Backoff.MaxDelayMS == nil {
		f.Backoff.MaxDelayMS = intPtr(60_000)
	}
	if f.Backoff.Jitter == nil {
		f.Backoff.Jitter = boolPtr(false)
	}
	if f.QA.PatchBudget == nil {
		f.QA.PatchBudget = intPtr(2)
	}
	if f.QA.AcceptMean == nil {
		f.QA.AcceptMean = float64Ptr(7.0)
	}
	if f.Agent.Provider == "" {
		f.Agent.Provider = "simulated"
	}
	if f.Agent.Model == "" {
		f.Agent.Model = "default"
	}
	if f.Agent.MaxTurns == nil {
		f.Agent.MaxTurns = intPtr(8)
	}
	return f.validate()
}

func (f *File) validate() error {
	var problems []string
	add := func(key string, format string, args ...any) {
		problems = append(problems, key+": "+fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(f.Settings.Topic) == "" {
		add("settings.topic", "is required")
	}
	switch f.Policy {
	case "strict", "warn":
	default:
		add("policy", "must be strict or warn, got %q", f.Policy)
	}
	switch f.Isolation.Mode {
	case "in_process", "isolated":
	default:
		add("isolation.mode", "must be in_process or isolated, got %q", f.Isolation.Mode)
	}
	switch f.Arbitration.Rule {
	case "weighted_mean", "must_findings":
	default:
		add("arbitration.rule", "must be weighted_mean or must_findings, got %q", f.Arbitration.Rule)
	}
	if *f.Arbitration.Margin < 0 {
		add("arbitration.margin", "must be >= 0, got %v", *f.Arbitration.Margin)
	}
	if *f.QA.PatchBudget < 0 {
		add("qa.patch_budget", "must be >= 0, got %d", *f.QA.PatchBudget)
	}
	for key, v := range map[string]*int{
		"timeouts.call_ms":          f.Timeouts.CallMS,
		"timeouts.slides_full_ms":   f.Timeouts.SlidesFullMS,
		"timeouts.slides_compact_ms": f.Timeouts.SlidesCompactMS,
		"timeouts.slides_kernel_ms": f.Timeouts.SlidesKernelMS,
	} {
		if *v <= 0 {
			add(key, "must be > 0, got %d", *v)
		}
	}
	if *f.Timeouts.WatchdogCeilingMS < 0 {
		add("timeouts.watchdog_ceiling_ms", "must be >= 0, got %d", *f.Timeouts.WatchdogCeilingMS)
	}
	if *f.Backoff.BackoffFactor <= 0 {
		add("backoff.backoff_factor", "must be > 0, got %v", *f.Backoff.BackoffFactor)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid run config:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// Duration helpers keep millisecond plumbing at the config boundary.

func (t TimeoutsConfig) Call() time.Duration            { return msDur(t.CallMS) }
func (t TimeoutsConfig) SlidesFull() time.Duration      { return msDur(t.SlidesFullMS) }
func (t TimeoutsConfig) SlidesCompact() time.Duration   { return msDur(t.SlidesCompactMS) }
func (t TimeoutsConfig) SlidesKernel() time.Duration    { return msDur(t.SlidesKernelMS) }
func (t TimeoutsConfig) WatchdogCeiling() time.Duration { return msDur(t.WatchdogCeilingMS) }

func (i IsolationConfig) KillGrace() time.Duration { return msDur(i.KillGraceMS) }

func msDur(p *int) time.Duration {
	if p == nil || *p <= 0 {
		return 0
	}
	return time.Duration(*p) * time.Millisecond
}
