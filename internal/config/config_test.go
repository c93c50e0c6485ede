package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daimoniac/patchline/internal/types"
)

func writeFleet(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write fleet manifest: %v", err)
	}
	return path
}

const sampleFleet = `
defaults:
  pollInterval: 10s
  soakTime: 30m
  plan:
    canaryPercentage: 5
    earlyAdopterPercentage: 25
    soakTime: 30m
    maxFailureRate: 0.01
    requireApproval: true
groups:
  - name: payments
    targets: [pay-1, pay-2, pay-3]
    plan:
      canaryPercentage: 10
      earlyAdopterPercentage: 30
      soakTime: 2h
      maxFailureRate: 0.0
      requireApproval: true
    policyExpression: "failureCount == 0"
    notifyChannel: pagerduty
  - name: web
    targets: [web-1, web-2]
`

func TestLoadFleet(t *testing.T) {
	path := writeFleet(t, sampleFleet)

	manifest, err := LoadFleet(path)
	if err != nil {
		t.Fatalf("LoadFleet failed: %v", err)
	}

	if len(manifest.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(manifest.Groups))
	}

	payments, ok := manifest.Group("payments")
	if !ok {
		t.Fatal("payments group missing")
	}
	if payments.Plan.SoakTime != 2*time.Hour {
		t.Errorf("soak time not parsed: %v", payments.Plan.SoakTime)
	}
	if payments.Plan.MaxFailureRate != 0 {
		t.Errorf("max failure rate not parsed: %v", payments.Plan.MaxFailureRate)
	}
	if payments.PolicyExpression != "failureCount == 0" {
		t.Errorf("policy expression lost: %q", payments.PolicyExpression)
	}

	// Group without a plan falls back to the manifest default.
	webPlan := manifest.PlanFor("web")
	if webPlan.CanaryPercentage != 5 || webPlan.SoakTime != 30*time.Minute {
		t.Errorf("default plan not applied: %+v", webPlan)
	}

	// Unknown group falls back to the built-in default.
	if got := manifest.PlanFor("unknown"); got != types.DefaultRolloutPlan() {
		t.Errorf("built-in default not applied: %+v", got)
	}

	targets := manifest.AllTargets()
	if len(targets) != 5 || targets[0] != "pay-1" || targets[4] != "web-2" {
		t.Errorf("fleet targets wrong: %v", targets)
	}
}

func TestLoadFleetValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "duplicate group name",
			content: `
groups:
  - name: payments
    targets: [a]
  - name: payments
    targets: [b]
`,
		},
		{
			name: "group without targets",
			content: `
groups:
  - name: payments
    targets: []
`,
		},
		{
			name: "unnamed group",
			content: `
groups:
  - targets: [a]
`,
		},
		{
			name: "failure rate out of range",
			content: `
groups:
  - name: payments
    targets: [a]
    plan:
      maxFailureRate: 1.5
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFleet(writeFleet(t, tt.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadReadsFleetDefaults(t *testing.T) {
	path := writeFleet(t, sampleFleet)
	t.Setenv("PATCHLINE_FLEET", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Worker.PollInterval != 10*time.Second {
		t.Errorf("poll interval from manifest not applied: %v", cfg.Worker.PollInterval)
	}
	if cfg.Rollout.SoakTime != 30*time.Minute {
		t.Errorf("soak time from manifest not applied: %v", cfg.Rollout.SoakTime)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFleet(t, sampleFleet)
	t.Setenv("PATCHLINE_FLEET", path)
	t.Setenv("QUEUE_BUFFER_SIZE", "50")
	t.Setenv("API_PORT", "9000")
	t.Setenv("API_READ_ONLY", "true")
	t.Setenv("ROLLOUT_MAX_FAILURE_RATE", "0.25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.BufferSize != 50 {
		t.Errorf("buffer size override lost: %d", cfg.Queue.BufferSize)
	}
	if cfg.API.Port != 9000 || !cfg.API.ReadOnly {
		t.Errorf("api overrides lost: %+v", cfg.API)
	}
	if cfg.Rollout.MaxFailureRate != 0.25 {
		t.Errorf("failure rate override lost: %v", cfg.Rollout.MaxFailureRate)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path := writeFleet(t, sampleFleet)

	base := func() *Config {
		return &Config{
			FleetPath:  path,
			Queue:      QueueConfig{BufferSize: 10},
			Worker:     WorkerConfig{Concurrency: 3},
			StateStore: StateStoreConfig{Type: "sqlite", SQLitePath: "x.db"},
			Rollout:    RolloutConfig{MaxFailureRate: 0.1},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing fleet path", func(c *Config) { c.FleetPath = "" }},
		{"fleet file absent", func(c *Config) { c.FleetPath = "/nonexistent/fleet.yml" }},
		{"bad store type", func(c *Config) { c.StateStore.Type = "postgres" }},
		{"sqlite without path", func(c *Config) { c.StateStore.SQLitePath = "" }},
		{"failure rate above one", func(c *Config) { c.Rollout.MaxFailureRate = 2 }},
		{"zero buffer", func(c *Config) { c.Queue.BufferSize = 0 }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{"3h", 3 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"", 0, true},
		{"h", 0, true},
		{"5x", 0, true},
		{"-2h", 0, true},
	}

	for _, tt := range tests {
		got, err := parseInterval(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseInterval(%q): expected error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseInterval(%q) failed: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseInterval(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
