package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/daimoniac/patchline/internal/types"
)

// FleetManifest declares the managed target fleet. Target groups map
// patch advisories onto concrete deployment units and carry per-group
// rollout defaults.
type FleetManifest struct {
	Defaults FleetDefaults `yaml:"defaults"`
	Groups   []TargetGroup `yaml:"groups"`
}

// FleetDefaults are manifest-wide settings applied to every group that
// does not override them.
type FleetDefaults struct {
	PollInterval string            `yaml:"pollInterval"`
	SoakTime     string            `yaml:"soakTime"`
	Plan         *types.RolloutPlan `yaml:"plan"`
}

// TargetGroup names a set of deployment targets that roll out together.
type TargetGroup struct {
	Name    string   `yaml:"name"`
	Targets []string `yaml:"targets"`
	// Plan overrides the default rollout plan for this group.
	Plan *types.RolloutPlan `yaml:"plan"`
	// PolicyExpression optionally tightens the advancement policy for
	// this group (CEL).
	PolicyExpression string `yaml:"policyExpression"`
	// NotifyChannel is delivery metadata handed to the notification
	// sender.
	NotifyChannel string `yaml:"notifyChannel"`
}

// LoadFleet reads and validates the fleet manifest.
func LoadFleet(path string) (*FleetManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet manifest: %w", err)
	}

	var manifest FleetManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse fleet manifest: %w", err)
	}

	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Validate checks group names are unique and every group has targets.
func (m *FleetManifest) Validate() error {
	seen := make(map[string]bool, len(m.Groups))
	for _, g := range m.Groups {
		if g.Name == "" {
			return fmt.Errorf("fleet group without a name")
		}
		if seen[g.Name] {
			return fmt.Errorf("duplicate fleet group: %s", g.Name)
		}
		seen[g.Name] = true

		if len(g.Targets) == 0 {
			return fmt.Errorf("fleet group %s has no targets", g.Name)
		}
		if plan := g.Plan; plan != nil {
			if plan.CanaryPercentage < 0 || plan.CanaryPercentage > 100 {
				return fmt.Errorf("fleet group %s: canary percentage out of range", g.Name)
			}
			if plan.EarlyAdopterPercentage < 0 || plan.EarlyAdopterPercentage > 100 {
				return fmt.Errorf("fleet group %s: early adopter percentage out of range", g.Name)
			}
			if plan.MaxFailureRate < 0 || plan.MaxFailureRate > 1 {
				return fmt.Errorf("fleet group %s: max failure rate out of range", g.Name)
			}
		}
	}
	return nil
}

// Group returns the named target group.
func (m *FleetManifest) Group(name string) (*TargetGroup, bool) {
	for i := range m.Groups {
		if m.Groups[i].Name == name {
			return &m.Groups[i], true
		}
	}
	return nil, false
}

// PlanFor resolves the effective rollout plan for a group: the group's
// own plan, else the manifest default, else the built-in default.
func (m *FleetManifest) PlanFor(name string) types.RolloutPlan {
	if g, ok := m.Group(name); ok && g.Plan != nil {
		return *g.Plan
	}
	if m.Defaults.Plan != nil {
		return *m.Defaults.Plan
	}
	return types.DefaultRolloutPlan()
}

// AllTargets returns the union of all group targets in manifest order,
// deduplicated.
func (m *FleetManifest) AllTargets() []string {
	seen := make(map[string]bool)
	var targets []string
	for _, g := range m.Groups {
		for _, t := range g.Targets {
			if !seen[t] {
				seen[t] = true
				targets = append(targets, t)
			}
		}
	}
	return targets
}
