package types

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// PatchVersion is the semantic version of a patch release.
type PatchVersion struct {
	Major uint64 `json:"major"`
	Minor uint64 `json:"minor"`
	Patch uint64 `json:"patch"`
}

// NewPatchVersion builds a PatchVersion from its three components.
func NewPatchVersion(major, minor, patch uint64) PatchVersion {
	return PatchVersion{Major: major, Minor: minor, Patch: patch}
}

// DefaultVersion is the starting version for a patch with no release
// history.
func DefaultVersion() PatchVersion {
	return PatchVersion{Major: 0, Minor: 1, Patch: 0}
}

// ParsePatchVersion parses a strict "major.minor.patch" string.
func ParsePatchVersion(s string) (PatchVersion, error) {
	v, err := semver.StrictNewVersion(s)
	if err != nil {
		return PatchVersion{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	if v.Prerelease() != "" || v.Metadata() != "" {
		return PatchVersion{}, fmt.Errorf("invalid version %q: prerelease and metadata are not supported", s)
	}
	return PatchVersion{Major: v.Major(), Minor: v.Minor(), Patch: v.Patch()}, nil
}

// Semver converts the version into a semver.Version for range checks.
func (v PatchVersion) Semver() *semver.Version {
	return semver.New(v.Major, v.Minor, v.Patch, "", "")
}

// Compare orders two versions lexicographically on (major, minor, patch).
// It returns -1, 0 or 1.
func (v PatchVersion) Compare(other PatchVersion) int {
	return v.Semver().Compare(other.Semver())
}

// BumpMajor increments the major component and resets minor and patch.
func (v PatchVersion) BumpMajor() PatchVersion {
	return PatchVersion{Major: v.Major + 1, Minor: 0, Patch: 0}
}

// BumpMinor increments the minor component and resets patch.
func (v PatchVersion) BumpMinor() PatchVersion {
	return PatchVersion{Major: v.Major, Minor: v.Minor + 1, Patch: 0}
}

// BumpPatch increments the patch component.
func (v PatchVersion) BumpPatch() PatchVersion {
	return PatchVersion{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}
}

// BumpForSeverity returns the next version according to the severity of
// the release: Critical and High bump major, Medium bumps minor, Low
// bumps patch.
func (v PatchVersion) BumpForSeverity(severity Severity) PatchVersion {
	switch severity {
	case SeverityCritical, SeverityHigh:
		return v.BumpMajor()
	case SeverityMedium:
		return v.BumpMinor()
	default:
		return v.BumpPatch()
	}
}

func (v PatchVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
