package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// profileSchemaConstraint pins the profile schema versions this build
// understands. Profiles written for a newer major schema are rejected
// rather than half-applied.
const profileSchemaConstraint = "^1.0.0"

// Profile is a deployment profile: the privacy and budget tunables an
// operator ships as YAML instead of environment variables.
type Profile struct {
	SchemaVersion string `yaml:"schema_version"`
	Name          string `yaml:"name"`
	// DisclosureWindowRaw is a Go duration string ("5m", "90s").
	DisclosureWindowRaw string `yaml:"disclosure_window"`
	BlurFactor          uint64 `yaml:"blur_factor"`
	DailyLimit          int64  `yaml:"daily_limit"`
	ReleasePolicy       string `yaml:"release_policy"`
	GatewayURL          string `yaml:"gateway_url"`

	DisclosureWindow time.Duration `yaml:"-"`
}

// LoadProfile reads and validates a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes profile YAML and checks its schema version.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if p.SchemaVersion == "" {
		return nil, fmt.Errorf("profile is missing schema_version")
	}
	v, err := semver.NewVersion(p.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("profile schema_version %q: %w", p.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(profileSchemaConstraint)
	if err != nil {
		return nil, err
	}
	if !constraint.Check(v) {
		return nil, fmt.Errorf("profile schema_version %s is not supported by this build (want %s)",
			p.SchemaVersion, profileSchemaConstraint)
	}
	if p.DisclosureWindowRaw != "" {
		d, err := time.ParseDuration(p.DisclosureWindowRaw)
		if err != nil {
			return nil, fmt.Errorf("profile disclosure_window %q: %w", p.DisclosureWindowRaw, err)
		}
		p.DisclosureWindow = d
	}
	return &p, nil
}
