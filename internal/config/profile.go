package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is a named, per-chain configuration override loaded from a YAML
// file for CLI-driven usage.
type Profile struct {
	Name                   string `yaml:"name"`
	ChainID                int64  `yaml:"chain_id"`
	WriterLockTTLMs        int64  `yaml:"writer_lock_ttl_ms"`
	ServiceRequestTimeoutMs int64 `yaml:"service_request_timeout_ms"`
	AllowLegacyEthSign     bool   `yaml:"allow_legacy_eth_sign"`
}

// ProfileFile is the top-level document format: a list of named profiles.
type ProfileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads and validates a profile file at path. Validation is
// fail-closed: an invalid profile (missing name, non-positive chain_id,
// duplicate name) rejects the whole file rather than silently dropping
// the bad entry and continuing with defaults.
func LoadProfiles(path string) (*ProfileFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile file %s: %w", path, err)
	}
	var file ProfileFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: parse profile file %s: %w", path, err)
	}
	if err := validateProfiles(file.Profiles); err != nil {
		return nil, fmt.Errorf("config: invalid profile file %s: %w", path, err)
	}
	return &file, nil
}

func validateProfiles(profiles []Profile) error {
	seen := make(map[string]bool)
	for _, p := range profiles {
		if p.Name == "" {
			return fmt.Errorf("profile entry missing name")
		}
		if p.ChainID <= 0 {
			return fmt.Errorf("profile %q: chain_id must be positive", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// ByName returns the profile named name, or ok=false if absent.
func (f *ProfileFile) ByName(name string) (Profile, bool) {
	for _, p := range f.Profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}
