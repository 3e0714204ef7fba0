package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a named deployment profile: a set of tuning overrides kept in
// profile_<name>.yaml.
type Profile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Tuning      Tuning `yaml:"tuning"`
}

// LoadProfile loads profile_<name>.yaml from profilesDir.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}
	p, err := parseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}

// LoadAllProfiles loads every profile_*.yaml in profilesDir, keyed by name.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		p, err := parseProfile(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if p.Name == "" {
			base := filepath.Base(path)
			p.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

func parseProfile(data []byte) (*Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, err
	}
	t := p.Tuning
	if t.ApprovalThreshold < 0 || t.MaxRenaissance < 0 || t.EscalationThreshold < 0 ||
		t.DistressHysteresis < 0 || t.IssueInactiveCycles < 0 || t.RateLimitRPS < 0 ||
		t.GeneratorTimeout < 0 || t.ExecutorTimeout < 0 || t.SealTTL < 0 {
		return nil, fmt.Errorf("tuning values must not be negative")
	}
	return &p, nil
}

// apply copies every non-zero tuning value onto t.
func (p *Profile) apply(t *Tuning) {
	o := p.Tuning
	if o.ApprovalThreshold > 0 {
		t.ApprovalThreshold = o.ApprovalThreshold
	}
	if o.MaxRenaissance > 0 {
		t.MaxRenaissance = o.MaxRenaissance
	}
	if o.EscalationThreshold > 0 {
		t.EscalationThreshold = o.EscalationThreshold
	}
	if o.DistressHysteresis > 0 {
		t.DistressHysteresis = o.DistressHysteresis
	}
	if o.IssueInactiveCycles > 0 {
		t.IssueInactiveCycles = o.IssueInactiveCycles
	}
	if o.GeneratorTimeout > 0 {
		t.GeneratorTimeout = o.GeneratorTimeout
	}
	if o.ExecutorTimeout > 0 {
		t.ExecutorTimeout = o.ExecutorTimeout
	}
	if o.SealTTL > 0 {
		t.SealTTL = o.SealTTL
	}
	if o.RateLimitRPS > 0 {
		t.RateLimitRPS = o.RateLimitRPS
	}
}
