package axioms

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

// SupportedVersions is the policy document versions this build understands.
const SupportedVersions = ">=1.0.0, <2.0.0"

//go:embed policy.yaml
var defaultPolicy []byte

// Document is the YAML form of a policy.
type Document struct {
	Version string        `yaml:"version"`
	Axioms  []AxiomConfig `yaml:"axioms"`
}

// AxiomConfig is one axiom entry of a policy document.
type AxiomConfig struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Tier        string    `yaml:"tier"`
	Description string    `yaml:"description"`
	Judge       JudgeSpec `yaml:"judge"`
}

// Parse decodes a YAML policy document and builds its registry.
func Parse(data []byte) (*Registry, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("axioms: decode policy: %w", err)
	}
	if err := checkVersion(doc.Version); err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(doc.Axioms))
	for _, a := range doc.Axioms {
		rules = append(rules, Rule{
			Axiom: contracts.Axiom{
				ID:          a.ID,
				Name:        a.Name,
				Tier:        contracts.Tier(a.Tier),
				Description: a.Description,
			},
			Judge: a.Judge,
		})
	}
	return NewRegistry(doc.Version, rules)
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("%w: version missing", ErrUnsupportedVersion)
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, v, err)
	}
	c, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return fmt.Errorf("axioms: bad constraint: %w", err)
	}
	if !c.Check(ver) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrUnsupportedVersion, v, SupportedVersions)
	}
	return nil
}

// Load reads a policy file. An empty path yields the built-in policy.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("axioms: read policy %s: %w", path, err)
	}
	return Parse(data)
}

// Default builds the registry from the built-in policy.
func Default() (*Registry, error) {
	return Parse(defaultPolicy)
}

// MustDefault is Default for package initialisation and tests.
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}
