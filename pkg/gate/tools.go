package gate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/veyvey45-eng/phoenix-ai-app-sub001/pkg/contracts"
)

//go:embed tools.yaml
var defaultTools []byte

// ToolPolicy is one allow-list entry.
type ToolPolicy struct {
	Name     string             `json:"name"`
	Allowed  bool               `json:"allowed"`
	Scope    contracts.Scope    `json:"scope"`
	RiskTier contracts.RiskTier `json:"risk"`
	schema   *jsonschema.Schema
}

// HasSchema reports whether parameters are validated for this tool.
func (p ToolPolicy) HasSchema() bool { return p.schema != nil }

// AllowList is the static tool allow-list.
type AllowList struct {
	tools map[string]ToolPolicy
}

type toolsDocument struct {
	Tools map[string]struct {
		Allowed bool           `yaml:"allowed"`
		Scope   string         `yaml:"scope"`
		Risk    string         `yaml:"risk"`
		Schema  map[string]any `yaml:"schema"`
	} `yaml:"tools"`
}

// ParseAllowList decodes a YAML allow-list and compiles its schemas.
func ParseAllowList(data []byte) (*AllowList, error) {
	var doc toolsDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("gate: decode tool allow-list: %w", err)
	}
	al := &AllowList{tools: make(map[string]ToolPolicy, len(doc.Tools))}
	for name, t := range doc.Tools {
		p := ToolPolicy{
			Name:     name,
			Allowed:  t.Allowed,
			Scope:    contracts.Scope(t.Scope),
			RiskTier: contracts.RiskTier(t.Risk),
		}
		if p.Scope.Level() > contracts.ScopeSystem.Level() || p.Scope == "" {
			return nil, fmt.Errorf("gate: tool %s: unknown scope %q", name, t.Scope)
		}
		switch p.RiskTier {
		case contracts.RiskLow, contracts.RiskMedium, contracts.RiskHigh:
		default:
			return nil, fmt.Errorf("gate: tool %s: unknown risk tier %q", name, t.Risk)
		}
		if t.Schema != nil {
			s, err := compileSchema(name, t.Schema)
			if err != nil {
				return nil, err
			}
			p.schema = s
		}
		al.tools[name] = p
	}
	return al, nil
}

func compileSchema(tool string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("gate: tool %s: schema not JSON-compatible: %w", tool, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://phoenix.schemas.local/tools/%s.schema.json", tool)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("gate: tool %s: schema load failed: %w", tool, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("gate: tool %s: schema compile failed: %w", tool, err)
	}
	return s, nil
}

// LoadAllowList reads an allow-list file. An empty path yields the built-in list.
func LoadAllowList(path string) (*AllowList, error) {
	if path == "" {
		return DefaultAllowList()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gate: read tool allow-list %s: %w", path, err)
	}
	return ParseAllowList(data)
}

// DefaultAllowList returns the built-in allow-list.
func DefaultAllowList() (*AllowList, error) {
	return ParseAllowList(defaultTools)
}

// Lookup returns the policy for a tool.
func (al *AllowList) Lookup(tool string) (ToolPolicy, bool) {
	p, ok := al.tools[tool]
	return p, ok
}

// Tools lists the allow-list sorted by name.
func (al *AllowList) Tools() []ToolPolicy {
	out := make([]ToolPolicy, 0, len(al.tools))
	for _, p := range al.tools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// validateParams checks params against the tool's schema, if any.
func (p ToolPolicy) validateParams(params map[string]any) error {
	if p.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	// Normalise Go values to their JSON forms.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("params are not JSON-compatible: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return p.schema.Validate(v)
}
