package contracts

import "time"

// Scope is the reach of an action. Scopes are ordered read < write < system.
type Scope string

const (
	ScopeRead   Scope = "read"
	ScopeWrite  Scope = "write"
	ScopeSystem Scope = "system"
)

// Level orders scopes; unknown scopes rank above system.
func (s Scope) Level() int {
	switch s {
	case ScopeRead, "":
		return 0
	case ScopeWrite:
		return 1
	case ScopeSystem:
		return 2
	default:
		return 3
	}
}

// RiskTier classifies a tool on the allow-list.
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)

// ActionRequest is a concrete action proposed for the external executor.
type ActionRequest struct {
	ID            string         `json:"id"`
	Tool          string         `json:"tool"`
	Scope         Scope          `json:"scope,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Description   string         `json:"description,omitempty"`
	RequesterID   string         `json:"requester_id"`
	ConflictID    string         `json:"conflict_id,omitempty"`
	HumanApproved bool           `json:"human_approved"`
}

// SecurityGateResult is the gate's verdict on an action request.
type SecurityGateResult struct {
	Allowed    bool        `json:"allowed"`
	Reason     string      `json:"reason"`
	Violations []Violation `json:"violations,omitempty"`
	RiskScore  float64     `json:"risk_score"`
}

// SignedAction is an authorized action sealed for the executor.
// The signature covers every field except Signature itself.
type SignedAction struct {
	Request   ActionRequest `json:"request"`
	Nonce     string        `json:"nonce"`
	IssuedAt  time.Time     `json:"issued_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	Signature string        `json:"signature,omitempty"`
}

// Outcome is what the executor reports after running an action.
type Outcome struct {
	ActionID string         `json:"action_id"`
	Success  bool           `json:"success"`
	Output   string         `json:"output,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}
