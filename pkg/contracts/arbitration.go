package contracts

import "time"

// Candidate is one competing response or action under arbitration.
// Candidates are never mutated after creation; scores are computed, not stored.
type Candidate struct {
	ID           string      `json:"id"`
	Content      string      `json:"content"`
	Confidence   float64     `json:"confidence"`
	Violations   []Violation `json:"violations,omitempty"`
	RiskEstimate float64     `json:"risk_estimate"`
}

// ArbitrationStatus is the outcome of one conflict.
type ArbitrationStatus string

const (
	StatusApproved        ArbitrationStatus = "approved"
	StatusBlocked         ArbitrationStatus = "blocked"
	StatusPendingApproval ArbitrationStatus = "pending_approval"
	StatusRolledBack      ArbitrationStatus = "rolled_back"
)

// CandidateScore is the computed score of a candidate. Lower is better.
type CandidateScore struct {
	CandidateID string  `json:"candidate_id"`
	Score       float64 `json:"score"`
	Rank        int     `json:"rank"`
}

// LogEntry is one line of the arbitrator's decision log.
type LogEntry struct {
	ConflictID  string            `json:"conflict_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Event       string            `json:"event"`
	Status      ArbitrationStatus `json:"status"`
	CandidateID string            `json:"candidate_id,omitempty"`
	Rationale   string            `json:"rationale"`
	Actor       string            `json:"actor"`
}

// Override records an operator force-approving a conflict.
type Override struct {
	AdminID       string            `json:"admin_id"`
	OptionID      string            `json:"option_id"`
	Justification string            `json:"justification"`
	PreviousState ArbitrationStatus `json:"previous_state"`
	At            time.Time         `json:"at"`
}

// ArbitrationResult is created once per conflict and kept in the arbitrator's
// history. Later rollbacks and overrides change Status (and Override) only.
type ArbitrationResult struct {
	ConflictID       string            `json:"conflict_id"`
	RequesterID      string            `json:"requester_id"`
	ContextID        string            `json:"context_id,omitempty"`
	Status           ArbitrationStatus `json:"status"`
	Chosen           *Candidate        `json:"chosen"`
	BlockReason      string            `json:"block_reason,omitempty"`
	RequiresApproval bool              `json:"requires_approval"`
	Scores           []CandidateScore  `json:"scores,omitempty"`
	Violations       []Violation       `json:"violations,omitempty"`
	DecisionLog      []LogEntry        `json:"decision_log"`
	Override         *Override         `json:"override,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
}

// ApprovalRequest is raised for every blocked or pending-approval conflict.
type ApprovalRequest struct {
	ConflictID  string            `json:"conflict_id"`
	RequesterID string            `json:"requester_id"`
	Status      ArbitrationStatus `json:"status"`
	Reason      string            `json:"reason"`
	Violations  []Violation       `json:"violations,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	Resolved    bool              `json:"resolved"`
}
