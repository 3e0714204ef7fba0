package contracts

import "time"

// Issue is an open violation or contradiction contributing to distress.
// Issues turn inactive when unreferenced for a number of decision cycles;
// they are never deleted.
type Issue struct {
	ID           string    `json:"id"`
	AxiomID      string    `json:"axiom_id,omitempty"`
	Tier         Tier      `json:"tier"`
	Severity     Severity  `json:"severity"`
	Description  string    `json:"description"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	MentionCount int       `json:"mention_count"`
	LastCycle    uint64    `json:"last_cycle"`
	Active       bool      `json:"active"`
}
