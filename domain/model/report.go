package model

type Outcome string

const (
	// a new incident was opened and escalation scheduled
	OutcomeCreated Outcome = "created"
	// inside the dedupe window of an active incident; nothing written
	OutcomeDuplicate Outcome = "duplicate"
	// outside the dedupe window of an active incident; snapshot refreshed, escalation untouched
	OutcomeMerged Outcome = "merged"
	// root hash resolved too recently
	OutcomeSuppressed Outcome = "suppressed"
)

type ReportResult struct {
	IncidentID      string  `json:"incident_id,omitempty"`
	RootHash        string  `json:"root_hash"`
	Outcome         Outcome `json:"outcome"`
	PolicyID        string  `json:"policy_id,omitempty"`
	PolicyMissing   bool    `json:"policy_missing,omitempty"`
	EventsScheduled int     `json:"events_scheduled,omitempty"`
}

// Suppressed is true when the signal did not map to an incident id for the caller.
func (r ReportResult) Suppressed() bool {
	return r.Outcome == OutcomeSuppressed
}
