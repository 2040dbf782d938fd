package entity

import "time"

type IncidentStatus string

const (
	IncidentStatusOpen         IncidentStatus = "open"
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
	IncidentStatusResolved     IncidentStatus = "resolved"
)

// CanTransitionTo reports whether the incident state machine allows s -> next.
// There is no way back: resolved is terminal and acknowledged never returns to open.
func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	switch s {
	case IncidentStatusOpen:
		return next == IncidentStatusAcknowledged || next == IncidentStatusResolved
	case IncidentStatusAcknowledged:
		return next == IncidentStatusResolved
	case IncidentStatusResolved:
		return false
	}
	return false
}

// Active is true while the incident still holds its root hash.
func (s IncidentStatus) Active() bool {
	return s == IncidentStatusOpen || s == IncidentStatusAcknowledged
}

func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusAcknowledged, IncidentStatusResolved:
		return true
	}
	return false
}

type Incident struct {
	ID       string         `json:"id" dynamo:"id,hash"`
	RootHash string         `json:"root_hash" dynamo:"root_hash"`
	Type     string         `json:"type" dynamo:"type"`
	Severity int            `json:"severity" dynamo:"severity"`
	Source   string         `json:"source" dynamo:"source"`
	Status   IncidentStatus `json:"status" dynamo:"status"`
	PolicyID string         `json:"policy_id,omitempty" dynamo:"policy_id"`

	Context   map[string]string `json:"context,omitempty" dynamo:"context"`
	Variables map[string]string `json:"variables,omitempty" dynamo:"variables"`

	// snapshot of the policy windows at creation time
	DedupeWindowSeconds int `json:"dedupe_window_seconds" dynamo:"dedupe_window_seconds"`
	CooldownSeconds     int `json:"cooldown_seconds" dynamo:"cooldown_seconds"`
	// Steps is the policy's step list as scheduled. Later signals use it to fill in
	// events a failed schedule left out.
	Steps []Step `json:"steps,omitempty" dynamo:"steps"`

	SignalCount     int       `json:"signal_count" dynamo:"signal_count"`
	CreatedAt       time.Time `json:"created_at" dynamo:"created_at"`
	LastSeenAt      time.Time `json:"last_seen_at" dynamo:"last_seen_at"`
	AcknowledgedAt  time.Time `json:"acknowledged_at,omitempty" dynamo:"acknowledged_at"`
	AcknowledgedBy  string    `json:"acknowledged_by,omitempty" dynamo:"acknowledged_by"`
	ResolvedAt      time.Time `json:"resolved_at,omitempty" dynamo:"resolved_at"`
	ResolvedBy      string    `json:"resolved_by,omitempty" dynamo:"resolved_by"`
	ResolutionNotes string    `json:"resolution_notes,omitempty" dynamo:"resolution_notes"`
}

// PolicySnapshot rebuilds the policy the incident was scheduled from.
func (i *Incident) PolicySnapshot() *Policy {
	return &Policy{
		ID:                  i.PolicyID,
		DedupeWindowSeconds: i.DedupeWindowSeconds,
		CooldownSeconds:     i.CooldownSeconds,
		Steps:               i.Steps,
	}
}

func (i *Incident) DedupeWindow() time.Duration {
	return time.Duration(i.DedupeWindowSeconds) * time.Second
}

func (i *Incident) Cooldown() time.Duration {
	return time.Duration(i.CooldownSeconds) * time.Second
}

// WithinDedupeWindow is true when a signal at now should be discarded as a duplicate.
func (i *Incident) WithinDedupeWindow(now time.Time) bool {
	return now.Sub(i.CreatedAt) < i.DedupeWindow()
}

// WithinCooldown is true when a resolved incident's root hash was last seen too recently
// for a recurrence to open a new incident.
func (i *Incident) WithinCooldown(now time.Time) bool {
	if i.Status != IncidentStatusResolved {
		return false
	}
	return now.Sub(i.LastSeenAt) < i.Cooldown()
}

// IncidentTransition is a single state change request, applied atomically with the
// cancellation of the incident's pending escalation events.
type IncidentTransition struct {
	IncidentID string
	From       IncidentStatus
	To         IncidentStatus
	Actor      string
	Notes      string
	At         time.Time
}

// Apply mutates inc according to t. It does not check the state machine.
func (t IncidentTransition) Apply(inc *Incident) {
	inc.Status = t.To
	switch t.To {
	case IncidentStatusAcknowledged:
		inc.AcknowledgedAt = t.At
		inc.AcknowledgedBy = t.Actor
	case IncidentStatusResolved:
		inc.ResolvedAt = t.At
		inc.ResolvedBy = t.Actor
		inc.ResolutionNotes = t.Notes
	}
}

// RootHashRecord is the uniqueness guard for active incidents: one row per root hash,
// pointing at the latest incident created for it.
type RootHashRecord struct {
	RootHash   string    `json:"root_hash" dynamo:"root_hash,hash"`
	IncidentID string    `json:"incident_id" dynamo:"incident_id"`
	Resolved   bool      `json:"resolved" dynamo:"resolved"`
	UpdatedAt  time.Time `json:"updated_at" dynamo:"updated_at"`
}
