package entity

import (
	"slices"
	"time"
)

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusSending   EventStatus = "sending"
	EventStatusSent      EventStatus = "sent"
	EventStatusFailed    EventStatus = "failed"
	EventStatusCancelled EventStatus = "cancelled"
)

// CanTransitionTo reports whether an escalation event may move from s to next.
// sending -> pending is the retry path, sending -> cancelled is a failed send on an incident
// that is no longer open. sent, failed and cancelled are final.
func (s EventStatus) CanTransitionTo(next EventStatus) bool {
	switch s {
	case EventStatusPending:
		return next == EventStatusSending || next == EventStatusFailed || next == EventStatusCancelled
	case EventStatusSending:
		return next == EventStatusSent || next == EventStatusFailed || next == EventStatusPending || next == EventStatusCancelled
	case EventStatusSent, EventStatusFailed, EventStatusCancelled:
		return false
	}
	return false
}

func (s EventStatus) Final() bool {
	return s == EventStatusSent || s == EventStatusFailed || s == EventStatusCancelled
}

type EscalationEvent struct {
	IncidentID string      `json:"incident_id" dynamo:"incident_id,hash"`
	StepNumber int         `json:"step_number" dynamo:"step_number,range"`
	ID         string      `json:"id" dynamo:"id"`
	Channel    Channel     `json:"channel" dynamo:"channel"`
	Targets    []string    `json:"targets" dynamo:"targets"`
	TemplateID string      `json:"template_id" dynamo:"template_id"`
	Status     EventStatus `json:"status" dynamo:"status"`

	// ScheduledFor is fixed at creation. Retries move DueAt instead.
	ScheduledFor time.Time `json:"scheduled_for" dynamo:"scheduled_for"`
	DueAt        time.Time `json:"due_at" dynamo:"due_at,unixtime"`

	ClaimedBy        string    `json:"claimed_by,omitempty" dynamo:"claimed_by"`
	ClaimedAt        time.Time `json:"claimed_at,omitempty" dynamo:"claimed_at,unixtime"`
	DeliveredTargets []string  `json:"delivered_targets,omitempty" dynamo:"delivered_targets"`
	SentAt           time.Time `json:"sent_at,omitempty" dynamo:"sent_at"`
	RetryCount       int       `json:"retry_count" dynamo:"retry_count"`
	ErrorMessage     string    `json:"error_message,omitempty" dynamo:"error_message"`
	CreatedAt        time.Time `json:"created_at" dynamo:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" dynamo:"updated_at"`
}

// PendingTargets returns the targets that have not been delivered yet, in policy order.
func (e *EscalationEvent) PendingTargets() []string {
	var out []string
	for _, t := range e.Targets {
		if !slices.Contains(e.DeliveredTargets, t) {
			out = append(out, t)
		}
	}
	return out
}

func (e *EscalationEvent) MarkDelivered(target string) {
	if !slices.Contains(e.DeliveredTargets, target) {
		e.DeliveredTargets = append(e.DeliveredTargets, target)
	}
}
