package entity

import (
	"fmt"
	"sort"
	"time"
)

// WildcardType matches every incident type, at the lowest specificity.
const WildcardType = "*"

type Step struct {
	DelaySeconds int      `json:"delay_seconds" mapstructure:"delay_seconds" dynamo:"delay_seconds" validate:"gte=0"`
	Channel      Channel  `json:"channel" mapstructure:"channel" dynamo:"channel" validate:"required,oneof=email sms chat voice"`
	TemplateID   string   `json:"template_id" mapstructure:"template_id" dynamo:"template_id" validate:"required"`
	Targets      []string `json:"targets" mapstructure:"targets" dynamo:"targets" validate:"required,min=1,dive,required"`
}

func (s Step) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

type Policy struct {
	ID                  string    `json:"id" mapstructure:"id" dynamo:"id,hash" validate:"required"`
	Name                string    `json:"name" mapstructure:"name" dynamo:"name" validate:"required"`
	IncidentType        string    `json:"incident_type" mapstructure:"incident_type" dynamo:"incident_type" validate:"required"`
	MinSeverity         int       `json:"min_severity" mapstructure:"min_severity" dynamo:"min_severity" validate:"gte=1,lte=5"`
	Steps               []Step    `json:"steps" mapstructure:"steps" dynamo:"steps" validate:"required,min=1,dive"`
	CooldownSeconds     int       `json:"cooldown_seconds" mapstructure:"cooldown_seconds" dynamo:"cooldown_seconds" validate:"gte=0"`
	DedupeWindowSeconds int       `json:"dedupe_window_seconds" mapstructure:"dedupe_window_seconds" dynamo:"dedupe_window_seconds" validate:"gte=0"`
	Enabled             bool      `json:"enabled" mapstructure:"enabled" dynamo:"enabled"`
	UpdatedAt           time.Time `json:"updated_at" mapstructure:"-" dynamo:"updated_at"`
}

// Normalize orders steps by ascending delay. Steps with equal delay keep their configured order.
func (p *Policy) Normalize() {
	sort.SliceStable(p.Steps, func(i, j int) bool {
		return p.Steps[i].DelaySeconds < p.Steps[j].DelaySeconds
	})
}

// Validate checks the rules struct tags cannot express.
func (p *Policy) Validate() error {
	for i := 1; i < len(p.Steps); i++ {
		if p.Steps[i].DelaySeconds < p.Steps[i-1].DelaySeconds {
			return fmt.Errorf("policy %s: step %d delay %ds is before step %d delay %ds", p.ID, i, p.Steps[i].DelaySeconds, i-1, p.Steps[i-1].DelaySeconds)
		}
	}
	for i, s := range p.Steps {
		if !s.Channel.Valid() {
			return fmt.Errorf("policy %s: step %d has unknown channel %q", p.ID, i, s.Channel)
		}
	}
	return nil
}

// Matches reports whether the policy applies to an incident of the given type and severity.
func (p *Policy) Matches(incidentType string, severity int) bool {
	if !p.Enabled {
		return false
	}
	if p.IncidentType != WildcardType && p.IncidentType != incidentType {
		return false
	}
	return severity >= p.MinSeverity
}

// Specificity ranks matching policies; higher wins.
func (p *Policy) Specificity() int {
	score := p.MinSeverity
	if p.IncidentType != WildcardType {
		score += 100
	}
	return score
}
