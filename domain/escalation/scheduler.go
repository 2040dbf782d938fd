package escalation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/repository"
)

// Scheduler turns a policy snapshot into the incident's escalation events.
type Scheduler struct {
	repo  repository.EventRepository
	audit *AuditRecorder
}

func NewScheduler(repo repository.EventRepository, audit *AuditRecorder) *Scheduler {
	return &Scheduler{repo: repo, audit: audit}
}

// Plan builds one pending event per step, due at incident creation plus the step delay.
func Plan(inc *entity.Incident, policy *entity.Policy) []entity.EscalationEvent {
	events := make([]entity.EscalationEvent, 0, len(policy.Steps))
	for n, step := range policy.Steps {
		at := inc.CreatedAt.Add(step.Delay())
		events = append(events, entity.EscalationEvent{
			IncidentID:   inc.ID,
			StepNumber:   n,
			ID:           uuid.NewString(),
			Channel:      step.Channel,
			Targets:      append([]string(nil), step.Targets...),
			TemplateID:   step.TemplateID,
			Status:       entity.EventStatusPending,
			ScheduledFor: at,
			DueAt:        at,
			CreatedAt:    inc.CreatedAt,
			UpdatedAt:    inc.CreatedAt,
		})
	}
	return events
}

// Schedule stores the planned events. Steps that already exist are left alone, so running it
// again for the same incident is a no-op. It returns how many events were new.
func (s *Scheduler) Schedule(ctx context.Context, inc *entity.Incident, policy *entity.Policy) (int, error) {
	created := 0
	for _, ev := range Plan(inc, policy) {
		n, err := s.repo.CreateEvents(ctx, []entity.EscalationEvent{ev})
		if err != nil {
			return created, fmt.Errorf("schedule step %d of %s: %w", ev.StepNumber, inc.ID, err)
		}
		if n == 0 {
			continue
		}
		created++
		if s.audit != nil {
			s.audit.event(ctx, entity.SystemActor, "event.scheduled", &ev, "")
		}
	}
	return created, nil
}
