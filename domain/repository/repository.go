package repository

import (
	"context"
	"errors"
	"time"

	"github.com/pyama86/siren/domain/entity"
)

// ErrConditionFailed is returned when a conditional write loses: a uniqueness
// constraint is already taken or the row is no longer in the expected state.
var ErrConditionFailed = errors.New("condition failed")

// ErrTargetRejected is wrapped by senders when the collaborator refused the target or message
// outright. Retrying will not change the answer.
var ErrTargetRejected = errors.New("target rejected")

// Lookups that miss return nil, nil.
type IncidentRepository interface {
	FindIncident(context.Context, string) (*entity.Incident, error)
	FindRootHash(context.Context, string) (*entity.RootHashRecord, error)
	// CreateIncident inserts the incident and takes its root hash in one conditional write.
	// It fails with ErrConditionFailed while another active incident holds the hash.
	CreateIncident(context.Context, *entity.Incident) error
	// MergeSignal refreshes an active incident's snapshot. ErrConditionFailed if it is no longer active.
	MergeSignal(ctx context.Context, id string, ctxValues, variables map[string]string, seenAt time.Time) (*entity.Incident, error)
	// TransitionIncident applies the status change, cancels every pending event of the incident,
	// and releases the root hash when resolving, all atomically. ErrConditionFailed if the
	// incident is not in tr.From anymore.
	TransitionIncident(context.Context, entity.IncidentTransition) (*entity.Incident, []entity.EscalationEvent, error)
	ActiveIncidents(context.Context) ([]entity.Incident, error)
}

type EventRepository interface {
	// CreateEvents inserts each event unless (incident_id, step_number) exists and returns how many were new.
	CreateEvents(context.Context, []entity.EscalationEvent) (int, error)
	EventsByIncident(context.Context, string) ([]entity.EscalationEvent, error)
	// DueEvents lists pending events with due_at <= now, oldest first.
	DueEvents(ctx context.Context, now time.Time, limit int) ([]entity.EscalationEvent, error)
	// ClaimEvent moves a due pending event to sending for worker. ErrConditionFailed if someone else won.
	ClaimEvent(ctx context.Context, incidentID string, step int, worker string, now time.Time) (*entity.EscalationEvent, error)
	// CompleteEvent writes ev, conditional on the stored event still being sending and claimed by ev.ClaimedBy.
	CompleteEvent(context.Context, *entity.EscalationEvent) error
	// ExpiredClaims lists sending events claimed before the cutoff.
	ExpiredClaims(ctx context.Context, before time.Time) ([]entity.EscalationEvent, error)
}

type AuditRepository interface {
	// AppendAudit stores entry unless its seq already exists (ErrConditionFailed).
	AppendAudit(context.Context, *entity.AuditEntry) error
	LastAudit(context.Context) (*entity.AuditEntry, error)
	AuditRange(ctx context.Context, fromSeq, toSeq int64) ([]entity.AuditEntry, error)
	AuditBetween(ctx context.Context, since, until time.Time) ([]entity.AuditEntry, error)
}

type PolicyRepository interface {
	Policies(context.Context) ([]entity.Policy, error)
	PolicyByID(context.Context, string) (*entity.Policy, error)
	SavePolicy(context.Context, *entity.Policy) error
	DeletePolicy(context.Context, string) error
}

type TemplateRepository interface {
	Templates(context.Context) ([]entity.Template, error)
	TemplateByID(context.Context, string) (*entity.Template, error)
	SaveTemplate(context.Context, *entity.Template) error
	DeleteTemplate(context.Context, string) error
}

type Repository interface {
	IncidentRepository
	EventRepository
	AuditRepository
	PolicyRepository
	TemplateRepository
}

type RepositoryFacade struct {
	IncidentRepository
	EventRepository
	AuditRepository
	PolicyRepository
	TemplateRepository
}

// Sender is the channel capability: deliver one rendered message to one target.
type Sender interface {
	Send(ctx context.Context, target string, msg entity.Message) error
}

type SenderFunc func(ctx context.Context, target string, msg entity.Message) error

func (f SenderFunc) Send(ctx context.Context, target string, msg entity.Message) error {
	return f(ctx, target, msg)
}

type PostMortemExporter interface {
	ExportPostMortem(ctx context.Context, title, body string) (string, error)
}

func NewRepository(
	incidentRepository IncidentRepository,
	eventRepository EventRepository,
	auditRepository AuditRepository,
	policyRepository PolicyRepository,
	templateRepository TemplateRepository,
) Repository {
	return RepositoryFacade{
		IncidentRepository: incidentRepository,
		EventRepository:    eventRepository,
		AuditRepository:    auditRepository,
		PolicyRepository:   policyRepository,
		TemplateRepository: templateRepository,
	}
}
