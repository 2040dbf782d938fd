package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/guregu/dynamo/v2"
	"github.com/pyama86/siren/domain/entity"
)

var (
	incidentsTable  = "siren_incidents"
	rootHashesTable = "siren_root_hashes"
	eventsTable     = "siren_escalation_events"
	auditTable      = "siren_audit"
	policiesTable   = "siren_policies"
	templatesTable  = "siren_templates"
)

// transitions retry when a pending event is claimed between our read and the transaction
const maxTransitionAttempts = 5

func init() {
	for env, table := range map[string]*string{
		"DYNAMO_INCIDENTS_TABLE":   &incidentsTable,
		"DYNAMO_ROOT_HASHES_TABLE": &rootHashesTable,
		"DYNAMO_EVENTS_TABLE":      &eventsTable,
		"DYNAMO_AUDIT_TABLE":       &auditTable,
		"DYNAMO_POLICIES_TABLE":    &policiesTable,
		"DYNAMO_TEMPLATES_TABLE":   &templatesTable,
	} {
		if v := os.Getenv(env); v != "" {
			*table = v
		}
	}
}

func NewDynamoDBRepository(ctx context.Context, endpoint string) (*DynamoDBRepository, error) {
	var db *dynamo.DB
	if endpoint != "" || os.Getenv("DYNAMO_LOCAL") != "" {
		if endpoint == "" {
			endpoint = "http://localhost:8000"
		}
		cfg, err := config.LoadDefaultConfig(ctx,
			config.WithRegion("dummy"),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("dummy", "dummy", "dummy")),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		db = dynamo.New(cfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})

		if err := setupDdbSchema(ctx, db); err != nil {
			return nil, fmt.Errorf("failed to setup schema: %w", err)
		}
	} else {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		db = dynamo.New(cfg)
	}

	return &DynamoDBRepository{db: db}, nil
}

func setupDdbSchema(ctx context.Context, db *dynamo.DB) error {
	schemas := []struct {
		name string
		from any
	}{
		{incidentsTable, entity.Incident{}},
		{rootHashesTable, entity.RootHashRecord{}},
		{eventsTable, entity.EscalationEvent{}},
		{auditTable, entity.AuditEntry{}},
		{policiesTable, entity.Policy{}},
		{templatesTable, entity.Template{}},
	}
	for _, s := range schemas {
		if _, err := db.Table(s.name).Describe().Run(ctx); err == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := db.CreateTable(s.name, s.from).Provision(10, 10).Run(cctx)
		cancel()
		if err != nil {
			return fmt.Errorf("create table %s: %w", s.name, err)
		}
	}
	return nil
}

type DynamoDBRepository struct {
	db *dynamo.DB
}

func condFailed(err error) error {
	if dynamo.IsCondCheckFailed(err) {
		return ErrConditionFailed
	}
	return err
}

func (r *DynamoDBRepository) FindIncident(ctx context.Context, id string) (*entity.Incident, error) {
	incident := &entity.Incident{}
	err := r.db.Table(incidentsTable).Get("id", id).One(ctx, incident)
	if err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return incident, nil
}

func (r *DynamoDBRepository) FindRootHash(ctx context.Context, hash string) (*entity.RootHashRecord, error) {
	rec := &entity.RootHashRecord{}
	err := r.db.Table(rootHashesTable).Get("root_hash", hash).One(ctx, rec)
	if err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (r *DynamoDBRepository) CreateIncident(ctx context.Context, inc *entity.Incident) error {
	rec := entity.RootHashRecord{
		RootHash:   inc.RootHash,
		IncidentID: inc.ID,
		UpdatedAt:  inc.CreatedAt,
	}
	tx := r.db.WriteTx()
	tx.Put(r.db.Table(rootHashesTable).Put(rec).If("attribute_not_exists('root_hash') OR 'resolved' = ?", true))
	tx.Put(r.db.Table(incidentsTable).Put(inc).If("attribute_not_exists('id')"))
	return condFailed(tx.Run(ctx))
}

func (r *DynamoDBRepository) MergeSignal(ctx context.Context, id string, ctxValues, variables map[string]string, seenAt time.Time) (*entity.Incident, error) {
	var out entity.Incident
	err := r.db.Table(incidentsTable).Update("id", id).
		Set("context", ctxValues).
		Set("variables", variables).
		Set("last_seen_at", seenAt).
		Add("signal_count", 1).
		If("'status' = ? OR 'status' = ?", entity.IncidentStatusOpen, entity.IncidentStatusAcknowledged).
		Value(ctx, &out)
	if err != nil {
		return nil, condFailed(err)
	}
	return &out, nil
}

func (r *DynamoDBRepository) TransitionIncident(ctx context.Context, tr entity.IncidentTransition) (*entity.Incident, []entity.EscalationEvent, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		inc, err := r.FindIncident(ctx, tr.IncidentID)
		if err != nil {
			return nil, nil, err
		}
		if inc == nil || inc.Status != tr.From {
			return nil, nil, ErrConditionFailed
		}
		events, err := r.EventsByIncident(ctx, tr.IncidentID)
		if err != nil {
			return nil, nil, err
		}

		tx := r.db.WriteTx()
		upd := r.db.Table(incidentsTable).Update("id", tr.IncidentID).Set("status", tr.To)
		switch tr.To {
		case entity.IncidentStatusAcknowledged:
			upd = upd.Set("acknowledged_at", tr.At).Set("acknowledged_by", tr.Actor)
		case entity.IncidentStatusResolved:
			upd = upd.Set("resolved_at", tr.At).Set("resolved_by", tr.Actor).Set("resolution_notes", tr.Notes)
		}
		tx.Update(upd.If("'status' = ?", tr.From))

		var cancelled []entity.EscalationEvent
		for _, ev := range events {
			if ev.Status != entity.EventStatusPending {
				continue
			}
			tx.Update(r.db.Table(eventsTable).Update("incident_id", ev.IncidentID).Range("step_number", ev.StepNumber).
				Set("status", entity.EventStatusCancelled).
				Set("updated_at", tr.At).
				If("'status' = ?", entity.EventStatusPending))
			ev.Status = entity.EventStatusCancelled
			ev.UpdatedAt = tr.At
			cancelled = append(cancelled, ev)
		}
		if tr.To == entity.IncidentStatusResolved {
			tx.Update(r.db.Table(rootHashesTable).Update("root_hash", inc.RootHash).
				Set("resolved", true).
				Set("updated_at", tr.At).
				If("'incident_id' = ?", inc.ID))
		}

		err = tx.Run(ctx)
		if err == nil {
			tr.Apply(inc)
			return inc, cancelled, nil
		}
		if !dynamo.IsCondCheckFailed(err) {
			return nil, nil, err
		}
		// an event left pending between the read and the write, or the status moved; re-read
	}
	return nil, nil, ErrConditionFailed
}

func (r *DynamoDBRepository) ActiveIncidents(ctx context.Context) ([]entity.Incident, error) {
	var incidents []entity.Incident
	err := r.db.Table(incidentsTable).Scan().Filter("'status' <> ?", entity.IncidentStatusResolved).All(ctx, &incidents)
	if err != nil {
		return nil, err
	}
	sort.Slice(incidents, func(i, j int) bool { return incidents[i].CreatedAt.Before(incidents[j].CreatedAt) })
	return incidents, nil
}

func (r *DynamoDBRepository) CreateEvents(ctx context.Context, events []entity.EscalationEvent) (int, error) {
	created := 0
	for _, ev := range events {
		err := r.db.Table(eventsTable).Put(ev).If("attribute_not_exists('incident_id')").Run(ctx)
		if err != nil {
			if dynamo.IsCondCheckFailed(err) {
				continue
			}
			return created, fmt.Errorf("put event %s/%d: %w", ev.IncidentID, ev.StepNumber, err)
		}
		created++
	}
	return created, nil
}

func (r *DynamoDBRepository) EventsByIncident(ctx context.Context, incidentID string) ([]entity.EscalationEvent, error) {
	var events []entity.EscalationEvent
	if err := r.db.Table(eventsTable).Get("incident_id", incidentID).All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (r *DynamoDBRepository) DueEvents(ctx context.Context, now time.Time, limit int) ([]entity.EscalationEvent, error) {
	var events []entity.EscalationEvent
	err := r.db.Table(eventsTable).Scan().
		Filter("'status' = ? AND 'due_at' <= ?", entity.EventStatusPending, now.Unix()).
		All(ctx, &events)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].DueAt.Before(events[j].DueAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (r *DynamoDBRepository) ClaimEvent(ctx context.Context, incidentID string, step int, worker string, now time.Time) (*entity.EscalationEvent, error) {
	var out entity.EscalationEvent
	err := r.db.Table(eventsTable).Update("incident_id", incidentID).Range("step_number", step).
		Set("status", entity.EventStatusSending).
		Set("claimed_by", worker).
		Set("claimed_at", now.Unix()).
		Set("updated_at", now).
		If("'status' = ? AND 'due_at' <= ?", entity.EventStatusPending, now.Unix()).
		Value(ctx, &out)
	if err != nil {
		return nil, condFailed(err)
	}
	return &out, nil
}

func (r *DynamoDBRepository) CompleteEvent(ctx context.Context, ev *entity.EscalationEvent) error {
	err := r.db.Table(eventsTable).Put(ev).
		If("'status' = ? AND 'claimed_by' = ?", entity.EventStatusSending, ev.ClaimedBy).
		Run(ctx)
	return condFailed(err)
}

func (r *DynamoDBRepository) ExpiredClaims(ctx context.Context, before time.Time) ([]entity.EscalationEvent, error) {
	var events []entity.EscalationEvent
	err := r.db.Table(eventsTable).Scan().
		Filter("'status' = ? AND 'claimed_at' < ?", entity.EventStatusSending, before.Unix()).
		All(ctx, &events)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *DynamoDBRepository) AppendAudit(ctx context.Context, entry *entity.AuditEntry) error {
	err := r.db.Table(auditTable).Put(entry).If("attribute_not_exists('seq')").Run(ctx)
	return condFailed(err)
}

func (r *DynamoDBRepository) LastAudit(ctx context.Context) (*entity.AuditEntry, error) {
	var entries []entity.AuditEntry
	err := r.db.Table(auditTable).Get("chain", entity.AuditChainID).
		Order(dynamo.Descending).
		Limit(1).
		All(ctx, &entries)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (r *DynamoDBRepository) AuditRange(ctx context.Context, fromSeq, toSeq int64) ([]entity.AuditEntry, error) {
	q := r.db.Table(auditTable).Get("chain", entity.AuditChainID)
	if toSeq > 0 {
		q = q.Range("seq", dynamo.Between, fromSeq, toSeq)
	} else {
		q = q.Range("seq", dynamo.GreaterOrEqual, fromSeq)
	}
	var entries []entity.AuditEntry
	if err := q.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *DynamoDBRepository) AuditBetween(ctx context.Context, since, until time.Time) ([]entity.AuditEntry, error) {
	all, err := r.AuditRange(ctx, 1, 0)
	if err != nil {
		return nil, err
	}
	var out []entity.AuditEntry
	for _, e := range all {
		if e.At.Before(since) || (!until.IsZero() && e.At.After(until)) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *DynamoDBRepository) Policies(ctx context.Context) ([]entity.Policy, error) {
	var policies []entity.Policy
	if err := r.db.Table(policiesTable).Scan().All(ctx, &policies); err != nil {
		return nil, err
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

func (r *DynamoDBRepository) PolicyByID(ctx context.Context, id string) (*entity.Policy, error) {
	p := &entity.Policy{}
	if err := r.db.Table(policiesTable).Get("id", id).One(ctx, p); err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

func (r *DynamoDBRepository) SavePolicy(ctx context.Context, p *entity.Policy) error {
	return r.db.Table(policiesTable).Put(p).Run(ctx)
}

func (r *DynamoDBRepository) DeletePolicy(ctx context.Context, id string) error {
	return r.db.Table(policiesTable).Delete("id", id).Run(ctx)
}

func (r *DynamoDBRepository) Templates(ctx context.Context) ([]entity.Template, error) {
	var templates []entity.Template
	if err := r.db.Table(templatesTable).Scan().All(ctx, &templates); err != nil {
		return nil, err
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })
	return templates, nil
}

func (r *DynamoDBRepository) TemplateByID(ctx context.Context, id string) (*entity.Template, error) {
	t := &entity.Template{}
	if err := r.db.Table(templatesTable).Get("id", id).One(ctx, t); err != nil {
		if errors.Is(err, dynamo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (r *DynamoDBRepository) SaveTemplate(ctx context.Context, t *entity.Template) error {
	return r.db.Table(templatesTable).Put(t).Run(ctx)
}

func (r *DynamoDBRepository) DeleteTemplate(ctx context.Context, id string) error {
	return r.db.Table(templatesTable).Delete("id", id).Run(ctx)
}
