package repository

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pyama86/siren/domain/entity"
)

type eventKey struct {
	incidentID string
	step       int
}

// MemoryRepository keeps everything in process. A single mutex makes every
// conditional write atomic, matching the DynamoDB conditions one to one.
type MemoryRepository struct {
	mu         sync.Mutex
	incidents  map[string]entity.Incident
	rootHashes map[string]entity.RootHashRecord
	events     map[eventKey]entity.EscalationEvent
	audit      []entity.AuditEntry
	policies   map[string]entity.Policy
	templates  map[string]entity.Template
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		incidents:  map[string]entity.Incident{},
		rootHashes: map[string]entity.RootHashRecord{},
		events:     map[eventKey]entity.EscalationEvent{},
		policies:   map[string]entity.Policy{},
		templates:  map[string]entity.Template{},
	}
}

func copyIncident(i entity.Incident) *entity.Incident {
	i.Context = maps.Clone(i.Context)
	i.Variables = maps.Clone(i.Variables)
	i.Steps = slices.Clone(i.Steps)
	return &i
}

func copyEvent(e entity.EscalationEvent) entity.EscalationEvent {
	e.Targets = slices.Clone(e.Targets)
	e.DeliveredTargets = slices.Clone(e.DeliveredTargets)
	return e
}

func (r *MemoryRepository) FindIncident(_ context.Context, id string) (*entity.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok {
		return nil, nil
	}
	return copyIncident(inc), nil
}

func (r *MemoryRepository) FindRootHash(_ context.Context, hash string) (*entity.RootHashRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rootHashes[hash]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (r *MemoryRepository) CreateIncident(_ context.Context, inc *entity.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.rootHashes[inc.RootHash]; ok && !rec.Resolved {
		return ErrConditionFailed
	}
	if _, ok := r.incidents[inc.ID]; ok {
		return ErrConditionFailed
	}
	r.incidents[inc.ID] = *copyIncident(*inc)
	r.rootHashes[inc.RootHash] = entity.RootHashRecord{
		RootHash:   inc.RootHash,
		IncidentID: inc.ID,
		UpdatedAt:  inc.CreatedAt,
	}
	return nil
}

func (r *MemoryRepository) MergeSignal(_ context.Context, id string, ctxValues, variables map[string]string, seenAt time.Time) (*entity.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[id]
	if !ok || !inc.Status.Active() {
		return nil, ErrConditionFailed
	}
	inc.Context = maps.Clone(ctxValues)
	inc.Variables = maps.Clone(variables)
	inc.LastSeenAt = seenAt
	inc.SignalCount++
	r.incidents[id] = inc
	return copyIncident(inc), nil
}

func (r *MemoryRepository) TransitionIncident(_ context.Context, tr entity.IncidentTransition) (*entity.Incident, []entity.EscalationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inc, ok := r.incidents[tr.IncidentID]
	if !ok || inc.Status != tr.From {
		return nil, nil, ErrConditionFailed
	}
	tr.Apply(&inc)
	r.incidents[inc.ID] = inc

	var cancelled []entity.EscalationEvent
	for k, ev := range r.events {
		if k.incidentID != inc.ID || ev.Status != entity.EventStatusPending {
			continue
		}
		ev.Status = entity.EventStatusCancelled
		ev.UpdatedAt = tr.At
		r.events[k] = ev
		cancelled = append(cancelled, copyEvent(ev))
	}
	sortEvents(cancelled)

	if tr.To == entity.IncidentStatusResolved {
		if rec, ok := r.rootHashes[inc.RootHash]; ok && rec.IncidentID == inc.ID {
			rec.Resolved = true
			rec.UpdatedAt = tr.At
			r.rootHashes[inc.RootHash] = rec
		}
	}
	return copyIncident(inc), cancelled, nil
}

func (r *MemoryRepository) ActiveIncidents(_ context.Context) ([]entity.Incident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Incident
	for _, inc := range r.incidents {
		if inc.Status.Active() {
			out = append(out, *copyIncident(inc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) CreateEvents(_ context.Context, events []entity.EscalationEvent) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	created := 0
	for _, ev := range events {
		k := eventKey{ev.IncidentID, ev.StepNumber}
		if _, ok := r.events[k]; ok {
			continue
		}
		r.events[k] = copyEvent(ev)
		created++
	}
	return created, nil
}

func sortEvents(events []entity.EscalationEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].IncidentID != events[j].IncidentID {
			return events[i].IncidentID < events[j].IncidentID
		}
		return events[i].StepNumber < events[j].StepNumber
	})
}

func (r *MemoryRepository) EventsByIncident(_ context.Context, incidentID string) ([]entity.EscalationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.EscalationEvent
	for k, ev := range r.events {
		if k.incidentID == incidentID {
			out = append(out, copyEvent(ev))
		}
	}
	sortEvents(out)
	return out, nil
}

func (r *MemoryRepository) DueEvents(_ context.Context, now time.Time, limit int) ([]entity.EscalationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.EscalationEvent
	for _, ev := range r.events {
		if ev.Status == entity.EventStatusPending && !ev.DueAt.After(now) {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		if out[i].IncidentID != out[j].IncidentID {
			return out[i].IncidentID < out[j].IncidentID
		}
		return out[i].StepNumber < out[j].StepNumber
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ClaimEvent(_ context.Context, incidentID string, step int, worker string, now time.Time) (*entity.EscalationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := eventKey{incidentID, step}
	ev, ok := r.events[k]
	if !ok || ev.Status != entity.EventStatusPending || ev.DueAt.After(now) {
		return nil, ErrConditionFailed
	}
	ev.Status = entity.EventStatusSending
	ev.ClaimedBy = worker
	ev.ClaimedAt = now
	ev.UpdatedAt = now
	r.events[k] = ev
	out := copyEvent(ev)
	return &out, nil
}

func (r *MemoryRepository) CompleteEvent(_ context.Context, ev *entity.EscalationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := eventKey{ev.IncidentID, ev.StepNumber}
	cur, ok := r.events[k]
	if !ok || cur.Status != entity.EventStatusSending || cur.ClaimedBy != ev.ClaimedBy {
		return ErrConditionFailed
	}
	r.events[k] = copyEvent(*ev)
	return nil
}

func (r *MemoryRepository) ExpiredClaims(_ context.Context, before time.Time) ([]entity.EscalationEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.EscalationEvent
	for _, ev := range r.events {
		if ev.Status == entity.EventStatusSending && ev.ClaimedAt.Before(before) {
			out = append(out, copyEvent(ev))
		}
	}
	sortEvents(out)
	return out, nil
}

func (r *MemoryRepository) AppendAudit(_ context.Context, entry *entity.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.Seq != int64(len(r.audit))+1 {
		return ErrConditionFailed
	}
	r.audit = append(r.audit, *entry)
	return nil
}

func (r *MemoryRepository) LastAudit(_ context.Context) (*entity.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.audit) == 0 {
		return nil, nil
	}
	last := r.audit[len(r.audit)-1]
	return &last, nil
}

func (r *MemoryRepository) AuditRange(_ context.Context, fromSeq, toSeq int64) ([]entity.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.AuditEntry
	for _, e := range r.audit {
		if e.Seq >= fromSeq && (toSeq <= 0 || e.Seq <= toSeq) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepository) AuditBetween(_ context.Context, since, until time.Time) ([]entity.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.AuditEntry
	for _, e := range r.audit {
		if e.At.Before(since) || (!until.IsZero() && e.At.After(until)) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *MemoryRepository) Policies(_ context.Context) ([]entity.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		p.Steps = slices.Clone(p.Steps)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) PolicyByID(_ context.Context, id string) (*entity.Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok {
		return nil, nil
	}
	p.Steps = slices.Clone(p.Steps)
	return &p, nil
}

func (r *MemoryRepository) SavePolicy(_ context.Context, p *entity.Policy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	cp.Steps = slices.Clone(p.Steps)
	r.policies[p.ID] = cp
	return nil
}

func (r *MemoryRepository) DeletePolicy(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.policies, id)
	return nil
}

func (r *MemoryRepository) Templates(_ context.Context) ([]entity.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]entity.Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) TemplateByID(_ context.Context, id string) (*entity.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.templates[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (r *MemoryRepository) SaveTemplate(_ context.Context, t *entity.Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = *t
	return nil
}

func (r *MemoryRepository) DeleteTemplate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.templates, id)
	return nil
}
