package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Songmu/retry"
	"github.com/google/uuid"
	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/model"
	"github.com/pyama86/siren/domain/repository"
)

const (
	maxReportAttempts     = 5
	maxTransitionAttempts = 5
)

type Options struct {
	Now            func() time.Time
	PolicyCacheTTL time.Duration
	Fallback       *FallbackAlerter
	Metrics        *Metrics
}

// Engine is the inbound path: dedupe, create, schedule, and the human acknowledge/resolve actions.
type Engine struct {
	repo      repository.Repository
	resolver  *PolicyResolver
	scheduler *Scheduler
	audit     *AuditRecorder
	fallback  *FallbackAlerter
	metrics   *Metrics
	now       func() time.Time
}

func NewEngine(repo repository.Repository, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	audit := NewAuditRecorder(repo, opts.Metrics, now)
	return &Engine{
		repo:      repo,
		resolver:  NewPolicyResolver(repo, opts.PolicyCacheTTL),
		scheduler: NewScheduler(repo, audit),
		audit:     audit,
		fallback:  opts.Fallback,
		metrics:   opts.Metrics,
		now:       now,
	}
}

func (e *Engine) Audit() *AuditRecorder {
	return e.audit
}

func (e *Engine) Resolver() *PolicyResolver {
	return e.resolver
}

// Report takes one inbound signal through the dedupe and cooldown guard. Losing the create
// race to a concurrent signal is not an error: the next attempt sees the winner and dedupes.
func (e *Engine) Report(ctx context.Context, sig entity.Signal) (*model.ReportResult, error) {
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	sig.Type = strings.TrimSpace(sig.Type)
	sig.Source = strings.TrimSpace(sig.Source)
	hash := RootHash(sig)
	ctxValues := Flatten(sig.Context)

	for attempt := 0; attempt < maxReportAttempts; attempt++ {
		res, err := e.report(ctx, sig, hash, ctxValues)
		if errors.Is(err, repository.ErrConditionFailed) {
			slog.Debug("report raced, retrying", slog.String("root_hash", hash), slog.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		e.metrics.signal(res.Outcome)
		return res, nil
	}
	return nil, fmt.Errorf("report %s: %w", hash, ErrContended)
}

func (e *Engine) report(ctx context.Context, sig entity.Signal, hash string, ctxValues map[string]string) (*model.ReportResult, error) {
	now := e.now()

	current, err := e.current(ctx, hash)
	if err != nil {
		return nil, err
	}
	if current != nil {
		switch {
		case current.Status.Active() && current.WithinDedupeWindow(now):
			scheduled, err := e.catchUp(ctx, current)
			if err != nil {
				return nil, err
			}
			return &model.ReportResult{
				IncidentID:      current.ID,
				RootHash:        hash,
				Outcome:         model.OutcomeDuplicate,
				PolicyID:        current.PolicyID,
				EventsScheduled: scheduled,
			}, nil
		case current.Status.Active():
			merged, err := e.repo.MergeSignal(ctx, current.ID, ctxValues, variables(sig, ctxValues), now)
			if err != nil {
				return nil, err
			}
			e.audit.incident(ctx, sig.Source, "incident.merged", merged, merged.Status,
				"signal_count="+strconv.Itoa(merged.SignalCount))
			scheduled, err := e.catchUp(ctx, merged)
			if err != nil {
				return nil, err
			}
			return &model.ReportResult{
				IncidentID:      merged.ID,
				RootHash:        hash,
				Outcome:         model.OutcomeMerged,
				PolicyID:        merged.PolicyID,
				EventsScheduled: scheduled,
			}, nil
		case current.WithinCooldown(now):
			return &model.ReportResult{
				RootHash: hash,
				Outcome:  model.OutcomeSuppressed,
				PolicyID: current.PolicyID,
			}, nil
		}
	}

	policy, perr := e.resolver.Resolve(ctx, sig.Type, sig.Severity)
	if perr != nil && !errors.Is(perr, ErrPolicyNotFound) {
		return nil, perr
	}

	inc := &entity.Incident{
		ID:          uuid.NewString(),
		RootHash:    hash,
		Type:        sig.Type,
		Severity:    sig.Severity,
		Source:      sig.Source,
		Status:      entity.IncidentStatusOpen,
		Context:     ctxValues,
		Variables:   variables(sig, ctxValues),
		SignalCount: 1,
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if policy != nil {
		inc.PolicyID = policy.ID
		inc.DedupeWindowSeconds = policy.DedupeWindowSeconds
		inc.CooldownSeconds = policy.CooldownSeconds
		inc.Steps = slices.Clone(policy.Steps)
	}
	if err := e.repo.CreateIncident(ctx, inc); err != nil {
		return nil, err
	}
	e.audit.incident(ctx, sig.Source, "incident.created", inc, "", "root_hash="+hash)
	slog.Info("incident created",
		slog.String("incident_id", inc.ID),
		slog.String("type", inc.Type),
		slog.Int("severity", inc.Severity),
		slog.String("policy_id", inc.PolicyID),
	)

	res := &model.ReportResult{
		IncidentID: inc.ID,
		RootHash:   hash,
		Outcome:    model.OutcomeCreated,
		PolicyID:   inc.PolicyID,
	}
	if policy == nil {
		res.PolicyMissing = true
		e.fallback.Alert(ctx, inc, perr)
		return res, nil
	}

	var scheduled int
	err = retry.Retry(3, 200*time.Millisecond, func() error {
		n, err := e.scheduler.Schedule(ctx, inc, policy)
		scheduled += n
		return err
	})
	res.EventsScheduled = scheduled
	if err != nil {
		e.fallback.Alert(ctx, inc, err)
		return nil, fmt.Errorf("schedule incident %s: %w", inc.ID, err)
	}
	return res, nil
}

// catchUp schedules the steps of an open incident that have no event yet, which happens when
// the schedule after creation failed part way. Scheduling is idempotent per step.
func (e *Engine) catchUp(ctx context.Context, inc *entity.Incident) (int, error) {
	if inc.Status != entity.IncidentStatusOpen || len(inc.Steps) == 0 {
		return 0, nil
	}
	events, err := e.repo.EventsByIncident(ctx, inc.ID)
	if err != nil {
		return 0, fmt.Errorf("events of %s: %w", inc.ID, err)
	}
	if len(events) >= len(inc.Steps) {
		return 0, nil
	}
	n, err := e.scheduler.Schedule(ctx, inc, inc.PolicySnapshot())
	if err != nil {
		return n, fmt.Errorf("reschedule incident %s: %w", inc.ID, err)
	}
	slog.Warn("scheduled missing escalation steps",
		slog.String("incident_id", inc.ID),
		slog.Int("scheduled", n),
		slog.Int("steps", len(inc.Steps)),
	)
	return n, nil
}

// current is the latest incident recorded for the root hash, or nil.
func (e *Engine) current(ctx context.Context, hash string) (*entity.Incident, error) {
	rec, err := e.repo.FindRootHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("find root hash %s: %w", hash, err)
	}
	if rec == nil {
		return nil, nil
	}
	inc, err := e.repo.FindIncident(ctx, rec.IncidentID)
	if err != nil {
		return nil, fmt.Errorf("find incident %s: %w", rec.IncidentID, err)
	}
	return inc, nil
}

func variables(sig entity.Signal, ctxValues map[string]string) map[string]string {
	vars := make(map[string]string, len(ctxValues)+3)
	for k, v := range ctxValues {
		vars[k] = v
	}
	vars["type"] = sig.Type
	vars["source"] = sig.Source
	vars["severity"] = strconv.Itoa(sig.Severity)
	return vars
}

func (e *Engine) Acknowledge(ctx context.Context, id, actor string) (*entity.Incident, error) {
	return e.transition(ctx, id, actor, entity.IncidentStatusAcknowledged, "")
}

func (e *Engine) Resolve(ctx context.Context, id, actor, notes string) (*entity.Incident, error) {
	return e.transition(ctx, id, actor, entity.IncidentStatusResolved, notes)
}

// transition moves the incident and cancels its pending events in one write. An event a
// dispatcher already claimed is not pending anymore and finishes its send; if that send fails
// the dispatcher cancels it instead of retrying.
func (e *Engine) transition(ctx context.Context, id, actor string, to entity.IncidentStatus, notes string) (*entity.Incident, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, ErrActorRequired
	}
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		inc, err := e.repo.FindIncident(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("find incident %s: %w", id, err)
		}
		if inc == nil {
			return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
		}
		if !inc.Status.CanTransitionTo(to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, to)
		}

		updated, cancelled, err := e.repo.TransitionIncident(ctx, entity.IncidentTransition{
			IncidentID: id,
			From:       inc.Status,
			To:         to,
			Actor:      actor,
			Notes:      notes,
			At:         e.now(),
		})
		if errors.Is(err, repository.ErrConditionFailed) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("transition incident %s: %w", id, err)
		}

		e.audit.incident(ctx, actor, "incident."+string(to), updated, inc.Status, notes)
		for i := range cancelled {
			e.metrics.eventFinal(entity.EventStatusCancelled)
			e.audit.event(ctx, actor, "event.cancelled", &cancelled[i], entity.EventStatusPending)
		}
		slog.Info("incident transitioned",
			slog.String("incident_id", id),
			slog.String("from", string(inc.Status)),
			slog.String("to", string(to)),
			slog.String("actor", actor),
			slog.Int("cancelled", len(cancelled)),
		)
		return updated, nil
	}
	return nil, fmt.Errorf("transition incident %s: %w", id, ErrContended)
}

// Incident returns the incident with its escalation events, or ErrIncidentNotFound.
func (e *Engine) Incident(ctx context.Context, id string) (*model.IncidentView, error) {
	inc, err := e.repo.FindIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if inc == nil {
		return nil, fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	events, err := e.repo.EventsByIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.IncidentView{Incident: *inc, Events: events}, nil
}

func (e *Engine) ActiveIncidents(ctx context.Context) ([]entity.Incident, error) {
	return e.repo.ActiveIncidents(ctx)
}
