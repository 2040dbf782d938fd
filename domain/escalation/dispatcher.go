package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/model"
	"github.com/pyama86/siren/domain/repository"
	"golang.org/x/sync/errgroup"
)

type DispatcherOptions struct {
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	Concurrency  int
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	SendTimeout  time.Duration
	// ClaimGrace is how long a claim may stay in sending before the sweep treats it as a crashed send.
	ClaimGrace time.Duration
	Now        func() time.Time
	Metrics    *Metrics
	// Audit is shared with the engine when both run in one process.
	Audit *AuditRecorder
}

func (o *DispatcherOptions) setDefaults() {
	if o.WorkerID == "" {
		o.WorkerID = uuid.NewString()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.ClaimGrace <= o.SendTimeout {
		o.ClaimGrace = 2 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Dispatcher executes due escalation events. Any number of dispatchers may share a store;
// the claim is the only thing that keeps them from sending the same step twice.
type Dispatcher struct {
	repo     repository.Repository
	renderer *Renderer
	senders  map[entity.Channel]repository.Sender
	audit    *AuditRecorder
	opts     DispatcherOptions
}

func NewDispatcher(repo repository.Repository, senders map[entity.Channel]repository.Sender, opts DispatcherOptions) *Dispatcher {
	opts.setDefaults()
	audit := opts.Audit
	if audit == nil {
		audit = NewAuditRecorder(repo, opts.Metrics, opts.Now)
	}
	return &Dispatcher{
		repo:     repo,
		renderer: NewRenderer(repo),
		senders:  senders,
		audit:    audit,
		opts:     opts,
	}
}

func (d *Dispatcher) WorkerID() string {
	return d.opts.WorkerID
}

// Backoff is the delay before retry number n (1-based): base doubled per retry, capped.
func (d *Dispatcher) Backoff(n int) time.Duration {
	delay := d.opts.BackoffBase
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= d.opts.BackoffMax {
			return d.opts.BackoffMax
		}
	}
	return min(delay, d.opts.BackoffMax)
}

// Run ticks until ctx is done. Tick errors are logged; the loop keeps going.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("dispatcher started", slog.String("worker_id", d.opts.WorkerID), slog.Duration("interval", d.opts.PollInterval))
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			slog.Error("dispatcher tick failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped", slog.String("worker_id", d.opts.WorkerID))
			return nil
		case <-ticker.C:
		}
	}
}

// Tick recovers expired claims, then claims and sends every due event.
func (d *Dispatcher) Tick(ctx context.Context) (model.DispatchStats, error) {
	var stats model.DispatchStats
	now := d.opts.Now()

	expired, err := d.repo.ExpiredClaims(ctx, now.Add(-d.opts.ClaimGrace))
	if err != nil {
		return stats, fmt.Errorf("list expired claims: %w", err)
	}
	for i := range expired {
		ev := &expired[i]
		slog.Warn("recovering expired claim",
			slog.String("event_id", ev.ID),
			slog.String("claimed_by", ev.ClaimedBy),
			slog.Time("claimed_at", ev.ClaimedAt),
		)
		r, err := d.finish(ctx, ev, errClaimExpired)
		if err != nil {
			slog.Error("recover expired claim", slog.String("event_id", ev.ID), slog.Any("err", err))
			continue
		}
		r.Recovered++
		stats.Add(r)
	}

	due, err := d.repo.DueEvents(ctx, now, d.opts.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list due events: %w", err)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)
	for _, ev := range due {
		g.Go(func() error {
			r, err := d.process(ctx, ev)
			if err != nil {
				slog.Error("dispatch event",
					slog.String("incident_id", ev.IncidentID),
					slog.Int("step", ev.StepNumber),
					slog.Any("err", err),
				)
			}
			mu.Lock()
			stats.Add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return stats, nil
}

func (d *Dispatcher) process(ctx context.Context, candidate entity.EscalationEvent) (model.DispatchStats, error) {
	var stats model.DispatchStats
	ev, err := d.repo.ClaimEvent(ctx, candidate.IncidentID, candidate.StepNumber, d.opts.WorkerID, d.opts.Now())
	if errors.Is(err, repository.ErrConditionFailed) {
		slog.Debug("claim lost",
			slog.String("incident_id", candidate.IncidentID),
			slog.Int("step", candidate.StepNumber),
			slog.String("worker_id", d.opts.WorkerID),
		)
		stats.Lost++
		return stats, nil
	}
	if err != nil {
		return stats, fmt.Errorf("claim: %w", err)
	}
	stats.Claimed++
	d.audit.event(ctx, entity.SystemActor, "event.claimed", ev, entity.EventStatusPending)

	r, err := d.finish(ctx, ev, d.deliver(ctx, ev))
	stats.Add(r)
	return stats, err
}

// deliver sends to every target not delivered yet and stops at the first failure.
func (d *Dispatcher) deliver(ctx context.Context, ev *entity.EscalationEvent) error {
	inc, err := d.repo.FindIncident(ctx, ev.IncidentID)
	if err != nil {
		return fmt.Errorf("find incident: %w", err)
	}
	if inc == nil {
		return Permanent(fmt.Errorf("%w: %s", ErrIncidentNotFound, ev.IncidentID))
	}
	if inc.Status != entity.IncidentStatusOpen {
		return fmt.Errorf("%w: %s is %s", errIncidentClosed, inc.ID, inc.Status)
	}
	msg, err := d.renderer.Render(ctx, ev, inc)
	if err != nil {
		return err
	}
	sender, ok := d.senders[ev.Channel]
	if !ok || sender == nil {
		return Permanent(fmt.Errorf("%w: %s", ErrNoSender, ev.Channel))
	}

	for _, target := range ev.PendingTargets() {
		sctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
		start := time.Now()
		err := sender.Send(sctx, target, msg)
		cancel()
		d.opts.Metrics.sendObserved(ev.Channel, time.Since(start))
		if err != nil {
			d.opts.Metrics.sendFailed(ev.Channel)
			slog.Warn("send failed",
				slog.String("incident_id", ev.IncidentID),
				slog.Int("step", ev.StepNumber),
				slog.String("channel", string(ev.Channel)),
				slog.String("target", target),
				slog.Any("err", err),
			)
			return fmt.Errorf("send to %s: %w", target, err)
		}
		ev.MarkDelivered(target)
	}
	return nil
}

// finish records the outcome of a claimed event: sent, back to pending with backoff, failed,
// or cancelled when the incident stopped being open while the step was in flight.
func (d *Dispatcher) finish(ctx context.Context, ev *entity.EscalationEvent, sendErr error) (model.DispatchStats, error) {
	var stats model.DispatchStats
	now := d.opts.Now()
	from := ev.Status
	ev.UpdatedAt = now

	switch {
	case sendErr == nil:
		ev.Status = entity.EventStatusSent
		ev.SentAt = now
		ev.ErrorMessage = ""
	case errors.Is(sendErr, errIncidentClosed):
		ev.Status = entity.EventStatusCancelled
		ev.ErrorMessage = ""
	case IsPermanent(sendErr):
		ev.Status = entity.EventStatusFailed
		ev.ErrorMessage = sendErr.Error()
	case !d.incidentOpen(ctx, ev.IncidentID):
		ev.Status = entity.EventStatusCancelled
		ev.ErrorMessage = sendErr.Error()
	default:
		ev.RetryCount++
		ev.ErrorMessage = sendErr.Error()
		if ev.RetryCount >= d.opts.MaxRetries {
			ev.Status = entity.EventStatusFailed
		} else {
			ev.Status = entity.EventStatusPending
			ev.DueAt = now.Add(d.Backoff(ev.RetryCount))
		}
	}

	if err := d.repo.CompleteEvent(ctx, ev); err != nil {
		if errors.Is(err, repository.ErrConditionFailed) {
			stats.Lost++
			return stats, nil
		}
		return stats, fmt.Errorf("complete event %s: %w", ev.ID, err)
	}

	switch ev.Status {
	case entity.EventStatusSent:
		stats.Sent++
		slog.Info("escalation sent",
			slog.String("incident_id", ev.IncidentID),
			slog.Int("step", ev.StepNumber),
			slog.String("channel", string(ev.Channel)),
		)
	case entity.EventStatusPending:
		stats.Retried++
	case entity.EventStatusCancelled:
		stats.Cancelled++
		slog.Info("escalation step cancelled",
			slog.String("incident_id", ev.IncidentID),
			slog.Int("step", ev.StepNumber),
			slog.String("channel", string(ev.Channel)),
		)
	case entity.EventStatusFailed:
		stats.Failed++
		slog.Error("escalation step failed",
			slog.String("incident_id", ev.IncidentID),
			slog.Int("step", ev.StepNumber),
			slog.String("channel", string(ev.Channel)),
			slog.Int("retry_count", ev.RetryCount),
			slog.String("err", ev.ErrorMessage),
		)
	}
	if ev.Status.Final() {
		d.opts.Metrics.eventFinal(ev.Status)
	}
	action := "event." + string(ev.Status)
	if ev.Status == entity.EventStatusPending {
		action = "event.retry_scheduled"
	}
	d.audit.event(ctx, entity.SystemActor, action, ev, from)
	return stats, nil
}

// incidentOpen decides whether a failed step may go back to pending. A lookup error keeps the
// retry so a flaky store never drops a page.
func (d *Dispatcher) incidentOpen(ctx context.Context, incidentID string) bool {
	inc, err := d.repo.FindIncident(ctx, incidentID)
	if err != nil {
		slog.Warn("find incident before retry", slog.String("incident_id", incidentID), slog.Any("err", err))
		return true
	}
	return inc != nil && inc.Status == entity.IncidentStatusOpen
}
