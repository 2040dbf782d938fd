package escalation_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/escalation"
	"github.com/pyama86/siren/domain/model"
	"github.com/pyama86/siren/domain/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportCreatesIncidentAndSchedulesSteps(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	res, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCreated, res.Outcome)
	assert.Equal(t, "payments", res.PolicyID)
	assert.Equal(t, 3, res.EventsScheduled)
	assert.False(t, res.PolicyMissing)

	view, err := f.engine.Incident(ctx, res.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, entity.IncidentStatusOpen, view.Incident.Status)
	assert.Equal(t, 1, view.Incident.SignalCount)
	assert.Equal(t, 60, view.Incident.DedupeWindowSeconds)
	assert.Equal(t, 3600, view.Incident.CooldownSeconds)
	assert.Equal(t, "stripe-gateway", view.Incident.Variables["service"])

	require.Len(t, view.Events, 3)
	seen := map[int]bool{}
	for i, ev := range view.Events {
		assert.Equal(t, entity.EventStatusPending, ev.Status)
		assert.False(t, seen[ev.StepNumber], "duplicate step number %d", ev.StepNumber)
		seen[ev.StepNumber] = true
		if i > 0 {
			assert.False(t, ev.ScheduledFor.Before(view.Events[i-1].ScheduledFor))
		}
	}
	assert.Equal(t, t0, view.Events[0].ScheduledFor)
	assert.Equal(t, t0.Add(300*time.Second), view.Events[1].ScheduledFor)
	assert.Equal(t, t0.Add(600*time.Second), view.Events[2].ScheduledFor)
	assert.Equal(t, entity.ChannelVoice, view.Events[2].Channel)
}

func TestReportRejectsInvalidSignal(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	tests := []struct {
		name string
		sig  entity.Signal
	}{
		{"missing type", entity.Signal{Severity: 3, Source: "checkout"}},
		{"missing source", entity.Signal{Type: "payment_failure", Severity: 3}},
		{"blank type", entity.Signal{Type: "   ", Severity: 3, Source: "checkout"}},
		{"blank source", entity.Signal{Type: "payment_failure", Severity: 3, Source: "\n"}},
		{"colliding context keys", entity.Signal{Type: "payment_failure", Severity: 3, Source: "checkout", Context: map[string]any{
			"service":  "stripe-gateway",
			"service ": "adyen",
		}}},
		{"severity too low", entity.Signal{Type: "payment_failure", Severity: 0, Source: "checkout"}},
		{"severity too high", entity.Signal{Type: "payment_failure", Severity: 6, Source: "checkout"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Report(context.Background(), tt.sig)
			assert.ErrorIs(t, err, escalation.ErrInvalidSignal)
		})
	}
	active, err := f.engine.ActiveIncidents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReportDedupesInsideWindow(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	first, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)

	f.clock.Set(5 * time.Second)
	second, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicate, second.Outcome)
	assert.Equal(t, first.IncidentID, second.IncidentID)

	active, err := f.engine.ActiveIncidents(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].SignalCount)
	assert.Len(t, f.events(t, first.IncidentID), 3)
}

func TestReportMergesOutsideWindow(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	first, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)

	f.clock.Set(90 * time.Second)
	sig := paymentSignal()
	sig.Context = map[string]any{"region": "eu-west-1", "service": "stripe-gateway"}
	sig.Severity = 5
	second, err := f.engine.Report(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeMerged, second.Outcome)
	assert.Equal(t, first.IncidentID, second.IncidentID)

	view, err := f.engine.Incident(ctx, first.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Incident.SignalCount)
	assert.Equal(t, t0.Add(90*time.Second), view.Incident.LastSeenAt)
	// severity is part of neither the root hash nor the escalation already scheduled
	assert.Equal(t, 4, view.Incident.Severity)
	assert.Len(t, view.Events, 3)
}

// throttledEvents refuses to store escalation steps from step 1 on while throttled is set.
type throttledEvents struct {
	*repository.MemoryRepository
	throttled atomic.Bool
}

func (r *throttledEvents) CreateEvents(ctx context.Context, events []entity.EscalationEvent) (int, error) {
	for _, ev := range events {
		if r.throttled.Load() && ev.StepNumber > 0 {
			return 0, errors.New("ProvisionedThroughputExceededException")
		}
	}
	return r.MemoryRepository.CreateEvents(ctx, events)
}

func TestReportSchedulesStepsMissingAfterFailure(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	repo := &throttledEvents{MemoryRepository: repository.NewMemoryRepository()}
	repo.throttled.Store(true)
	fallback := &recordingSender{}
	engine := escalation.NewEngine(repo, escalation.Options{
		Now:      clk.Now,
		Fallback: escalation.NewFallbackAlerter(fallback, entity.ChannelChat, "#siren-fallback", nil),
	})
	catalog := escalation.NewCatalog(repo, repo, engine.Resolver(), clk.Now)
	require.NoError(t, catalog.Seed(ctx, []entity.Policy{paymentPolicy()}, testTemplates()))

	_, err := engine.Report(ctx, paymentSignal())
	require.Error(t, err)
	assert.Len(t, fallback.Sent(), 1)

	rec, err := repo.FindRootHash(ctx, escalation.RootHash(paymentSignal()))
	require.NoError(t, err)
	require.NotNil(t, rec)
	events, err := repo.EventsByIncident(ctx, rec.IncidentID)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// still throttled: the duplicate surfaces the error so the producer redelivers
	clk.Set(10 * time.Second)
	_, err = engine.Report(ctx, paymentSignal())
	require.Error(t, err)

	repo.throttled.Store(false)
	clk.Set(30 * time.Second)
	dup, err := engine.Report(ctx, paymentSignal())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicate, dup.Outcome)
	assert.Equal(t, rec.IncidentID, dup.IncidentID)
	assert.Equal(t, 2, dup.EventsScheduled)

	events, err = repo.EventsByIncident(ctx, rec.IncidentID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, t0.Add(300*time.Second), events[1].ScheduledFor)
	assert.Equal(t, t0.Add(600*time.Second), events[2].ScheduledFor)
	assert.Equal(t, entity.ChannelVoice, events[2].Channel)

	clk.Set(2 * time.Minute)
	merged, err := engine.Report(ctx, paymentSignal())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeMerged, merged.Outcome)
	assert.Zero(t, merged.EventsScheduled)
}

func TestReportCooldownAfterResolve(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	first, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)

	f.clock.Set(1000 * time.Second)
	_, err = f.engine.Resolve(ctx, first.IncidentID, "alice", "card network outage")
	require.NoError(t, err)

	f.clock.Set(1030 * time.Second)
	suppressed, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuppressed, suppressed.Outcome)
	assert.True(t, suppressed.Suppressed())
	assert.Empty(t, suppressed.IncidentID)

	active, err := f.engine.ActiveIncidents(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	f.clock.Set(4000 * time.Second)
	reopened, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCreated, reopened.Outcome)
	assert.NotEqual(t, first.IncidentID, reopened.IncidentID)
	assert.Equal(t, first.RootHash, reopened.RootHash)

	old, err := f.engine.Incident(ctx, first.IncidentID)
	require.NoError(t, err)
	assert.Equal(t, entity.IncidentStatusResolved, old.Incident.Status)
}

func TestReportConcurrentSignalsOpenOneIncident(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	const workers = 20
	results := make([]*model.ReportResult, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.engine.Report(ctx, paymentSignal())
		}()
	}
	wg.Wait()

	created := 0
	var id string
	for i := range workers {
		require.NoError(t, errs[i])
		if results[i].Outcome == model.OutcomeCreated {
			created++
			id = results[i].IncidentID
		} else {
			assert.Equal(t, model.OutcomeDuplicate, results[i].Outcome)
		}
	}
	assert.Equal(t, 1, created)
	for i := range workers {
		assert.Equal(t, id, results[i].IncidentID)
	}

	active, err := f.engine.ActiveIncidents(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	assert.Len(t, f.events(t, id), 3)
}

func TestReportContextKeyOrderDoesNotMatter(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	a := paymentSignal()
	a.Context = map[string]any{"service": "stripe-gateway", "region": "eu-west-1"}
	b := paymentSignal()
	b.Context = map[string]any{"region": "eu-west-1", "service": "stripe-gateway"}
	b.Source = "  checkout "

	first, err := f.engine.Report(ctx, a)
	require.NoError(t, err)
	second, err := f.engine.Report(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, first.RootHash, second.RootHash)
	assert.Equal(t, model.OutcomeDuplicate, second.Outcome)
}

func TestReportWithoutPolicyAlertsFallback(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	sig := entity.Signal{Type: "slo_breach", Severity: 2, Source: "latency-probe", Context: map[string]any{"service": "search"}}
	res, err := f.engine.Report(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCreated, res.Outcome)
	assert.True(t, res.PolicyMissing)
	assert.Empty(t, res.PolicyID)
	assert.Empty(t, f.events(t, res.IncidentID))

	sent := f.fallback.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "#siren-fallback", sent[0].Target)
	assert.Equal(t, res.IncidentID, sent[0].Msg.IncidentID)
	assert.Contains(t, sent[0].Msg.Body, "slo_breach")

	// the incident still dedupes, with a zero window every repeat merges
	again, err := f.engine.Report(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, res.IncidentID, again.IncidentID)
	assert.Len(t, f.fallback.Sent(), 1)
}

func TestAcknowledgeCancelsPendingSteps(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	res, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)

	stats, err := f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	require.Len(t, f.senders[entity.ChannelEmail].Sent(), 1)

	f.clock.Set(120 * time.Second)
	inc, err := f.engine.Acknowledge(ctx, res.IncidentID, "alice")
	require.NoError(t, err)
	assert.Equal(t, entity.IncidentStatusAcknowledged, inc.Status)
	assert.Equal(t, "alice", inc.AcknowledgedBy)
	assert.Equal(t, t0.Add(120*time.Second), inc.AcknowledgedAt)

	assert.Equal(t, []entity.EventStatus{
		entity.EventStatusSent,
		entity.EventStatusCancelled,
		entity.EventStatusCancelled,
	}, f.statuses(t, res.IncidentID))

	for _, d := range []time.Duration{300 * time.Second, 600 * time.Second, time.Hour} {
		f.clock.Set(d)
		stats, err := f.dispatcher.Tick(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Claimed)
	}
	assert.Empty(t, f.senders[entity.ChannelSMS].Sent())
	assert.Empty(t, f.senders[entity.ChannelVoice].Sent())
}

func TestTransitionRules(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	res, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)

	_, err = f.engine.Acknowledge(ctx, res.IncidentID, " ")
	assert.ErrorIs(t, err, escalation.ErrActorRequired)

	_, err = f.engine.Acknowledge(ctx, "no-such-incident", "alice")
	assert.ErrorIs(t, err, escalation.ErrIncidentNotFound)

	_, err = f.engine.Acknowledge(ctx, res.IncidentID, "alice")
	require.NoError(t, err)
	_, err = f.engine.Acknowledge(ctx, res.IncidentID, "bob")
	assert.ErrorIs(t, err, escalation.ErrInvalidTransition)

	resolved, err := f.engine.Resolve(ctx, res.IncidentID, "bob", "rolled back deploy")
	require.NoError(t, err)
	assert.Equal(t, entity.IncidentStatusResolved, resolved.Status)
	assert.Equal(t, "rolled back deploy", resolved.ResolutionNotes)
	assert.Equal(t, "alice", resolved.AcknowledgedBy)

	_, err = f.engine.Resolve(ctx, res.IncidentID, "bob", "")
	assert.ErrorIs(t, err, escalation.ErrInvalidTransition)
	_, err = f.engine.Acknowledge(ctx, res.IncidentID, "bob")
	assert.ErrorIs(t, err, escalation.ErrInvalidTransition)
}

func TestResolveFromOpen(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	res, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)
	inc, err := f.engine.Resolve(ctx, res.IncidentID, "alice", "false alarm")
	require.NoError(t, err)
	assert.Equal(t, entity.IncidentStatusResolved, inc.Status)
	assert.True(t, inc.AcknowledgedAt.IsZero())
	for _, s := range f.statuses(t, res.IncidentID) {
		assert.Equal(t, entity.EventStatusCancelled, s)
	}
}

func TestConcurrentTransitionsOneWins(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	res, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)

	const actors = 10
	errs := make([]error, actors)
	var wg sync.WaitGroup
	for i := range actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.engine.Acknowledge(ctx, res.IncidentID, "responder")
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, escalation.ErrInvalidTransition)
	}
	assert.Equal(t, 1, ok)
}

func TestAuditTrailIsChained(t *testing.T) {
	f := newFixture(t, paymentPolicy())
	ctx := context.Background()

	res, err := f.engine.Report(ctx, paymentSignal())
	require.NoError(t, err)
	_, err = f.dispatcher.Tick(ctx)
	require.NoError(t, err)
	f.clock.Set(2 * time.Minute)
	_, err = f.engine.Acknowledge(ctx, res.IncidentID, "alice")
	require.NoError(t, err)

	n, err := f.engine.Audit().Verify(ctx)
	require.NoError(t, err)

	entries, err := f.engine.Audit().Range(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, len(entries), n)

	var actions []string
	for _, e := range entries {
		assert.Equal(t, res.IncidentID, e.IncidentID)
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{
		"incident.created",
		"event.scheduled",
		"event.scheduled",
		"event.scheduled",
		"event.claimed",
		"event.sent",
		"incident.acknowledged",
		"event.cancelled",
		"event.cancelled",
	}, actions)

	ack := entries[6]
	assert.Equal(t, "alice", ack.Actor)
	assert.Equal(t, string(entity.IncidentStatusOpen), ack.From)
	assert.Equal(t, string(entity.IncidentStatusAcknowledged), ack.To)
	assert.Equal(t, t0.Add(2*time.Minute), ack.At)
}
