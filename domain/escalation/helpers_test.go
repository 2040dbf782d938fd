package escalation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/escalation"
	"github.com/pyama86/siren/domain/repository"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: t0}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t0 + d.
func (c *clock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t0.Add(d)
}

type sent struct {
	Target string
	Msg    entity.Message
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	// fail decides the outcome per target; nil always succeeds
	fail func(target string) error
}

func (s *recordingSender) Send(ctx context.Context, target string, msg entity.Message) error {
	if s.fail != nil {
		if err := s.fail(target); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{Target: target, Msg: msg})
	return nil
}

func (s *recordingSender) Sent() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.sent...)
}

func testTemplates() []entity.Template {
	var out []entity.Template
	for _, c := range entity.Channels {
		out = append(out, entity.Template{
			ID:      string(c) + "-page",
			Channel: c,
			Subject: "[SEV{{.severity}}] {{.type}}",
			Body:    "{{.service}} is failing (incident {{.incident_id}})",
		})
	}
	return out
}

// paymentPolicy pages email at once, sms after 5 minutes and voice after 10.
func paymentPolicy() entity.Policy {
	return entity.Policy{
		ID:           "payments",
		Name:         "Payments on-call",
		IncidentType: "payment_failure",
		MinSeverity:  1,
		Steps: []entity.Step{
			{DelaySeconds: 0, Channel: entity.ChannelEmail, TemplateID: "email-page", Targets: []string{"oncall@example.com"}},
			{DelaySeconds: 300, Channel: entity.ChannelSMS, TemplateID: "sms-page", Targets: []string{"+15550100"}},
			{DelaySeconds: 600, Channel: entity.ChannelVoice, TemplateID: "voice-page", Targets: []string{"+15550100"}},
		},
		CooldownSeconds:     3600,
		DedupeWindowSeconds: 60,
		Enabled:             true,
	}
}

func paymentSignal() entity.Signal {
	return entity.Signal{
		Type:     "payment_failure",
		Severity: 4,
		Source:   "checkout",
		Context:  map[string]any{"service": "stripe-gateway", "region": "eu-west-1"},
	}
}

type fixture struct {
	repo       *repository.MemoryRepository
	clock      *clock
	engine     *escalation.Engine
	catalog    *escalation.Catalog
	dispatcher *escalation.Dispatcher
	senders    map[entity.Channel]*recordingSender
	fallback   *recordingSender
}

func newFixture(t *testing.T, policies ...entity.Policy) *fixture {
	t.Helper()
	f := &fixture{
		repo:     repository.NewMemoryRepository(),
		clock:    newClock(),
		senders:  map[entity.Channel]*recordingSender{},
		fallback: &recordingSender{},
	}
	senders := map[entity.Channel]repository.Sender{}
	for _, c := range entity.Channels {
		s := &recordingSender{}
		f.senders[c] = s
		senders[c] = s
	}

	f.engine = escalation.NewEngine(f.repo, escalation.Options{
		Now:      f.clock.Now,
		Fallback: escalation.NewFallbackAlerter(f.fallback, entity.ChannelChat, "#siren-fallback", nil),
	})
	f.catalog = escalation.NewCatalog(f.repo, f.repo, f.engine.Resolver(), f.clock.Now)
	require.NoError(t, f.catalog.Seed(context.Background(), policies, testTemplates()))

	f.dispatcher = escalation.NewDispatcher(f.repo, senders, escalation.DispatcherOptions{
		WorkerID:    "worker-1",
		BackoffBase: 10 * time.Second,
		BackoffMax:  time.Minute,
		MaxRetries:  3,
		SendTimeout: time.Second,
		ClaimGrace:  2 * time.Minute,
		Now:         f.clock.Now,
		Audit:       f.engine.Audit(),
	})
	return f
}

func (f *fixture) events(t *testing.T, incidentID string) []entity.EscalationEvent {
	t.Helper()
	events, err := f.repo.EventsByIncident(context.Background(), incidentID)
	require.NoError(t, err)
	return events
}

func (f *fixture) statuses(t *testing.T, incidentID string) []entity.EventStatus {
	t.Helper()
	var out []entity.EventStatus
	for _, ev := range f.events(t, incidentID) {
		out = append(out, ev.Status)
	}
	return out
}

func alwaysFail(target string) error {
	return fmt.Errorf("gateway unavailable for %s", target)
}
