package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/repository"
)

const maxAuditAttempts = 10

// AuditRecorder appends to the hash-chained log. Concurrent writers in other processes
// are resolved by the conditional append on seq.
type AuditRecorder struct {
	repo    repository.AuditRepository
	metrics *Metrics
	now     func() time.Time
	mu      sync.Mutex
}

func NewAuditRecorder(repo repository.AuditRepository, metrics *Metrics, now func() time.Time) *AuditRecorder {
	if now == nil {
		now = time.Now
	}
	return &AuditRecorder{repo: repo, metrics: metrics, now: now}
}

// Append seals entry after the current head and stores it.
func (a *AuditRecorder) Append(ctx context.Context, entry entity.AuditEntry) (*entity.AuditEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if entry.At.IsZero() {
		entry.At = a.now()
	}
	if entry.Actor == "" {
		entry.Actor = entity.SystemActor
	}
	for attempt := 0; attempt < maxAuditAttempts; attempt++ {
		head, err := a.repo.LastAudit(ctx)
		if err != nil {
			return nil, fmt.Errorf("read audit head: %w", err)
		}
		e := entry
		e.Seal(head)
		err = a.repo.AppendAudit(ctx, &e)
		if err == nil {
			return &e, nil
		}
		if !errors.Is(err, repository.ErrConditionFailed) {
			return nil, fmt.Errorf("append audit: %w", err)
		}
	}
	return nil, fmt.Errorf("append audit: %w", ErrContended)
}

// record appends and swallows the error: a lost audit entry never undoes the transition it describes.
func (a *AuditRecorder) record(ctx context.Context, entry entity.AuditEntry) {
	if _, err := a.Append(ctx, entry); err != nil {
		a.metrics.auditFailed()
		slog.Error("audit append failed",
			slog.String("action", entry.Action),
			slog.String("subject_id", entry.SubjectID),
			slog.Any("err", err),
		)
	}
}

func (a *AuditRecorder) incident(ctx context.Context, actor, action string, inc *entity.Incident, from entity.IncidentStatus, detail string) {
	a.record(ctx, entity.AuditEntry{
		Actor:       actor,
		SubjectKind: entity.SubjectIncident,
		SubjectID:   inc.ID,
		IncidentID:  inc.ID,
		Action:      action,
		From:        string(from),
		To:          string(inc.Status),
		Detail:      detail,
	})
}

func (a *AuditRecorder) event(ctx context.Context, actor, action string, ev *entity.EscalationEvent, from entity.EventStatus) {
	a.record(ctx, entity.AuditEntry{
		Actor:       actor,
		SubjectKind: entity.SubjectEvent,
		SubjectID:   ev.ID,
		IncidentID:  ev.IncidentID,
		Action:      action,
		From:        string(from),
		To:          string(ev.Status),
		Detail:      strings.TrimSpace(fmt.Sprintf("step=%d channel=%s retry=%d %s", ev.StepNumber, ev.Channel, ev.RetryCount, ev.ErrorMessage)),
	})
}

// Range reads entries fromSeq..toSeq inclusive. toSeq <= 0 reads to the head.
func (a *AuditRecorder) Range(ctx context.Context, fromSeq, toSeq int64) ([]entity.AuditEntry, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	return a.repo.AuditRange(ctx, fromSeq, toSeq)
}

// Between reads entries recorded in [since, until]. A zero until is open-ended.
func (a *AuditRecorder) Between(ctx context.Context, since, until time.Time) ([]entity.AuditEntry, error) {
	return a.repo.AuditBetween(ctx, since, until)
}

// Verify walks the whole chain and returns the number of entries checked.
func (a *AuditRecorder) Verify(ctx context.Context) (int, error) {
	entries, err := a.repo.AuditRange(ctx, 1, 0)
	if err != nil {
		return 0, err
	}
	if len(entries) > 0 && entries[0].Seq != 1 {
		return 0, fmt.Errorf("audit chain starts at %d", entries[0].Seq)
	}
	if err := entity.VerifyAuditChain(entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}
