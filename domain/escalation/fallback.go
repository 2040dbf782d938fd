package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/repository"
)

const fallbackTimeout = 10 * time.Second

// FallbackAlerter announces incidents that have no escalation policy. It always logs;
// the sender is optional.
type FallbackAlerter struct {
	sender  repository.Sender
	channel entity.Channel
	target  string
	metrics *Metrics
}

func NewFallbackAlerter(sender repository.Sender, channel entity.Channel, target string, metrics *Metrics) *FallbackAlerter {
	return &FallbackAlerter{sender: sender, channel: channel, target: target, metrics: metrics}
}

func (f *FallbackAlerter) Alert(ctx context.Context, inc *entity.Incident, reason error) {
	var metrics *Metrics
	if f != nil {
		metrics = f.metrics
	}
	metrics.fallback()
	slog.Error("incident has no escalation",
		slog.String("incident_id", inc.ID),
		slog.String("type", inc.Type),
		slog.Int("severity", inc.Severity),
		slog.String("source", inc.Source),
		slog.Any("err", reason),
	)
	if f == nil || f.sender == nil || f.target == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, fallbackTimeout)
	defer cancel()
	msg := entity.Message{
		IncidentID: inc.ID,
		Severity:   inc.Severity,
		Subject:    fmt.Sprintf("[siren] no escalation policy for %s", inc.Type),
		Body: fmt.Sprintf("Incident %s (type=%s severity=%d source=%s) was opened but nobody is being paged: %v",
			inc.ID, inc.Type, inc.Severity, inc.Source, reason),
	}
	if err := f.sender.Send(ctx, f.target, msg); err != nil {
		slog.Error("fallback alert failed",
			slog.String("incident_id", inc.ID),
			slog.String("channel", string(f.channel)),
			slog.String("target", f.target),
			slog.Any("err", err),
		)
	}
}
