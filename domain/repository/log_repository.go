package repository

import (
	"context"
	"log/slog"

	"github.com/pyama86/siren/domain/entity"
)

// LogRepository writes pages to the log instead of delivering them.
type LogRepository struct {
	Channel entity.Channel
}

func (l LogRepository) Send(_ context.Context, target string, msg entity.Message) error {
	slog.Info("page",
		slog.String("channel", string(l.Channel)),
		slog.String("target", target),
		slog.String("incident_id", msg.IncidentID),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body),
	)
	return nil
}
