package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/model"
	"github.com/pyama86/siren/domain/repository"
	"github.com/pyama86/siren/presentation/postmortem"
)

type Summarizer interface {
	SummarizeIncident(ctx context.Context, description string, timeline []string) (string, error)
}

// Reviewer assembles the post-incident review from the incident, its events and its audit trail.
// Summarizer and exporter are optional.
type Reviewer struct {
	engine     *Engine
	summarizer Summarizer
	exporter   repository.PostMortemExporter
}

func NewReviewer(engine *Engine, summarizer Summarizer, exporter repository.PostMortemExporter) *Reviewer {
	return &Reviewer{engine: engine, summarizer: summarizer, exporter: exporter}
}

func (r *Reviewer) Review(ctx context.Context, id string) (*model.Review, error) {
	view, err := r.engine.Incident(ctx, id)
	if err != nil {
		return nil, err
	}
	inc := &view.Incident

	entries, err := r.engine.Audit().Between(ctx, inc.CreatedAt, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("read audit for %s: %w", id, err)
	}
	var own []entity.AuditEntry
	for _, e := range entries {
		if e.IncidentID == id {
			own = append(own, e)
		}
	}
	timeline := postmortem.Timeline(own)

	var summary string
	if r.summarizer != nil {
		description := fmt.Sprintf("type=%s severity=%d source=%s status=%s notes=%s context=%s",
			inc.Type, inc.Severity, inc.Source, inc.Status, inc.ResolutionNotes, formatContext(inc.Context))
		summary, err = r.summarizer.SummarizeIncident(ctx, description, timeline)
		if err != nil {
			slog.Warn("review summary failed", slog.String("incident_id", id), slog.Any("err", err))
			summary = ""
		}
	}

	review := &model.Review{
		IncidentID: id,
		Title:      postmortem.Title(inc),
		Summary:    summary,
		Markdown:   postmortem.Render(inc, view.Events, timeline, summary),
	}
	if r.exporter != nil {
		url, err := r.exporter.ExportPostMortem(ctx, review.Title, review.Markdown)
		if err != nil {
			return nil, fmt.Errorf("export review for %s: %w", id, err)
		}
		review.URL = url
	}
	return review, nil
}

func formatContext(values map[string]string) string {
	parts := make([]string, 0, len(values))
	for k, v := range values {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
