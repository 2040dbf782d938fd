package escalation

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/repository"
)

// Renderer fills a channel template with the incident's variables. Placeholders are
// text/template fields ({{.service}}); a placeholder with no variable is an error.
type Renderer struct {
	repo repository.TemplateRepository
}

func NewRenderer(repo repository.TemplateRepository) *Renderer {
	return &Renderer{repo: repo}
}

// TemplateData is what a template sees: the incident variables plus
// incident_id, type, source, severity and status.
func TemplateData(inc *entity.Incident) map[string]string {
	data := make(map[string]string, len(inc.Variables)+5)
	for k, v := range inc.Variables {
		data[k] = v
	}
	data["incident_id"] = inc.ID
	data["type"] = inc.Type
	data["source"] = inc.Source
	data["severity"] = strconv.Itoa(inc.Severity)
	data["status"] = string(inc.Status)
	return data
}

// Render errors are permanent: a broken template will not fix itself on retry.
func (r *Renderer) Render(ctx context.Context, ev *entity.EscalationEvent, inc *entity.Incident) (entity.Message, error) {
	tmpl, err := r.repo.TemplateByID(ctx, ev.TemplateID)
	if err != nil {
		return entity.Message{}, fmt.Errorf("load template %s: %w", ev.TemplateID, err)
	}
	if tmpl == nil {
		return entity.Message{}, Permanent(fmt.Errorf("%w: %s", ErrTemplateNotFound, ev.TemplateID))
	}
	if tmpl.Channel != ev.Channel {
		return entity.Message{}, Permanent(fmt.Errorf("template %s is for %s, event is %s", tmpl.ID, tmpl.Channel, ev.Channel))
	}
	data := TemplateData(inc)
	subject, err := execute(tmpl.ID+".subject", tmpl.Subject, data)
	if err != nil {
		return entity.Message{}, Permanent(err)
	}
	body, err := execute(tmpl.ID+".body", tmpl.Body, data)
	if err != nil {
		return entity.Message{}, Permanent(err)
	}
	return entity.Message{
		IncidentID: inc.ID,
		Severity:   inc.Severity,
		Subject:    strings.TrimSpace(subject),
		Body:       body,
	}, nil
}

func parse(name, text string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return t, nil
}

func execute(name, text string, data map[string]string) (string, error) {
	if text == "" {
		return "", nil
	}
	t, err := parse(name, text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.String(), nil
}
