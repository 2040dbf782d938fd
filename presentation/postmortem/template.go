package postmortem

import (
	"fmt"
	"strings"
	"time"

	"github.com/pyama86/siren/domain/entity"
)

const timeFormat = "2006-01-02 15:04:05 MST"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeFormat)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func Title(inc *entity.Incident) string {
	return fmt.Sprintf("[siren] %s incident %s (%s)", inc.Type, inc.ID, inc.CreatedAt.UTC().Format("2006-01-02"))
}

// Timeline is one line per audit entry, oldest first.
func Timeline(entries []entity.AuditEntry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		transition := e.To
		if e.From != "" && e.From != e.To {
			transition = e.From + " → " + e.To
		}
		line := fmt.Sprintf("%s %s %s %s", formatTime(e.At), e.Actor, e.Action, transition)
		if e.Detail != "" {
			line += " (" + e.Detail + ")"
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	return lines
}

func Render(inc *entity.Incident, events []entity.EscalationEvent, timeline []string, summary string) string {
	var steps strings.Builder
	steps.WriteString("| step | channel | targets | scheduled | status | retries | sent | error |\n")
	steps.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, ev := range events {
		fmt.Fprintf(&steps, "| %d | %s | %s | %s | %s | %d | %s | %s |\n",
			ev.StepNumber,
			ev.Channel,
			strings.Join(ev.Targets, ", "),
			formatTime(ev.ScheduledFor),
			ev.Status,
			ev.RetryCount,
			formatTime(ev.SentAt),
			orDash(strings.ReplaceAll(ev.ErrorMessage, "|", "/")),
		)
	}

	var tl strings.Builder
	for _, line := range timeline {
		tl.WriteString("- " + line + "\n")
	}

	return fmt.Sprintf(`
# %s

## Summary

%s

## Incident

- Type: %s
- Severity: %d
- Source: %s
- Status: %s
- Policy: %s
- Signals received: %d
- Opened: %s
- Acknowledged: %s by %s
- Resolved: %s by %s

## Resolution notes

%s

## Escalation

%s
## Timeline

%s`,
		Title(inc),
		orDash(summary),
		inc.Type,
		inc.Severity,
		inc.Source,
		inc.Status,
		orDash(inc.PolicyID),
		inc.SignalCount,
		formatTime(inc.CreatedAt),
		formatTime(inc.AcknowledgedAt), orDash(inc.AcknowledgedBy),
		formatTime(inc.ResolvedAt), orDash(inc.ResolvedBy),
		orDash(inc.ResolutionNotes),
		steps.String(),
		tl.String(),
	)
}
