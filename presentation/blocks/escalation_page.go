package blocks

import (
	"fmt"
	"strings"

	"github.com/pyama86/siren/domain/entity"
	"github.com/slack-go/slack"
)

const (
	AcknowledgeActionID = "siren_acknowledge"
	ResolveActionID     = "siren_resolve"
	EscalationBlockID   = "siren_escalation"
)

func severityLabel(severity int) string {
	return fmt.Sprintf("%s SEV%d", strings.Repeat("🔥", severity), severity)
}

// EscalationPage is the chat rendition of a page. The buttons carry the incident id.
func EscalationPage(msg entity.Message) []slack.Block {
	header := msg.Subject
	if header == "" {
		header = "🚨 Incident " + msg.IncidentID
	}

	return []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", header, false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", WithMention(msg.Severity, msg.Body), false, false),
			[]*slack.TextBlockObject{
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Severity:* %s", severityLabel(msg.Severity)), false, false),
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Incident:* `%s`", msg.IncidentID), false, false),
			},
			nil,
		),
		slack.NewDividerBlock(),
		slack.NewActionBlock(
			EscalationBlockID,
			slack.NewButtonBlockElement(
				AcknowledgeActionID,
				msg.IncidentID,
				slack.NewTextBlockObject("plain_text", "👀 Acknowledge", false, false),
			).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(
				ResolveActionID,
				msg.IncidentID,
				slack.NewTextBlockObject("plain_text", "✅ Resolve", false, false),
			).WithStyle(slack.StyleDanger),
		),
	}
}
