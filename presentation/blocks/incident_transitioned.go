package blocks

import (
	"fmt"

	"github.com/pyama86/siren/domain/entity"
	"github.com/slack-go/slack"
)

func IncidentAcknowledged(inc *entity.Incident, userID string) []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("👀 <@%s> acknowledged incident `%s` (%s). Remaining escalation steps are cancelled.", userID, inc.ID, inc.Type),
				false, false),
			nil,
			nil,
		),
		slack.NewActionBlock(
			EscalationBlockID,
			slack.NewButtonBlockElement(
				ResolveActionID,
				inc.ID,
				slack.NewTextBlockObject("plain_text", "✅ Resolve", false, false),
			).WithStyle(slack.StyleDanger),
		),
	}
}

func IncidentResolved(inc *entity.Incident, userID string) []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn",
				fmt.Sprintf("✅ <@%s> resolved incident `%s` (%s).", userID, inc.ID, inc.Type),
				false, false),
			nil,
			nil,
		),
	}
}

// ActionFailed is posted ephemerally to the user who clicked.
func ActionFailed(incidentID string, err error) []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("⚠️ Could not update incident `%s`: %v", incidentID, err), false, false),
			nil,
			nil,
		),
	}
}
