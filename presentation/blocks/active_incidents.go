package blocks

import (
	"fmt"

	"github.com/pyama86/siren/domain/entity"
	"github.com/slack-go/slack"
)

func ActiveIncidents(incidents []entity.Incident) []slack.Block {
	if len(incidents) == 0 {
		return []slack.Block{
			slack.NewSectionBlock(
				slack.NewTextBlockObject("mrkdwn", "🙆 No active incidents.", false, false),
				nil,
				nil,
			),
		}
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", fmt.Sprintf("📢 %d active incident(s)", len(incidents)), false, false)),
		slack.NewDividerBlock(),
	}
	for _, inc := range incidents {
		text := fmt.Sprintf("*%s* %s from `%s`\nstatus: %s, signals: %d, opened: <!date^%d^{date_short_pretty} {time}|%s>",
			inc.Type, severityLabel(inc.Severity), inc.Source, inc.Status, inc.SignalCount,
			inc.CreatedAt.Unix(), inc.CreatedAt.UTC().Format("2006-01-02 15:04 MST"))

		var accessory *slack.Accessory
		if inc.Status == entity.IncidentStatusOpen {
			accessory = slack.NewAccessory(
				slack.NewButtonBlockElement(
					AcknowledgeActionID,
					inc.ID,
					slack.NewTextBlockObject("plain_text", "👀 Acknowledge", false, false),
				).WithStyle(slack.StylePrimary),
			)
		} else {
			accessory = slack.NewAccessory(
				slack.NewButtonBlockElement(
					ResolveActionID,
					inc.ID,
					slack.NewTextBlockObject("plain_text", "✅ Resolve", false, false),
				).WithStyle(slack.StyleDanger),
			)
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", text, false, false),
			nil,
			accessory,
		))
	}
	return blocks
}
