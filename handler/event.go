package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/presentation/blocks"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

type ActiveIncidentLister interface {
	ActiveIncidents(ctx context.Context) ([]entity.Incident, error)
}

type EventHandler struct {
	ctx       context.Context
	client    *slack.Client
	incidents ActiveIncidentLister
}

func NewEventHandler(ctx context.Context, client *slack.Client, incidents ActiveIncidentLister) *EventHandler {
	return &EventHandler{
		ctx:       ctx,
		client:    client,
		incidents: incidents,
	}
}

func (h *EventHandler) Handle(event *slackevents.EventsAPIInnerEvent) error {
	switch ev := event.Data.(type) {
	case *slackevents.AppMentionEvent:
		slog.Info("AppMentionEvent", "user", ev.User, "channel", ev.Channel)
		return h.handleMentionEvent(ev)
	}
	return nil
}

// handleMentionEvent answers a mention with the active incident list.
func (h *EventHandler) handleMentionEvent(event *slackevents.AppMentionEvent) error {
	incidents, err := h.incidents.ActiveIncidents(h.ctx)
	if err != nil {
		return fmt.Errorf("failed to ActiveIncidents: %w", err)
	}

	msgOptions := []slack.MsgOption{
		slack.MsgOptionText(fmt.Sprintf("%d active incident(s)", len(incidents)), false),
		slack.MsgOptionBlocks(blocks.ActiveIncidents(incidents)...),
	}
	if event.ThreadTimeStamp != "" {
		msgOptions = append(msgOptions, slack.MsgOptionTS(event.ThreadTimeStamp))
	}

	_, _, err = h.client.PostMessage(event.Channel, msgOptions...)
	if err != nil {
		return fmt.Errorf("failed to PostMessage: %w", err)
	}
	return nil
}
