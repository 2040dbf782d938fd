package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/repository"
	"github.com/pyama86/siren/presentation/blocks"
	"github.com/slack-go/slack"
)

// IncidentActor is the human side of the engine.
type IncidentActor interface {
	Acknowledge(ctx context.Context, id, actor string) (*entity.Incident, error)
	Resolve(ctx context.Context, id, actor, notes string) (*entity.Incident, error)
	ActiveIncidents(ctx context.Context) ([]entity.Incident, error)
}

type CallbackHandler struct {
	ctx        context.Context
	incidents  IncidentActor
	repository repository.ChatRepository
}

func NewCallbackHandler(ctx context.Context, incidents IncidentActor, repository repository.ChatRepository) *CallbackHandler {
	return &CallbackHandler{
		ctx:        ctx,
		incidents:  incidents,
		repository: repository,
	}
}

// actor is how a Slack user shows up in the audit log.
func (h *CallbackHandler) actor(user slack.User) string {
	name := user.Name
	if u, err := h.repository.GetUserByID(user.ID); err == nil && u != nil {
		name = h.repository.PreferredName(u)
	}
	if name == "" {
		return "slack:" + user.ID
	}
	return fmt.Sprintf("slack:%s(%s)", user.ID, name)
}

func (h *CallbackHandler) Handle(callback *slack.InteractionCallback) error {
	if callback.Type != slack.InteractionTypeBlockActions {
		return nil
	}
	if len(callback.ActionCallback.BlockActions) < 1 {
		return fmt.Errorf("block_actions is empty")
	}
	action := callback.ActionCallback.BlockActions[0]
	incidentID := action.Value

	switch action.ActionID {
	case blocks.AcknowledgeActionID:
		slog.Info("acknowledge from slack", slog.String("incident_id", incidentID), slog.String("user", callback.User.ID))
		inc, err := h.incidents.Acknowledge(h.ctx, incidentID, h.actor(callback.User))
		if err != nil {
			h.repository.PostMessage(h.ctx, callback.Channel.ID,
				slack.MsgOptionPostEphemeral(callback.User.ID),
				slack.MsgOptionBlocks(blocks.ActionFailed(incidentID, err)...),
			)
			return fmt.Errorf("acknowledge %s: %w", incidentID, err)
		}
		h.repository.UpdateMessage(
			h.ctx,
			callback.Channel.ID,
			callback.Message.Timestamp,
			slack.MsgOptionBlocks(blocks.IncidentAcknowledged(inc, callback.User.ID)...),
		)
	case blocks.ResolveActionID:
		slog.Info("resolve from slack", slog.String("incident_id", incidentID), slog.String("user", callback.User.ID))
		inc, err := h.incidents.Resolve(h.ctx, incidentID, h.actor(callback.User), "resolved from Slack")
		if err != nil {
			h.repository.PostMessage(h.ctx, callback.Channel.ID,
				slack.MsgOptionPostEphemeral(callback.User.ID),
				slack.MsgOptionBlocks(blocks.ActionFailed(incidentID, err)...),
			)
			return fmt.Errorf("resolve %s: %w", incidentID, err)
		}
		h.repository.UpdateMessage(
			h.ctx,
			callback.Channel.ID,
			callback.Message.Timestamp,
			slack.MsgOptionBlocks(blocks.IncidentResolved(inc, callback.User.ID)...),
		)
	}
	return nil
}
