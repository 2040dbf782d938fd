package handler_test

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/escalation"
	"github.com/pyama86/siren/domain/repository"
	"github.com/pyama86/siren/handler"
	"github.com/pyama86/siren/presentation/blocks"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slackCall struct {
	endpoint string
	channel  string
	ts       string
	values   url.Values
}

type mockSlackRepo struct {
	posts   []slackCall
	updates []slackCall
	users   map[string]*slack.User
}

var _ repository.ChatRepository = (*mockSlackRepo)(nil)

func (m *mockSlackRepo) Send(context.Context, string, entity.Message) error { return nil }

func (m *mockSlackRepo) GetUserByID(id string) (*slack.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, repository.ErrSlackTargetNotFound
}

func apply(opts ...slack.MsgOption) (string, url.Values) {
	endpoint, values, _ := slack.UnsafeApplyMsgOptions("dummy", "C1", "https://slack.test/api/", opts...)
	return endpoint, values
}

func (m *mockSlackRepo) PostMessage(_ context.Context, channelID string, opts ...slack.MsgOption) {
	endpoint, values := apply(opts...)
	m.posts = append(m.posts, slackCall{endpoint: endpoint, channel: channelID, values: values})
}

func (m *mockSlackRepo) UpdateMessage(_ context.Context, channelID, ts string, opts ...slack.MsgOption) {
	endpoint, values := apply(opts...)
	m.updates = append(m.updates, slackCall{endpoint: endpoint, channel: channelID, ts: ts, values: values})
}

func (m *mockSlackRepo) PreferredName(user *slack.User) string {
	return user.Profile.DisplayName
}

type mockIncidents struct {
	acked    []string
	resolved []string
	actors   []string
	err      error
}

func (m *mockIncidents) Acknowledge(_ context.Context, id, actor string) (*entity.Incident, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.acked = append(m.acked, id)
	m.actors = append(m.actors, actor)
	return &entity.Incident{ID: id, Type: "payment_failure", Status: entity.IncidentStatusAcknowledged}, nil
}

func (m *mockIncidents) Resolve(_ context.Context, id, actor, _ string) (*entity.Incident, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.resolved = append(m.resolved, id)
	m.actors = append(m.actors, actor)
	return &entity.Incident{ID: id, Type: "payment_failure", Status: entity.IncidentStatusResolved}, nil
}

func (m *mockIncidents) ActiveIncidents(context.Context) ([]entity.Incident, error) {
	return nil, nil
}

func blockAction(actionID, incidentID string) *slack.InteractionCallback {
	return &slack.InteractionCallback{
		Type:    slack.InteractionTypeBlockActions,
		User:    slack.User{ID: "U1", Name: "alice"},
		Channel: slack.Channel{GroupConversation: slack.GroupConversation{Conversation: slack.Conversation{ID: "COPS"}}},
		Message: slack.Message{Msg: slack.Msg{Timestamp: "1700000000.000100"}},
		ActionCallback: slack.ActionCallbacks{
			BlockActions: []*slack.BlockAction{{ActionID: actionID, Value: incidentID}},
		},
	}
}

func TestCallbackHandler_Handle(t *testing.T) {
	slackRepo := &mockSlackRepo{users: map[string]*slack.User{
		"U1": {ID: "U1", Name: "alice", Profile: slack.UserProfile{DisplayName: "alice-oncall"}},
	}}
	incidents := &mockIncidents{}
	cbHandler := handler.NewCallbackHandler(context.Background(), incidents, slackRepo)

	require.NoError(t, cbHandler.Handle(blockAction(blocks.AcknowledgeActionID, "inc-1")))
	assert.Equal(t, []string{"inc-1"}, incidents.acked)
	assert.Equal(t, []string{"slack:U1(alice-oncall)"}, incidents.actors)
	require.Len(t, slackRepo.updates, 1)
	assert.Equal(t, "COPS", slackRepo.updates[0].channel)
	assert.Equal(t, "1700000000.000100", slackRepo.updates[0].ts)
	assert.Contains(t, slackRepo.updates[0].values.Get("blocks"), "acknowledged incident")
	assert.Contains(t, slackRepo.updates[0].values.Get("blocks"), blocks.ResolveActionID)

	require.NoError(t, cbHandler.Handle(blockAction(blocks.ResolveActionID, "inc-1")))
	assert.Equal(t, []string{"inc-1"}, incidents.resolved)
	require.Len(t, slackRepo.updates, 2)
	assert.Contains(t, slackRepo.updates[1].values.Get("blocks"), "resolved incident")
	assert.Empty(t, slackRepo.posts)

	// unknown actions and other interaction types are ignored
	require.NoError(t, cbHandler.Handle(blockAction("something_else", "inc-1")))
	require.NoError(t, cbHandler.Handle(&slack.InteractionCallback{Type: slack.InteractionTypeViewSubmission}))
	assert.Len(t, slackRepo.updates, 2)

	empty := blockAction(blocks.AcknowledgeActionID, "inc-1")
	empty.ActionCallback.BlockActions = nil
	assert.Error(t, cbHandler.Handle(empty))
}

func TestCallbackHandler_HandleFailure(t *testing.T) {
	slackRepo := &mockSlackRepo{}
	incidents := &mockIncidents{err: fmt.Errorf("%w: resolved -> acknowledged", escalation.ErrInvalidTransition)}
	cbHandler := handler.NewCallbackHandler(context.Background(), incidents, slackRepo)

	err := cbHandler.Handle(blockAction(blocks.AcknowledgeActionID, "inc-1"))
	assert.ErrorIs(t, err, escalation.ErrInvalidTransition)
	assert.Empty(t, slackRepo.updates)
	require.Len(t, slackRepo.posts, 1)
	assert.Contains(t, slackRepo.posts[0].endpoint, "chat.postEphemeral")
	assert.Equal(t, "U1", slackRepo.posts[0].values.Get("user"))
	assert.Contains(t, slackRepo.posts[0].values.Get("blocks"), "Could not update incident")

	// no Slack profile either; the actor falls back to the callback user name
	err = cbHandler.Handle(blockAction(blocks.ResolveActionID, "inc-1"))
	assert.ErrorIs(t, err, escalation.ErrInvalidTransition)
	assert.Len(t, slackRepo.posts, 2)
}
