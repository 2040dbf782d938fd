package repository_test

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/repository"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slacktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlackRepositorySend(t *testing.T) {
	var mu sync.Mutex
	var posts []map[string]string
	srv := slacktest.NewTestServer(func(c slacktest.Customize) {
		c.Handle("/auth.test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":true,"user_id":"UBOT"}`))
		}))
		c.Handle("/conversations.list", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok": true,
				"channels": []map[string]any{
					{"id": "CGEN", "name": "general"},
					{"id": "COPS", "name": "ops"},
				},
			})
		}))
		c.Handle("/chat.postMessage", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = r.ParseForm()
			mu.Lock()
			posts = append(posts, map[string]string{
				"channel": r.FormValue("channel"),
				"text":    r.FormValue("text"),
				"blocks":  r.FormValue("blocks"),
			})
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true,"channel":"COPS","ts":"1700000000.000100"}`))
		}))
	})
	go srv.Start()
	defer srv.Stop()

	api := slack.New("dummy", slack.OptionAPIURL(srv.GetAPIURL()))
	slackRepo := repository.NewSlackRepository(api)
	defer slackRepo.Stop()

	msg := entity.Message{IncidentID: "inc-1", Severity: 4, Subject: "[SEV4] payment_failure", Body: "stripe-gateway is failing"}

	// the channel lookup follows the caller's deadline and a failed lookup is not cached
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err := slackRepo.Send(cancelled, "#ops", msg)
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrTargetRejected)

	require.NoError(t, slackRepo.Send(context.Background(), "#ops", msg))
	require.NoError(t, slackRepo.Send(context.Background(), "U123", msg))

	err = slackRepo.Send(context.Background(), "#nowhere", msg)
	assert.ErrorIs(t, err, repository.ErrSlackTargetNotFound)
	assert.ErrorIs(t, err, repository.ErrTargetRejected)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, posts, 2)
	assert.Equal(t, "COPS", posts[0]["channel"])
	assert.Equal(t, "U123", posts[1]["channel"])
	assert.Equal(t, "[SEV4] payment_failure\nstripe-gateway is failing", posts[0]["text"])
	assert.Contains(t, posts[0]["blocks"], "siren_acknowledge")
	assert.Contains(t, posts[0]["blocks"], "inc-1")
}

func TestSlackRepositoryGetUserByID(t *testing.T) {
	srv := slacktest.NewTestServer(func(c slacktest.Customize) {
		c.Handle("/users.list", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"ok": true,
				"members": []map[string]any{
					{"id": "U1", "name": "alice", "real_name": "Alice Liddell", "profile": map[string]any{"display_name": "alice-oncall"}},
					{"id": "U2", "name": "bob", "profile": map[string]any{}},
				},
			})
		}))
	})
	go srv.Start()
	defer srv.Stop()

	slackRepo := repository.NewSlackRepository(slack.New("dummy", slack.OptionAPIURL(srv.GetAPIURL())))
	defer slackRepo.Stop()

	alice, err := slackRepo.GetUserByID("U1")
	require.NoError(t, err)
	assert.Equal(t, "alice-oncall", slackRepo.PreferredName(alice))

	bob, err := slackRepo.GetUserByID("U2")
	require.NoError(t, err)
	assert.Equal(t, "bob", slackRepo.PreferredName(bob))

	_, err = slackRepo.GetUserByID("U3")
	assert.ErrorIs(t, err, repository.ErrSlackTargetNotFound)
}
