package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Songmu/retry"
	ttlcache "github.com/jellydator/ttlcache/v3"
	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/presentation/blocks"
	"github.com/slack-go/slack"
)

// ErrSlackTargetNotFound is a rejected target: a channel name missing today will not appear on retry.
var ErrSlackTargetNotFound = fmt.Errorf("slack target not found: %w", ErrTargetRejected)

// ChatRepository is what the Slack interaction handlers need from the chat channel.
type ChatRepository interface {
	Send(ctx context.Context, target string, msg entity.Message) error
	GetUserByID(id string) (*slack.User, error)
	PreferredName(user *slack.User) string
	PostMessage(ctx context.Context, channelID string, opts ...slack.MsgOption)
	UpdateMessage(ctx context.Context, channelID, ts string, opts ...slack.MsgOption)
}

const (
	slackCacheTTL      = time.Hour
	slackReplyAttempts = 5
	slackReplyInterval = 2 * time.Second
)

// SlackRepository is the chat channel. Targets are channel names ("#ops"), channel ids,
// or user ids for direct messages.
type SlackRepository struct {
	client   *slack.Client
	channels *ttlcache.Cache[string, []slack.Channel]
	users    *ttlcache.Cache[string, []slack.User]
}

func NewSlackRepository(client *slack.Client) *SlackRepository {
	r := &SlackRepository{
		client:   client,
		channels: ttlcache.New(ttlcache.WithTTL[string, []slack.Channel](slackCacheTTL)),
		users:    ttlcache.New(ttlcache.WithTTL[string, []slack.User](slackCacheTTL)),
	}
	go r.channels.Start()
	go r.users.Start()
	return r
}

func (r *SlackRepository) Stop() {
	r.channels.Stop()
	r.users.Stop()
}

func (r *SlackRepository) Send(ctx context.Context, target string, msg entity.Message) error {
	channelID, err := r.channelID(ctx, target)
	if err != nil {
		return fmt.Errorf("resolve slack target %s: %w", target, err)
	}
	fallbackText := msg.Body
	if msg.Subject != "" {
		fallbackText = msg.Subject + "\n" + msg.Body
	}
	if _, _, err := r.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(fallbackText, false),
		slack.MsgOptionBlocks(blocks.EscalationPage(msg)...),
	); err != nil {
		return fmt.Errorf("post slack message to %s: %w", target, err)
	}
	return nil
}

// channelID maps "#name" through the cached conversation list; anything else is used as is.
func (r *SlackRepository) channelID(ctx context.Context, target string) (string, error) {
	name, ok := strings.CutPrefix(target, "#")
	if !ok {
		return target, nil
	}
	channels, err := cached(r.channels, "channels", func() ([]slack.Channel, error) { return r.listChannels(ctx) })
	if err != nil {
		return "", err
	}
	for _, c := range channels {
		if c.Name == name {
			return c.ID, nil
		}
	}
	return "", ErrSlackTargetNotFound
}

func (r *SlackRepository) listChannels(ctx context.Context) ([]slack.Channel, error) {
	var all []slack.Channel
	params := &slack.GetConversationsParameters{Limit: 1000, ExcludeArchived: true}
	for {
		page, next, err := r.client.GetConversationsContext(ctx, params)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		params.Cursor = next
	}
}

func (r *SlackRepository) GetUserByID(id string) (*slack.User, error) {
	users, err := cached(r.users, "users", func() ([]slack.User, error) { return r.client.GetUsers() })
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].ID == id {
			return &users[i], nil
		}
	}
	return nil, ErrSlackTargetNotFound
}

// PreferredName is the display name, falling back to the real name and then the handle.
func (r *SlackRepository) PreferredName(user *slack.User) string {
	for _, n := range []string{user.Profile.DisplayName, user.RealName} {
		if n != "" {
			return n
		}
	}
	return user.Name
}

// PostMessage and UpdateMessage answer interactions, so they return at once and retry in the background.
func (r *SlackRepository) PostMessage(ctx context.Context, channelID string, opts ...slack.MsgOption) {
	r.background("post", channelID, func() error {
		_, _, err := r.client.PostMessageContext(ctx, channelID, opts...)
		return err
	})
}

func (r *SlackRepository) UpdateMessage(ctx context.Context, channelID, ts string, opts ...slack.MsgOption) {
	r.background("update", channelID, func() error {
		_, _, _, err := r.client.UpdateMessageContext(ctx, channelID, ts, opts...)
		return err
	})
}

func (r *SlackRepository) background(op, channelID string, call func() error) {
	go func() {
		err := retry.Retry(slackReplyAttempts, slackReplyInterval, func() error {
			err := call()
			if err != nil {
				slog.Warn("slack reply failed", slog.String("op", op), slog.String("channel_id", channelID), slog.Any("err", err))
			}
			return err
		})
		if err != nil {
			slog.Error("slack reply gave up", slog.String("op", op), slog.String("channel_id", channelID), slog.Any("err", err))
		}
	}()
}

func cached[T any](c *ttlcache.Cache[string, T], key string, load func() (T, error)) (T, error) {
	if item := c.Get(key); item != nil {
		return item.Value(), nil
	}
	v, err := load()
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(key, v, ttlcache.DefaultTTL)
	return v, nil
}
