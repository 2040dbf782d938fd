package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/pyama86/siren/domain/entity"
	"github.com/pyama86/siren/domain/escalation"
	"github.com/pyama86/siren/domain/repository"
	"github.com/segmentio/kafka-go"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/sync/errgroup"
)

// App is the wired engine. The serve command runs all of it; CLI commands use parts.
type App struct {
	Config     *repository.Config
	Repository repository.Repository
	Engine     *escalation.Engine
	Catalog    *escalation.Catalog
	Dispatcher *escalation.Dispatcher
	Reviewer   *escalation.Reviewer
	Registry   *prometheus.Registry

	slackClient *slack.Client
	slackRepo   *repository.SlackRepository
}

func NewApp(ctx context.Context, configPath string) (*App, error) {
	cfg, err := repository.NewConfigRepository(configPath)
	if err != nil {
		return nil, err
	}

	var store repository.Repository
	switch cfg.Store.Driver {
	case "dynamodb":
		d, err := repository.NewDynamoDBRepository(ctx, cfg.Store.Endpoint)
		if err != nil {
			return nil, err
		}
		store = d
	default:
		store = repository.NewMemoryRepository()
	}
	repo := repository.NewRepository(store, store, store, store, store)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := escalation.NewMetrics(registry)

	app := &App{
		Config:     cfg,
		Repository: repo,
		Registry:   registry,
	}

	if cfg.Channels.Slack.Enabled && os.Getenv("SLACK_BOT_TOKEN") != "" {
		app.slackClient = slack.New(
			os.Getenv("SLACK_BOT_TOKEN"),
			slack.OptionAppLevelToken(os.Getenv("SLACK_APP_TOKEN")),
		)
		app.slackRepo = repository.NewSlackRepository(app.slackClient)
	}

	senders := buildSenders(cfg, app.slackRepo)
	var fallbackSender repository.Sender
	if s, ok := senders[cfg.Fallback.Channel]; ok {
		fallbackSender = s
	}

	app.Engine = escalation.NewEngine(repo, escalation.Options{
		PolicyCacheTTL: cfg.Dispatcher.PolicyCacheTTL,
		Fallback:       escalation.NewFallbackAlerter(fallbackSender, cfg.Fallback.Channel, cfg.Fallback.Target, metrics),
		Metrics:        metrics,
	})
	app.Catalog = escalation.NewCatalog(repo, repo, app.Engine.Resolver(), nil)
	if err := app.Catalog.Seed(ctx, cfg.Policies(ctx), cfg.Templates(ctx)); err != nil {
		return nil, fmt.Errorf("seed policies: %w", err)
	}
	warnMissingSenders(cfg.Policies(ctx), senders)

	app.Dispatcher = escalation.NewDispatcher(repo, senders, escalation.DispatcherOptions{
		PollInterval: cfg.Dispatcher.PollInterval,
		BatchSize:    cfg.Dispatcher.BatchSize,
		Concurrency:  cfg.Dispatcher.Concurrency,
		MaxRetries:   cfg.Dispatcher.MaxRetries,
		BackoffBase:  cfg.Dispatcher.BackoffBase,
		BackoffMax:   cfg.Dispatcher.BackoffMax,
		SendTimeout:  cfg.Dispatcher.SendTimeout,
		ClaimGrace:   cfg.Dispatcher.ClaimGrace,
		Metrics:      metrics,
		Audit:        app.Engine.Audit(),
	})

	aiRepository, err := repository.NewAIRepository()
	if err != nil {
		return nil, err
	}
	var summarizer escalation.Summarizer
	if aiRepository != nil {
		summarizer = aiRepository
	}

	var postmortemExporter repository.PostMortemExporter
	if os.Getenv("CONFLUENCE_USERNAME") != "" && os.Getenv("CONFLUENCE_PASSWORD") != "" && cfg.Confluence.Domain != "" {
		r, err := repository.NewConfluenceRepository(
			cfg.Confluence.Domain,
			os.Getenv("CONFLUENCE_USERNAME"),
			os.Getenv("CONFLUENCE_PASSWORD"),
			cfg.Confluence.Space,
			cfg.Confluence.AncestorID,
		)
		if err != nil {
			return nil, err
		}
		postmortemExporter = r
	}
	app.Reviewer = escalation.NewReviewer(app.Engine, summarizer, postmortemExporter)
	return app, nil
}

func buildSenders(cfg *repository.Config, slackRepo *repository.SlackRepository) map[entity.Channel]repository.Sender {
	senders := map[entity.Channel]repository.Sender{}
	if cfg.Channels.LogOnly {
		for _, c := range entity.Channels {
			senders[c] = repository.LogRepository{Channel: c}
		}
		return senders
	}
	if slackRepo != nil {
		senders[entity.ChannelChat] = slackRepo
	}
	if smtp := cfg.Channels.SMTP; smtp.Addr != "" {
		senders[entity.ChannelEmail] = repository.NewEmailRepository(smtp.Addr, smtp.From, smtp.Username, os.Getenv("SMTP_PASSWORD"))
	}
	if wh := cfg.Channels.Webhook; wh.SMSURL != "" {
		senders[entity.ChannelSMS] = repository.NewWebhookRepository(wh.SMSURL, wh.Timeout)
	}
	if wh := cfg.Channels.Webhook; wh.VoiceURL != "" {
		senders[entity.ChannelVoice] = repository.NewWebhookRepository(wh.VoiceURL, wh.Timeout)
	}
	return senders
}

func warnMissingSenders(policies []entity.Policy, senders map[entity.Channel]repository.Sender) {
	for _, p := range policies {
		for n, s := range p.Steps {
			if _, ok := senders[s.Channel]; !ok {
				slog.Warn("no sender configured for policy step",
					slog.String("policy_id", p.ID),
					slog.Int("step", n),
					slog.String("channel", string(s.Channel)),
				)
			}
		}
	}
}

func (a *App) Close() {
	if a.slackRepo != nil {
		a.slackRepo.Stop()
	}
}

// Handle runs the HTTP API, the dispatcher, and when configured the Kafka intake and the
// Slack socket-mode listener, until ctx is done or one of them fails.
func Handle(ctx context.Context, configPath string) error {
	app, err := NewApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer app.Close()

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              app.Config.HTTP.Addr,
		Handler:           NewRouter(app.Engine, app.Catalog, app.Reviewer, app.Registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("http server started", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return app.Dispatcher.Run(ctx)
	})

	if kc := app.Config.Kafka; len(kc.Brokers) > 0 {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        kc.Brokers,
			GroupID:        kc.GroupID,
			Topic:          kc.Topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			ReadBackoffMin: 100 * time.Millisecond,
			ReadBackoffMax: time.Second,
		})
		consumer := NewKafkaConsumer(reader, app.Engine)
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}

	if app.slackClient != nil && os.Getenv("SLACK_APP_TOKEN") != "" {
		g.Go(func() error {
			return runSocketMode(ctx, app)
		})
	}

	return g.Wait()
}

func runSocketMode(ctx context.Context, app *App) error {
	authTest, err := app.slackClient.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("SLACK_BOT_TOKEN is invalid: %w", err)
	}
	slog.Info("Bot ID", slog.String("bot_id", authTest.UserID))

	socketMode := socketmode.New(app.slackClient)
	eventHandler := NewEventHandler(ctx, app.slackClient, app.Engine)
	callbackHandler := NewCallbackHandler(ctx, app.Engine, app.slackRepo)

	go func() {
		for envelope := range socketMode.Events {
			switch envelope.Type {
			case socketmode.EventTypeEventsAPI:
				socketMode.Ack(*envelope.Request)
				eventPayload, ok := envelope.Data.(slackevents.EventsAPIEvent)
				if !ok {
					slog.Error("Failed to cast to EventsAPIEvent")
					continue
				}

				switch eventPayload.Type {
				case slackevents.CallbackEvent:
					innerEvent := eventPayload.InnerEvent
					if err := eventHandler.Handle(&innerEvent); err != nil {
						slog.Error("Failed to handle event", slog.Any("err", err))
					}
				}
			case socketmode.EventTypeInteractive:
				socketMode.Ack(*envelope.Request)
				callback, ok := envelope.Data.(slack.InteractionCallback)
				if !ok {
					slog.Error("Failed to cast to InteractionCallback")
					continue
				}
				if err := callbackHandler.Handle(&callback); err != nil {
					slog.Error("Failed to handle callback", slog.Any("err", err))
				}
			}
		}
	}()

	return socketMode.RunContext(ctx)
}
