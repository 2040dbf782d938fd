package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pyama86/siren/domain/entity"
	"github.com/spf13/viper"
)

func NewConfigRepository(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.AutomaticEnv()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	err := v.ReadInConfig()
	if err != nil {
		return nil, fmt.Errorf("read config error: %w", err)
	}

	var c Config
	err = v.Unmarshal(&c)
	if err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "memory")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("kafka.group_id", "siren")
	v.SetDefault("dispatcher.poll_interval", 5*time.Second)
	v.SetDefault("dispatcher.batch_size", 100)
	v.SetDefault("dispatcher.concurrency", 8)
	v.SetDefault("dispatcher.max_retries", 3)
	v.SetDefault("dispatcher.backoff_base", 30*time.Second)
	v.SetDefault("dispatcher.backoff_max", 10*time.Minute)
	v.SetDefault("dispatcher.send_timeout", 10*time.Second)
	v.SetDefault("dispatcher.claim_grace", 2*time.Minute)
	v.SetDefault("dispatcher.policy_cache_ttl", 30*time.Second)
	v.SetDefault("channels.webhook.timeout", 10*time.Second)
	v.SetDefault("fallback.channel", "chat")
	v.SetDefault("fallback.target", "#siren-fallback")
}

type Config struct {
	Store        StoreConfig       `mapstructure:"store"`
	HTTP         HTTPConfig        `mapstructure:"http"`
	Kafka        KafkaConfig       `mapstructure:"kafka"`
	Dispatcher   DispatcherConfig  `mapstructure:"dispatcher"`
	Channels     ChannelsConfig    `mapstructure:"channels"`
	Fallback     FallbackConfig    `mapstructure:"fallback"`
	Confluence   ConfluenceConfig  `mapstructure:"confluence"`
	PolicyList   []entity.Policy   `mapstructure:"policies" validate:"dive"`
	TemplateList []entity.Template `mapstructure:"templates" validate:"dive"`
}

type StoreConfig struct {
	Driver   string `mapstructure:"driver" validate:"oneof=memory dynamodb"`
	Endpoint string `mapstructure:"endpoint"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic" validate:"required_with=Brokers"`
	GroupID string   `mapstructure:"group_id"`
}

type DispatcherConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize      int           `mapstructure:"batch_size" validate:"gt=0"`
	Concurrency    int           `mapstructure:"concurrency" validate:"gt=0"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gt=0"`
	BackoffBase    time.Duration `mapstructure:"backoff_base" validate:"gt=0"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffBase"`
	SendTimeout    time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	ClaimGrace     time.Duration `mapstructure:"claim_grace" validate:"gtfield=SendTimeout"`
	PolicyCacheTTL time.Duration `mapstructure:"policy_cache_ttl"`
}

type ChannelsConfig struct {
	// LogOnly replaces every channel with the log sender
	LogOnly bool          `mapstructure:"log_only"`
	Slack   SlackConfig   `mapstructure:"slack"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

type SlackConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type SMTPConfig struct {
	Addr     string `mapstructure:"addr"`
	From     string `mapstructure:"from" validate:"required_with=Addr"`
	Username string `mapstructure:"username"`
}

type WebhookConfig struct {
	SMSURL   string        `mapstructure:"sms_url" validate:"omitempty,url"`
	VoiceURL string        `mapstructure:"voice_url" validate:"omitempty,url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// FallbackConfig is where incidents without a matching policy are announced.
type FallbackConfig struct {
	Channel entity.Channel `mapstructure:"channel" validate:"omitempty,oneof=email sms chat voice"`
	Target  string         `mapstructure:"target" validate:"required_with=Channel"`
}

type ConfluenceConfig struct {
	AncestorID string `mapstructure:"ancestor_id"`
	Space      string `mapstructure:"space"`
	Domain     string `mapstructure:"domain"`
}

func (c *Config) Validate() error {
	valid := validator.New()
	if err := valid.Struct(c); err != nil {
		return fmt.Errorf("validate config error: %w", err)
	}
	templates := map[string]entity.Template{}
	for _, t := range c.TemplateList {
		templates[t.ID] = t
	}
	for i := range c.PolicyList {
		p := &c.PolicyList[i]
		p.Normalize()
		if err := p.Validate(); err != nil {
			return fmt.Errorf("validate config error: %w", err)
		}
		for n, s := range p.Steps {
			t, ok := templates[s.TemplateID]
			if !ok {
				return fmt.Errorf("validate config error: policy %s step %d: template %q not found", p.ID, n, s.TemplateID)
			}
			if t.Channel != s.Channel {
				return fmt.Errorf("validate config error: policy %s step %d: template %q is for %s, step is %s", p.ID, n, t.ID, t.Channel, s.Channel)
			}
		}
	}
	return nil
}

// Policies returns the configured policies, used to seed the store.
func (c *Config) Policies(_ context.Context) []entity.Policy {
	return c.PolicyList
}

func (c *Config) Templates(_ context.Context) []entity.Template {
	return c.TemplateList
}
