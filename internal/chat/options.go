package chat

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"studio-chat/internal/domain"
)

const (
	DefaultAutoReplyDelay = 1500 * time.Millisecond

	DefaultGreeting  = "こんにちは！撮影・映像制作のご相談やお見積もりなど、お気軽にメッセージをお送りください。"
	DefaultAutoReply = "メッセージありがとうございます。担当者が内容を確認し、折り返しご連絡いたします。しばらくお待ちください。"
)

// Config holds the behavior shared by both backends.
type Config struct {
	Channel         domain.Source
	GreetingOnStart bool
	Greeting        string
	AutoReply       string
	AutoReplyDelay  time.Duration
	Now             func() time.Time
	NewID           func() string
	Logger          *slog.Logger
}

type Option func(*Config)

// WithGreetingOnStart controls whether Start inserts a system greeting.
func WithGreetingOnStart(enabled bool) Option {
	return func(c *Config) {
		c.GreetingOnStart = enabled
	}
}

func WithGreeting(text string) Option {
	return func(c *Config) {
		c.Greeting = text
	}
}

func WithAutoReply(text string) Option {
	return func(c *Config) {
		c.AutoReply = text
	}
}

func WithAutoReplyDelay(d time.Duration) Option {
	return func(c *Config) {
		c.AutoReplyDelay = d
	}
}

func WithChannel(channel domain.Source) Option {
	return func(c *Config) {
		c.Channel = channel
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Config) {
		c.Now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(c *Config) {
		c.NewID = newID
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// NewConfig applies opts over the defaults. greetingOnStart is the backend's
// own default for WithGreetingOnStart.
func NewConfig(greetingOnStart bool, opts ...Option) Config {
	c := Config{
		Channel:         domain.SourceWeb,
		GreetingOnStart: greetingOnStart,
		Greeting:        DefaultGreeting,
		AutoReply:       DefaultAutoReply,
		AutoReplyDelay:  DefaultAutoReplyDelay,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.Channel == "" {
		c.Channel = domain.SourceWeb
	}
	if c.AutoReplyDelay < 0 {
		c.AutoReplyDelay = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Timestamp returns the current time from the configured clock, in UTC.
func (c Config) Timestamp() time.Time {
	return c.Now().UTC()
}
