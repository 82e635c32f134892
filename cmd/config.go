package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"studio-chat/handler"
	"studio-chat/internal/chat"
)

const (
	backendMemory   = "memory"
	backendDynamoDB = "dynamodb"
)

type appConfig struct {
	Backend            string
	ConversationsTable string
	MessagesTable      string
	ParamPrefix        string
	ParamDecrypt       bool
	AutoReplyDelay     time.Duration
	// GreetingOnStart is nil when the backend default applies.
	GreetingOnStart  *bool
	SeedDemo         bool
	OperatorUsername string
	OperatorPassword string
	MaxMessageLength int
}

// loadConfig reads the process configuration through getenv.
func loadConfig(getenv func(string) string) (appConfig, error) {
	cfg := appConfig{
		Backend:          strings.ToLower(strings.TrimSpace(getenv("CHAT_BACKEND"))),
		AutoReplyDelay:   envDurationMS(getenv, "AUTO_REPLY_DELAY_MS", chat.DefaultAutoReplyDelay),
		SeedDemo:         envBool(getenv, "CHAT_SEED_DEMO", false),
		MaxMessageLength: envInt(getenv, "MAX_MESSAGE_LENGTH", handler.DefaultMaxMessageLength),
	}
	if v := strings.TrimSpace(getenv("CHAT_GREETING_ON_START")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return appConfig{}, fmt.Errorf("config: CHAT_GREETING_ON_START: %w", err)
		}
		cfg.GreetingOnStart = &b
	}

	switch cfg.Backend {
	case "", backendMemory:
		cfg.Backend = backendMemory
		cfg.OperatorUsername = getenv("OPERATOR_USERNAME")
		cfg.OperatorPassword = getenv("OPERATOR_PASSWORD")
		if cfg.OperatorUsername == "" || cfg.OperatorPassword == "" {
			return appConfig{}, fmt.Errorf("config: OPERATOR_USERNAME and OPERATOR_PASSWORD are required for the %s backend", backendMemory)
		}
	case backendDynamoDB:
		cfg.ParamDecrypt = envBool(getenv, "PARAM_WITH_DECRYPTION", true)
		for key, dst := range map[string]*string{
			"CONVERSATIONS_TABLE": &cfg.ConversationsTable,
			"MESSAGES_TABLE":      &cfg.MessagesTable,
			"PARAM_PREFIX":        &cfg.ParamPrefix,
		} {
			*dst = strings.TrimSpace(getenv(key))
			if *dst == "" {
				return appConfig{}, fmt.Errorf("config: %s is required for the %s backend", key, backendDynamoDB)
			}
		}
	default:
		return appConfig{}, fmt.Errorf("config: unknown CHAT_BACKEND %q", cfg.Backend)
	}
	return cfg, nil
}

// chatOptions translates the config into backend options.
func (c appConfig) chatOptions() []chat.Option {
	opts := []chat.Option{chat.WithAutoReplyDelay(c.AutoReplyDelay)}
	if c.GreetingOnStart != nil {
		opts = append(opts, chat.WithGreetingOnStart(*c.GreetingOnStart))
	}
	return opts
}

func envInt(getenv func(string) string, key string, def int) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(getenv func(string) string, key string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(getenv(key)))
	if err != nil {
		return def
	}
	return b
}

func envDurationMS(getenv func(string) string, key string, def time.Duration) time.Duration {
	n := envInt(getenv, key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
