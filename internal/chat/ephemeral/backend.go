// Package ephemeral is the in-process chat backend used for local development,
// demos and tests. All state is lost when the process exits.
package ephemeral

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studio-chat/internal/chat"
	"studio-chat/internal/domain"
)

const maxInsertAttempts = 3

// Backend implements chat.Service over process memory. Each Backend owns its
// own store, so independent instances never share conversations.
type Backend struct {
	cfg     chat.Config
	replies chat.Scheduler

	mu     sync.RWMutex
	store  *store
	seeded bool
}

var _ chat.Service = (*Backend)(nil)

// New creates an empty backend. Start inserts a greeting unless
// chat.WithGreetingOnStart(false) is given.
func New(opts ...chat.Option) *Backend {
	return &Backend{
		cfg:   chat.NewConfig(true, opts...),
		store: newStore(),
	}
}

func (b *Backend) Start(_ context.Context) (string, error) {
	now := b.cfg.Timestamp()

	b.mu.Lock()
	defer b.mu.Unlock()

	c := domain.Conversation{
		Channel:       b.cfg.Channel,
		Status:        domain.StatusNew,
		CreatedAt:     now,
		LastMessageAt: now,
	}
	c, ok := b.insert(c)
	if !ok {
		return "", fmt.Errorf("ephemeral: Start: no free conversation id after %d attempts", maxInsertAttempts)
	}

	if b.cfg.GreetingOnStart {
		b.store.append(b.newMessage(c.ID, domain.RoleSystem, b.cfg.Channel, b.cfg.Greeting, now))
	}
	return c.ID, nil
}

func (b *Backend) SendMessage(_ context.Context, conversationID, text string) error {
	now := b.cfg.Timestamp()

	b.mu.Lock()
	c, ok := b.store.conversation(conversationID)
	if !ok {
		b.mu.Unlock()
		return chat.NotFound(conversationID)
	}
	first := !b.store.hasRole(conversationID, domain.RoleUser)
	b.store.append(b.newMessage(conversationID, domain.RoleUser, b.cfg.Channel, text, now))
	if first && c.Status.CanTransitionTo(domain.StatusActive) {
		c.Status = domain.StatusActive
	}
	b.mu.Unlock()

	if first {
		b.replies.Schedule(b.cfg.AutoReplyDelay, func() {
			b.appendAutoReply(conversationID)
		})
	}
	return nil
}

func (b *Backend) appendAutoReply(conversationID string) {
	now := b.cfg.Timestamp()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.store.append(b.newMessage(conversationID, domain.RoleAgent, domain.SourceAdmin, b.cfg.AutoReply, now)); !ok {
		b.cfg.Logger.Warn("auto-reply dropped: conversation missing", "conversationId", conversationID)
	}
}

func (b *Backend) Reply(_ context.Context, conversationID, text string) error {
	now := b.cfg.Timestamp()

	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.store.conversation(conversationID)
	if !ok {
		return chat.NotFound(conversationID)
	}
	b.store.append(b.newMessage(conversationID, domain.RoleAgent, domain.SourceAdmin, text, now))
	if c.Status == domain.StatusNew {
		c.Status = domain.StatusActive
	}
	return nil
}

// insert stores c under a fresh id. Callers hold b.mu.
func (b *Backend) insert(c domain.Conversation) (domain.Conversation, bool) {
	for attempt := 0; attempt < maxInsertAttempts; attempt++ {
		c.ID = b.cfg.NewID()
		if b.store.insert(c) {
			return c, true
		}
	}
	return c, false
}

// GetMessages returns an empty slice, not an error, for an unknown conversation.
func (b *Backend) GetMessages(_ context.Context, conversationID string) ([]domain.Message, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.messages(conversationID), nil
}

func (b *Backend) GetConversation(_ context.Context, conversationID string) (domain.Conversation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.store.conversation(conversationID)
	if !ok {
		return domain.Conversation{}, chat.NotFound(conversationID)
	}
	return *c, nil
}

func (b *Backend) UpdateContact(_ context.Context, conversationID string, update domain.ContactUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.store.conversation(conversationID)
	if !ok {
		return chat.NotFound(conversationID)
	}
	*c = update.Apply(*c)
	return nil
}

func (b *Backend) ListConversations(_ context.Context, filter domain.ListFilter) ([]domain.Conversation, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store.list(filter), nil
}

func (b *Backend) CloseConversation(_ context.Context, conversationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.store.conversation(conversationID)
	if !ok {
		return chat.NotFound(conversationID)
	}
	c.Status = domain.StatusClosed
	return nil
}

// Close drops auto-replies that have not fired yet.
func (b *Backend) Close() error {
	b.replies.Close()
	b.replies.Wait()
	return nil
}

func (b *Backend) newMessage(conversationID string, role domain.Role, source domain.Source, content string, at time.Time) domain.Message {
	return domain.Message{
		ID:             b.cfg.NewID(),
		ConversationID: conversationID,
		Role:           role,
		Source:         source,
		Content:        content,
		CreatedAt:      at,
	}
}
