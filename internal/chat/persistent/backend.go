// Package persistent is the durable chat backend. Conversations and messages
// live in a remote store; see repository.Client for the DynamoDB layout.
package persistent

import (
	"context"
	"errors"
	"time"

	"studio-chat/internal/chat"
	"studio-chat/internal/domain"
	"studio-chat/internal/repository"
)

const (
	defaultReplyTimeout = 5 * time.Second
	maxStartAttempts    = 3
	maxAppendAttempts   = 3
)

// Store is the durable storage the backend drives. *repository.Client
// satisfies it. Implementations report unknown conversations with
// repository.ErrConversationNotFound.
type Store interface {
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	// AppendMessage rejects a message older than the conversation's
	// lastMessageAt with *repository.StaleMessageError.
	AppendMessage(ctx context.Context, msg domain.Message) error
	ClaimFirstReply(ctx context.Context, conversationID string, at time.Time) (bool, error)
	ActivateConversation(ctx context.Context, conversationID string) error
	UpdateContact(ctx context.Context, conversationID string, update domain.ContactUpdate) error
	CloseConversation(ctx context.Context, conversationID string) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	ListConversations(ctx context.Context, status domain.Status) ([]domain.Conversation, error)
}

// Backend implements chat.Service over a Store.
//
// The first user message of a conversation is detected by a conditional
// marker write in the store, not by reading for earlier user messages. Two
// concurrent first messages therefore schedule exactly one automatic reply.
type Backend struct {
	cfg          chat.Config
	store        Store
	replies      chat.Scheduler
	replyTimeout time.Duration
}

var _ chat.Service = (*Backend)(nil)

// New creates a backend over store. Start inserts no greeting unless
// chat.WithGreetingOnStart(true) is given.
func New(store Store, opts ...chat.Option) (*Backend, error) {
	if store == nil {
		return nil, errors.New("persistent: store must not be nil")
	}
	return &Backend{
		cfg:          chat.NewConfig(false, opts...),
		store:        store,
		replyTimeout: defaultReplyTimeout,
	}, nil
}

func (b *Backend) Start(ctx context.Context) (string, error) {
	now := b.cfg.Timestamp()
	conv := domain.Conversation{
		Channel:       b.cfg.Channel,
		Status:        domain.StatusNew,
		CreatedAt:     now,
		LastMessageAt: now,
	}

	var err error
	for attempt := 0; attempt < maxStartAttempts; attempt++ {
		conv.ID = b.cfg.NewID()
		err = b.store.CreateConversation(ctx, conv)
		if !errors.Is(err, repository.ErrConversationExists) {
			break
		}
	}
	if err != nil {
		return "", chat.Transport("create_conversation", err)
	}

	if b.cfg.GreetingOnStart {
		greeting := b.newMessage(conv.ID, domain.RoleSystem, b.cfg.Channel, b.cfg.Greeting, now)
		if _, err := b.append(ctx, greeting); err != nil {
			return "", storeError("append_greeting", conv.ID, err)
		}
	}
	return conv.ID, nil
}

func (b *Backend) SendMessage(ctx context.Context, conversationID, text string) error {
	msg := b.newMessage(conversationID, domain.RoleUser, b.cfg.Channel, text, b.cfg.Timestamp())
	msg, err := b.append(ctx, msg)
	if err != nil {
		return storeError("append_message", conversationID, err)
	}

	// The message is durable at this point. Failures below only cost the
	// automatic reply, which is best-effort, so they are logged, not returned.
	logger := b.cfg.Logger.With("conversationId", conversationID)
	claimed, err := b.store.ClaimFirstReply(ctx, conversationID, msg.CreatedAt)
	if err != nil {
		logger.Warn("first-reply claim failed", "err", err)
		return nil
	}
	if !claimed {
		return nil
	}
	if err := b.store.ActivateConversation(ctx, conversationID); err != nil {
		logger.Warn("conversation activation failed", "err", err)
	}
	b.replies.Schedule(b.cfg.AutoReplyDelay, func() {
		b.appendAutoReply(conversationID)
	})
	return nil
}

func (b *Backend) appendAutoReply(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.replyTimeout)
	defer cancel()

	reply := b.newMessage(conversationID, domain.RoleAgent, domain.SourceAdmin, b.cfg.AutoReply, b.cfg.Timestamp())
	if _, err := b.append(ctx, reply); err != nil {
		b.cfg.Logger.Error("auto-reply failed", "conversationId", conversationID, "err", err)
	}
}

func (b *Backend) Reply(ctx context.Context, conversationID, text string) error {
	msg := b.newMessage(conversationID, domain.RoleAgent, domain.SourceAdmin, text, b.cfg.Timestamp())
	if _, err := b.append(ctx, msg); err != nil {
		return storeError("append_reply", conversationID, err)
	}
	// The reply is already stored. Returning an error here would invite a
	// duplicate post.
	if err := b.store.ActivateConversation(ctx, conversationID); err != nil {
		b.cfg.Logger.Warn("conversation activation failed", "conversationId", conversationID, "err", err)
	}
	return nil
}

// GetMessages fails with NotFound for an unknown conversation.
func (b *Backend) GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if _, err := b.store.GetConversation(ctx, conversationID); err != nil {
		return nil, storeError("get_conversation", conversationID, err)
	}
	msgs, err := b.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, storeError("list_messages", conversationID, err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

func (b *Backend) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return domain.Conversation{}, storeError("get_conversation", conversationID, err)
	}
	return conv, nil
}

func (b *Backend) UpdateContact(ctx context.Context, conversationID string, update domain.ContactUpdate) error {
	if err := b.store.UpdateContact(ctx, conversationID, update); err != nil {
		return storeError("update_contact", conversationID, err)
	}
	return nil
}

func (b *Backend) ListConversations(ctx context.Context, filter domain.ListFilter) ([]domain.Conversation, error) {
	convs, err := b.store.ListConversations(ctx, filter.Status)
	if err != nil {
		return nil, chat.Transport("list_conversations", err)
	}
	return filter.Apply(convs), nil
}

func (b *Backend) CloseConversation(ctx context.Context, conversationID string) error {
	if err := b.store.CloseConversation(ctx, conversationID); err != nil {
		return storeError("close_conversation", conversationID, err)
	}
	return nil
}

// Close drops auto-replies that have not fired yet. Replies already writing
// are allowed to finish.
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

// append stores msg. When a later message committed first, msg.CreatedAt is
// moved up to the stored lastMessageAt and the write is retried, so
// lastMessageAt stays the newest createdAt. It returns the message as stored.
func (b *Backend) append(ctx context.Context, msg domain.Message) (domain.Message, error) {
	var err error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		err = b.store.AppendMessage(ctx, msg)
		var stale *repository.StaleMessageError
		if !errors.As(err, &stale) {
			return msg, err
		}
		msg.CreatedAt = stale.LastMessageAt
	}
	return msg, err
}

func storeError(reason, conversationID string, err error) error {
	if errors.Is(err, repository.ErrConversationNotFound) {
		return chat.NotFound(conversationID)
	}
	return chat.Transport(reason, err)
}
