// Package chat defines the support-chat contract shared by every backend.
package chat

import (
	"context"

	"studio-chat/internal/domain"
)

// Service is the single contract callers depend on. A process picks one
// implementation at startup and never switches it.
type Service interface {
	// Start creates a conversation in status new and returns its id.
	Start(ctx context.Context) (string, error)

	// SendMessage appends a user message. The first user message of a
	// conversation schedules one automatic agent reply; SendMessage does not
	// wait for it.
	SendMessage(ctx context.Context, conversationID, text string) error

	// Reply appends an operator-authored agent message. It never triggers the
	// automatic reply.
	Reply(ctx context.Context, conversationID, text string) error

	// GetMessages returns the conversation's messages ordered by creation time.
	GetMessages(ctx context.Context, conversationID string) ([]domain.Message, error)

	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)

	UpdateContact(ctx context.Context, conversationID string, update domain.ContactUpdate) error

	// ListConversations returns conversations ordered by last activity, newest first.
	ListConversations(ctx context.Context, filter domain.ListFilter) ([]domain.Conversation, error)

	// CloseConversation moves the conversation to closed. Closed is terminal.
	CloseConversation(ctx context.Context, conversationID string) error

	// Close cancels pending automatic replies.
	Close() error
}
