package domain

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a support conversation.
type Status string

const (
	StatusNew    Status = "new"
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusActive, StatusClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether a conversation in status s may move to next.
// Statuses only move forward; closed is terminal.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusNew:
		return next == StatusActive || next == StatusClosed
	case StatusActive:
		return next == StatusClosed
	}
	return false
}

// Role identifies who authored a message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
)

// Source tags the surface a conversation or message originated from.
type Source string

const (
	SourceWeb   Source = "web"
	SourceAdmin Source = "admin"
)

// Conversation is a single support thread with one end user.
// Empty contact fields mean the value is absent.
type Conversation struct {
	ID            string    `json:"id"`
	Channel       Source    `json:"channel"`
	Status        Status    `json:"status"`
	ContactName   string    `json:"contactName,omitempty"`
	ContactEmail  string    `json:"contactEmail,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Message is one turn in a conversation. Messages are never mutated once stored.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Source         Source    `json:"source"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ListFilter narrows ListConversations. Zero values mean "any status" and "no cap".
type ListFilter struct {
	Status Status
	Limit  int
}

// Matches reports whether c passes the status part of the filter.
func (f ListFilter) Matches(c Conversation) bool {
	return f.Status == "" || c.Status == f.Status
}

// Apply keeps the conversations that match the filter, orders them by last
// activity newest first, and caps the result at Limit.
func (f ListFilter) Apply(convs []Conversation) []Conversation {
	out := make([]Conversation, 0, len(convs))
	for _, c := range convs {
		if f.Matches(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// ContactUpdate is a partial update of a conversation's contact details.
// A nil field leaves the stored value unchanged; a pointer to "" clears it.
type ContactUpdate struct {
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

// Apply returns c with the update applied.
func (u ContactUpdate) Apply(c Conversation) Conversation {
	if u.Name != nil {
		c.ContactName = *u.Name
	}
	if u.Email != nil {
		c.ContactEmail = *u.Email
	}
	return c
}

// Empty reports whether the update changes nothing.
func (u ContactUpdate) Empty() bool {
	return u.Name == nil && u.Email == nil
}
