package ephemeral

import "studio-chat/internal/domain"

// store holds conversations and their message logs. It does no locking; the
// owning Backend serializes every call.
type store struct {
	conversations map[string]*domain.Conversation
	logs          map[string][]domain.Message
}

func newStore() *store {
	return &store{
		conversations: make(map[string]*domain.Conversation),
		logs:          make(map[string][]domain.Message),
	}
}

func (s *store) insert(c domain.Conversation) bool {
	if _, exists := s.conversations[c.ID]; exists {
		return false
	}
	s.conversations[c.ID] = &c
	s.logs[c.ID] = []domain.Message{}
	return true
}

func (s *store) conversation(id string) (*domain.Conversation, bool) {
	c, ok := s.conversations[id]
	return c, ok
}

// append adds msg to its conversation's log and moves lastMessageAt forward.
// A timestamp earlier than the conversation's last activity is raised to it so
// the log never goes backwards in time.
func (s *store) append(msg domain.Message) (domain.Message, bool) {
	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return domain.Message{}, false
	}
	if msg.CreatedAt.Before(c.LastMessageAt) {
		msg.CreatedAt = c.LastMessageAt
	}
	s.logs[msg.ConversationID] = append(s.logs[msg.ConversationID], msg)
	c.LastMessageAt = msg.CreatedAt
	return msg, true
}

func (s *store) hasRole(conversationID string, role domain.Role) bool {
	for _, m := range s.logs[conversationID] {
		if m.Role == role {
			return true
		}
	}
	return false
}

// messages returns a copy of the log in insertion order, which is also
// creation order.
func (s *store) messages(conversationID string) []domain.Message {
	log := s.logs[conversationID]
	out := make([]domain.Message, len(log))
	copy(out, log)
	return out
}

func (s *store) list(filter domain.ListFilter) []domain.Conversation {
	all := make([]domain.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		all = append(all, *c)
	}
	return filter.Apply(all)
}
