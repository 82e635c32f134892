package ephemeral

import (
	"time"

	"studio-chat/internal/domain"
)

type seedMessage struct {
	role    domain.Role
	content string
	ago     time.Duration
}

type seedConversation struct {
	status  domain.Status
	name    string
	email   string
	started time.Duration
	turns   []seedMessage
}

// demoConversations is the operator-console demo data. Offsets are relative to
// the moment Seed runs.
var demoConversations = []seedConversation{
	{
		status:  domain.StatusClosed,
		name:    "佐藤",
		email:   "sato@example.com",
		started: 72 * time.Hour,
		turns: []seedMessage{
			{domain.RoleUser, "商品撮影のプラン料金を教えてください。", 72 * time.Hour},
			{domain.RoleAgent, "ベーシックプランは10カットから承っております。詳細をお送りしますね。", 71 * time.Hour},
			{domain.RoleUser, "ありがとうございます。来週申し込みます。", 70 * time.Hour},
			{domain.RoleAgent, "お待ちしております。", 69 * time.Hour},
		},
	},
	{
		status:  domain.StatusActive,
		name:    "山本",
		started: 26 * time.Hour,
		turns: []seedMessage{
			{domain.RoleUser, "結婚式の映像制作は対応していますか？", 26 * time.Hour},
			{domain.RoleAgent, "はい、対応しております。挙式日と会場を教えていただけますか？", 25 * time.Hour},
			{domain.RoleUser, "6月14日、横浜の会場です。", 2 * time.Hour},
		},
	},
	{
		status:  domain.StatusActive,
		email:   "pr@example.co.jp",
		started: 30 * time.Minute,
		turns: []seedMessage{
			{domain.RoleUser, "企業PR動画の見積もりをお願いしたいです。", 30 * time.Minute},
			{domain.RoleAgent, "メッセージありがとうございます。担当者が内容を確認し、折り返しご連絡いたします。しばらくお待ちください。", 29 * time.Minute},
		},
	},
	{
		status:  domain.StatusNew,
		started: 10 * time.Minute,
	},
}

// Seed loads the demo conversations. It runs at most once per Backend and
// reports how many conversations it inserted.
func (b *Backend) Seed() int {
	now := b.cfg.Timestamp()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seeded {
		return 0
	}
	b.seeded = true

	inserted := 0
	for _, sc := range demoConversations {
		started := now.Add(-sc.started)
		c, ok := b.insert(domain.Conversation{
			Channel:       b.cfg.Channel,
			Status:        sc.status,
			ContactName:   sc.name,
			ContactEmail:  sc.email,
			CreatedAt:     started,
			LastMessageAt: started,
		})
		if !ok {
			b.cfg.Logger.Warn("demo conversation skipped: no free id", "contact", sc.name)
			continue
		}
		inserted++
		if b.cfg.GreetingOnStart {
			b.store.append(b.newMessage(c.ID, domain.RoleSystem, b.cfg.Channel, b.cfg.Greeting, started))
		}
		for _, turn := range sc.turns {
			source := b.cfg.Channel
			if turn.role == domain.RoleAgent {
				source = domain.SourceAdmin
			}
			b.store.append(b.newMessage(c.ID, turn.role, source, turn.content, now.Add(-turn.ago)))
		}
	}
	return inserted
}
