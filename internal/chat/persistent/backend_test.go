package persistent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-chat/internal/chat"
	"studio-chat/internal/domain"
	"studio-chat/internal/repository"
)

const testDelay = 20 * time.Millisecond

// fakeStore mirrors the repository's semantics in memory: appends are
// conditional on the conversation existing and on lastMessageAt not moving
// backwards, and the first-reply claim is an atomic set-if-absent.
type fakeStore struct {
	mu      sync.Mutex
	convs   map[string]*domain.Conversation
	msgs    map[string][]domain.Message
	claimed map[string]bool

	createErrs  []error
	appendErr   error
	appendErrOn domain.Role
	claimErr    error
	activateErr error
	getErr      error
	listErr     error

	// beforeClaim runs outside the lock, after the user message is stored.
	beforeClaim func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		convs:   map[string]*domain.Conversation{},
		msgs:    map[string][]domain.Message{},
		claimed: map[string]bool{},
	}
}

func (f *fakeStore) CreateConversation(_ context.Context, conv domain.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, ok := f.convs[conv.ID]; ok {
		return repository.ErrConversationExists
	}
	f.convs[conv.ID] = &conv
	return nil
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.Conversation{}, f.getErr
	}
	c, ok := f.convs[id]
	if !ok {
		return domain.Conversation{}, repository.ErrConversationNotFound
	}
	return *c, nil
}

func (f *fakeStore) AppendMessage(_ context.Context, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil && (f.appendErrOn == "" || f.appendErrOn == msg.Role) {
		return f.appendErr
	}
	c, ok := f.convs[msg.ConversationID]
	if !ok {
		return repository.ErrConversationNotFound
	}
	if c.LastMessageAt.After(msg.CreatedAt) {
		return &repository.StaleMessageError{LastMessageAt: c.LastMessageAt}
	}
	f.msgs[msg.ConversationID] = append(f.msgs[msg.ConversationID], msg)
	c.LastMessageAt = msg.CreatedAt
	return nil
}

func (f *fakeStore) ClaimFirstReply(_ context.Context, id string, _ time.Time) (bool, error) {
	if f.beforeClaim != nil {
		f.beforeClaim()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if _, ok := f.convs[id]; !ok {
		return false, repository.ErrConversationNotFound
	}
	if f.claimed[id] {
		return false, nil
	}
	f.claimed[id] = true
	return true, nil
}

func (f *fakeStore) ActivateConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		return f.activateErr
	}
	if c, ok := f.convs[id]; ok && c.Status == domain.StatusNew {
		c.Status = domain.StatusActive
	}
	return nil
}

func (f *fakeStore) UpdateContact(_ context.Context, id string, update domain.ContactUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return repository.ErrConversationNotFound
	}
	*c = update.Apply(*c)
	return nil
}

func (f *fakeStore) CloseConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return repository.ErrConversationNotFound
	}
	c.Status = domain.StatusClosed
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, id string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]domain.Message(nil), f.msgs[id]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeStore) ListConversations(_ context.Context, status domain.Status) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Conversation
	for _, c := range f.convs {
		if status == "" || c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) messageCount(id string, role domain.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs[id] {
		if m.Role == role {
			n++
		}
	}
	return n
}

type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestBackend(t *testing.T, store *fakeStore, opts ...chat.Option) *Backend {
	t.Helper()
	clock := &tickClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	base := []chat.Option{
		chat.WithAutoReplyDelay(testDelay),
		chat.WithClock(clock.Now),
	}
	b, err := New(store, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func strPtr(s string) *string { return &s }

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestStart_BareConversationWithoutGreeting(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store)
	ctx := context.Background()

	id1, err := b.Start(ctx)
	require.NoError(t, err)
	id2, err := b.Start(ctx)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	for _, id := range []string{id1, id2} {
		c, err := b.GetConversation(ctx, id)
		require.NoError(t, err)
		require.Equal(t, domain.StatusNew, c.Status)
		require.True(t, c.CreatedAt.Equal(c.LastMessageAt))

		msgs, err := b.GetMessages(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, msgs)
		require.Empty(t, msgs)
	}
}

func TestStart_GreetingWhenConfigured(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store, chat.WithGreetingOnStart(true), chat.WithGreeting("ようこそ"))
	ctx := context.Background()

	id, err := b.Start(ctx)
	require.NoError(t, err)
	msgs, err := b.GetMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.RoleSystem, msgs[0].Role)
	require.Equal(t, "ようこそ", msgs[0].Content)
}

func TestStart_RetriesTakenID(t *testing.T) {
	store := newFakeStore()
	store.createErrs = []error{repository.ErrConversationExists}
	b := newTestBackend(t, store)

	id, err := b.Start(context.Background())
	require.NoError(t, err)
	_, err = b.GetConversation(context.Background(), id)
	require.NoError(t, err)
}

func TestStart_StoreFailure(t *testing.T) {
	store := newFakeStore()
	store.createErrs = []error{errors.New("connection reset")}
	b := newTestBackend(t, store)

	_, err := b.Start(context.Background())
	require.True(t, chat.IsTransport(err))
	require.ErrorContains(t, err, "connection reset")
}

func TestSendMessage_FirstMessageGetsOneAutoReply(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store, chat.WithAutoReply("受け付けました"))
	ctx := context.Background()

	id, err := b.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, b.SendMessage(ctx, id, "料金について教えてください"))

	msgs, err := b.GetMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.RoleUser, msgs[0].Role)

	require.Eventually(t, func() bool {
		return store.messageCount(id, domain.RoleAgent) == 1
	}, time.Second, 5*time.Millisecond)

	msgs, err = b.GetMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleAgent, msgs[1].Role)
	require.Equal(t, "受け付けました", msgs[1].Content)
	require.False(t, msgs[1].CreatedAt.Before(msgs[0].CreatedAt))

	c, err := b.GetConversation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, c.Status)
	require.True(t, c.LastMessageAt.Equal(msgs[1].CreatedAt))
}

func TestSendMessage_LaterMessagesDoNotReplyAgain(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store)
	ctx := context.Background()

	id, err := b.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, b.SendMessage(ctx, id, "one"))
	require.NoError(t, b.SendMessage(ctx, id, "two"))
	b.replies.Wait()

	require.Equal(t, 2, store.messageCount(id, domain.RoleUser))
	require.Equal(t, 1, store.messageCount(id, domain.RoleAgent))
}

// Both calls store their message before either reaches the first-reply check.
// The conditional marker lets exactly one of them schedule the reply.
func TestSendMessage_ConcurrentFirstMessagesReplyOnce(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store)
	ctx := context.Background()

	id, err := b.Start(ctx)
	require.NoError(t, err)

	var arrived sync.WaitGroup
	arrived.Add(2)
	store.beforeClaim = func() {
		arrived.Done()
		arrived.Wait()
	}

	var wg sync.WaitGroup
	for _, text := range []string{"tab one", "tab two"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			assert.NoError(t, b.SendMessage(ctx, id, text))
		}(text)
	}
	wg.Wait()
	b.replies.Wait()

	require.Equal(t, 2, store.messageCount(id, domain.RoleUser))
	require.Equal(t, 1, store.messageCount(id, domain.RoleAgent))
}

// heldStore delays the append of one message text until released, so a message
// stamped earlier can commit after one stamped later.
type heldStore struct {
	*fakeStore
	text     string
	reached  chan struct{}
	release  chan struct{}
	attempts int
}

func (h *heldStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	if msg.Content == h.text {
		h.attempts++
		if h.attempts == 1 {
			close(h.reached)
			<-h.release
		}
	}
	return h.fakeStore.AppendMessage(ctx, msg)
}

func TestSendMessage_DelayedEarlierMessageKeepsLastMessageAtForward(t *testing.T) {
	store := newFakeStore()
	held := &heldStore{fakeStore: store, text: "tab one", reached: make(chan struct{}), release: make(chan struct{})}
	clock := &tickClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	b, err := New(held, chat.WithClock(clock.Now), chat.WithAutoReplyDelay(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	ctx := context.Background()

	id, err := b.Start(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.SendMessage(ctx, id, "tab one") }()
	<-held.reached

	require.NoError(t, b.SendMessage(ctx, id, "tab two"))
	close(held.release)
	require.NoError(t, <-done)
	require.Equal(t, 2, held.attempts)

	msgs, err := b.GetMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	latest := msgs[0].CreatedAt
	for _, m := range msgs[1:] {
		require.False(t, m.CreatedAt.Before(latest))
		latest = m.CreatedAt
	}

	c, err := b.GetConversation(ctx, id)
	require.NoError(t, err)
	require.True(t, c.LastMessageAt.Equal(latest))
}

func TestSendMessage_StaleRetriesAreBounded(t *testing.T) {
	store := newFakeStore()
	store.appendErr = &repository.StaleMessageError{LastMessageAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newTestBackend(t, store)
	store.convs["c1"] = &domain.Conversation{ID: "c1", Status: domain.StatusNew}

	err := b.SendMessage(context.Background(), "c1", "hello")
	require.True(t, chat.IsTransport(err))
	require.Zero(t, b.replies.Pending())
}

func TestSendMessage_UsesConfiguredChannel(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store, chat.WithChannel(domain.SourceAdmin))
	ctx := context.Background()

	id, err := b.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, b.SendMessage(ctx, id, "hello"))

	msgs, err := b.GetMessages(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.SourceAdmin, msgs[0].Source)
}

func TestSendMessage_UnknownConversation(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store)

	err := b.SendMessage(context.Background(), "never-started", "hello")
	require.True(t, chat.IsNotFound(err))
	b.replies.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Empty(t, store.msgs)
	require.Empty(t, store.claimed)
}

func TestSendMessage_StoreFailureSurfaces(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store)
	id, err := b.Start(context.Background())
	require.NoError(t, err)

	store.appendErr = errors.New("RequestTimeout")
	err = b.SendMessage(context.Background(), id, "hello")
	require.True(t, chat.IsTransport(err))
	require.Zero(t, b.replies.Pending())
}

func TestSendMessage_ClaimFailureIsSilent(t *testing.T) {
	store := newFakeStore()
	var logs bytes.Buffer
	b := newTestBackend(t, store, chat.WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	id, err := b.Start(context.Background())
	require.NoError(t, err)

	store.claimErr = errors.New("throttled")
	require.NoError(t, b.SendMessage(context.Background(), id, "hello"))
	b.replies.Wait()

	require.Equal(t, 1, store.messageCount(id, domain.RoleUser))
	require.Zero(t, store.messageCount(id, domain.RoleAgent))
	require.Contains(t, logs.String(), "first-reply claim failed")
}

func TestSendMessage_AutoReplyFailureIsLoggedNotRetried(t *testing.T) {
	store := newFakeStore()
	var logs bytes.Buffer
	b := newTestBackend(t, store, chat.WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	id, err := b.Start(context.Background())
	require.NoError(t, err)

	store.appendErr = errors.New("ServiceUnavailable")
	store.appendErrOn = domain.RoleAgent
	require.NoError(t, b.SendMessage(context.Background(), id, "hello"))
	b.replies.Wait()

	require.Equal(t, 1, store.messageCount(id, domain.RoleUser))
	require.Zero(t, store.messageCount(id, domain.RoleAgent))
	require.Contains(t, logs.String(), "auto-reply failed")
	require.Contains(t, logs.String(), id)
}

func TestReply_OperatorMessageActivatesWithoutAutoReply(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store)
	ctx := context.Background()

	id, err := b.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Reply(ctx, id, "ご用件を伺います"))
	require.Zero(t, b.replies.Pending())

	c, err := b.GetConversation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, c.Status)
	require.Equal(t, 1, store.messageCount(id, domain.RoleAgent))

	require.True(t, chat.IsNotFound(b.Reply(ctx, "missing", "hi")))
}

func TestReply_ActivationFailureIsLoggedNotReturned(t *testing.T) {
	store := newFakeStore()
	var logs bytes.Buffer
	b := newTestBackend(t, store, chat.WithLogger(slog.New(slog.NewJSONHandler(&logs, nil))))
	ctx := context.Background()
	id, err := b.Start(ctx)
	require.NoError(t, err)

	store.activateErr = errors.New("throttled")
	require.NoError(t, b.Reply(ctx, id, "ご用件を伺います"))
	require.Equal(t, 1, store.messageCount(id, domain.RoleAgent))
	require.Contains(t, logs.String(), "conversation activation failed")
	require.Contains(t, logs.String(), id)
}

func TestGetMessages_UnknownConversationIsNotFound(t *testing.T) {
	b := newTestBackend(t, newFakeStore())
	_, err := b.GetMessages(context.Background(), "missing")
	require.True(t, chat.IsNotFound(err))
}

func TestGetMessages_TransportFailure(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("dial tcp: i/o timeout")
	b := newTestBackend(t, store)
	_, err := b.GetMessages(context.Background(), "c1")
	require.True(t, chat.IsTransport(err))
}

func TestUpdateContact_PartialAndIdempotent(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store)
	ctx := context.Background()
	id, err := b.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, b.UpdateContact(ctx, id, domain.ContactUpdate{Name: strPtr("田中")}))
	require.NoError(t, b.UpdateContact(ctx, id, domain.ContactUpdate{Email: strPtr("t@example.com")}))
	first, err := b.GetConversation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "田中", first.ContactName)
	require.Equal(t, "t@example.com", first.ContactEmail)

	require.NoError(t, b.UpdateContact(ctx, id, domain.ContactUpdate{Email: strPtr("t@example.com")}))
	second, err := b.GetConversation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, first, second)

	err = b.UpdateContact(ctx, "missing", domain.ContactUpdate{Name: strPtr("x")})
	require.True(t, chat.IsNotFound(err))
}

func TestListConversations_SortedFilteredCapped(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store)
	ctx := context.Background()

	older, err := b.Start(ctx)
	require.NoError(t, err)
	middle, err := b.Start(ctx)
	require.NoError(t, err)
	newer, err := b.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, b.SendMessage(ctx, older, "bump"))
	b.replies.Wait()
	require.NoError(t, b.CloseConversation(ctx, middle))

	all, err := b.ListConversations(ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Equal(t, []string{older, newer, middle}, ids(all))

	capped, err := b.ListConversations(ctx, domain.ListFilter{Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{older}, ids(capped))

	closed, err := b.ListConversations(ctx, domain.ListFilter{Status: domain.StatusClosed})
	require.NoError(t, err)
	require.Equal(t, []string{middle}, ids(closed))
	for _, c := range closed {
		require.Equal(t, domain.StatusClosed, c.Status)
	}
}

func TestListConversations_TransportFailure(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("boom")
	b := newTestBackend(t, store)
	_, err := b.ListConversations(context.Background(), domain.ListFilter{})
	require.True(t, chat.IsTransport(err))
}

func TestCloseConversation(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store)
	ctx := context.Background()
	id, err := b.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, b.CloseConversation(ctx, id))
	require.NoError(t, b.SendMessage(ctx, id, "after close"))
	b.replies.Wait()

	c, err := b.GetConversation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.StatusClosed, c.Status)
	require.True(t, chat.IsNotFound(b.CloseConversation(ctx, "missing")))
}

func TestClose_DropsPendingAutoReply(t *testing.T) {
	store := newFakeStore()
	b := newTestBackend(t, store, chat.WithAutoReplyDelay(time.Hour))
	id, err := b.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.SendMessage(context.Background(), id, "hello"))
	require.Equal(t, 1, b.replies.Pending())

	require.NoError(t, b.Close())
	require.Zero(t, store.messageCount(id, domain.RoleAgent))
}

func ids(list []domain.Conversation) []string {
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}
