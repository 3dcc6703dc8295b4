package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/repository"
)

type fakeStore struct {
	mu         sync.Mutex
	nextID     int64
	msgs       map[int64][]repository.Message
	lastNCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{msgs: make(map[int64][]repository.Message)}
}

func (f *fakeStore) Create(ctx context.Context, chatID int64, role, content string) (*repository.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.add(chatID, role, content)
	return &m, nil
}

func (f *fakeStore) LastN(ctx context.Context, chatID int64, n int) ([]repository.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastNCalls++
	msgs := f.msgs[chatID]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// seed loads messages without counting as store traffic.
func (f *fakeStore) seed(chatID int64, contents ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range contents {
		f.add(chatID, "user", c)
	}
}

func (f *fakeStore) add(chatID int64, role, content string) repository.Message {
	f.nextID++
	id := chatID
	m := repository.Message{
		ID:        f.nextID,
		Role:      role,
		Content:   content,
		ChatID:    &id,
		CreatedAt: time.Unix(f.nextID, 0).UTC(),
	}
	f.msgs[chatID] = append(f.msgs[chatID], m)
	return m
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastNCalls
}

func newTestHistory(t *testing.T, store *fakeStore, cfg Config) (*History, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewHistory(client, store, cfg, zap.NewNop()), mr
}

func contents(msgs []repository.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestLastNWarmsAndServesFromCache(t *testing.T) {
	store := newFakeStore()
	store.seed(1, "a", "b", "c")
	h, _ := newTestHistory(t, store, Config{})
	ctx := context.Background()

	got, err := h.LastN(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, contents(got))
	assert.Equal(t, 1, store.calls())

	got, err = h.LastN(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, contents(got))
	assert.Equal(t, 1, store.calls(), "second read must not touch the store")
}

func TestCreateWritesThrough(t *testing.T) {
	store := newFakeStore()
	store.seed(1, "hello")
	h, _ := newTestHistory(t, store, Config{})
	ctx := context.Background()

	_, err := h.LastN(ctx, 1, 1)
	require.NoError(t, err)
	calls := store.calls()

	msg, err := h.Create(ctx, 1, "assistant", "hi there")
	require.NoError(t, err)
	require.NotNil(t, msg)

	got, err := h.LastN(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "hi there"}, contents(got))
	assert.Equal(t, calls, store.calls(), "write-through keeps reads off the store")
}

func TestColdInstanceReadsRedis(t *testing.T) {
	store := newFakeStore()
	store.seed(1, "x", "y")
	h1, mr := newTestHistory(t, store, Config{})
	ctx := context.Background()

	_, err := h1.LastN(ctx, 1, 2)
	require.NoError(t, err)
	calls := store.calls()

	// A fresh instance over the same Redis starts with an empty local
	// cache but must still avoid the store.
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	h2 := NewHistory(client, store, Config{}, zap.NewNop())

	got, err := h2.LastN(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, contents(got))
	assert.Equal(t, calls, store.calls())
}

func TestInvalidateDropsBothLayers(t *testing.T) {
	store := newFakeStore()
	store.seed(1, "old")
	h, mr := newTestHistory(t, store, Config{})
	ctx := context.Background()

	_, err := h.LastN(ctx, 1, 1)
	require.NoError(t, err)
	require.True(t, mr.Exists("chat:history:1"))

	h.Invalidate(ctx, 1)
	assert.False(t, mr.Exists("chat:history:1"))

	calls := store.calls()
	_, err = h.LastN(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, calls+1, store.calls(), "invalidated chat reloads from the store")
}

func TestDeepRequestBypassesCache(t *testing.T) {
	store := newFakeStore()
	store.seed(1, "a", "b", "c", "d", "e", "f")
	h, _ := newTestHistory(t, store, Config{Depth: 4})
	ctx := context.Background()

	got, err := h.LastN(ctx, 1, 6)
	require.NoError(t, err)
	assert.Len(t, got, 6)

	// Deep reads never populate the cache.
	got, err = h.LastN(ctx, 1, 6)
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Equal(t, 2, store.calls())
}

func TestAppendTrimsToDepth(t *testing.T) {
	store := newFakeStore()
	store.seed(1, "one")
	h, _ := newTestHistory(t, store, Config{Depth: 2})
	ctx := context.Background()

	_, err := h.LastN(ctx, 1, 1)
	require.NoError(t, err)
	calls := store.calls()

	_, err = h.Create(ctx, 1, "user", "two")
	require.NoError(t, err)
	_, err = h.Create(ctx, 1, "user", "three")
	require.NoError(t, err)

	got, err := h.LastN(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, contents(got))
	assert.Equal(t, calls, store.calls())
}

func TestEvictionBoundsLocalCache(t *testing.T) {
	store := newFakeStore()
	for id := int64(1); id <= 4; id++ {
		store.seed(id, "m")
	}
	h, _ := newTestHistory(t, store, Config{MaxChats: 2})
	ctx := context.Background()

	for id := int64(1); id <= 4; id++ {
		_, err := h.LastN(ctx, id, 1)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	h.mu.Lock()
	size := len(h.local)
	h.mu.Unlock()
	assert.LessOrEqual(t, size, 2)

	// Evicted chats are still one Redis hop away, not a store reload.
	calls := store.calls()
	_, err := h.LastN(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, calls, store.calls())
}

func TestRedisOutageDegradesToStore(t *testing.T) {
	store := newFakeStore()
	store.seed(1, "still", "works")
	h, mr := newTestHistory(t, store, Config{})
	ctx := context.Background()

	mr.Close()

	got, err := h.LastN(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"still", "works"}, contents(got))
	assert.Equal(t, 1, store.calls())

	// The local layer keeps serving through the outage.
	got, err = h.LastN(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"still", "works"}, contents(got))
	assert.Equal(t, 1, store.calls())

	_, err = h.Create(ctx, 1, "user", "new")
	require.NoError(t, err, "writes succeed even with the cache down")
}

func TestEmptyChatCachesAsComplete(t *testing.T) {
	store := newFakeStore()
	h, _ := newTestHistory(t, store, Config{})
	ctx := context.Background()

	got, err := h.LastN(ctx, 42, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = h.LastN(ctx, 42, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 1, store.calls(), "emptiness is cacheable too")
}
