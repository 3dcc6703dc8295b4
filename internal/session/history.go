// Package session caches recent chat history in Redis with a small local
// cache in front, so prompt assembly does not hit Postgres on every
// stream. The cache is write-through and safe to lose: every entry can be
// rebuilt from the message store.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meshworks/meshchat/internal/metrics"
	"github.com/meshworks/meshchat/internal/repository"
)

// Store is the message source the cache sits in front of.
// *repository.Messages satisfies it.
type Store interface {
	Create(ctx context.Context, chatID int64, role, content string) (*repository.Message, error)
	LastN(ctx context.Context, chatID int64, n int) ([]repository.Message, error)
}

// Config bounds the cache. Zero values pick the defaults.
type Config struct {
	TTL      time.Duration // Redis entry lifetime
	Depth    int           // messages kept per chat
	MaxChats int           // chats kept in the local cache
}

// History is a write-through chat-history cache. Reads check the local
// cache, then Redis, then the store; writes go to the store first and
// extend any cached entry. Cache failures degrade to the store and are
// never surfaced to callers.
type History struct {
	store  Store
	client redis.Cmdable
	logger *zap.Logger

	ttl      time.Duration
	depth    int
	maxChats int

	mu     sync.Mutex
	local  map[int64]*entry
	access map[int64]time.Time
}

// entry is one chat's cached tail. Complete means the entry holds the
// chat's whole history, so it can serve requests deeper than its length.
// Entries are immutable once installed; updates install a fresh one.
type entry struct {
	Messages []repository.Message `json:"messages"`
	Complete bool                 `json:"complete"`
}

func (e *entry) serves(n int) bool {
	return e.Complete || len(e.Messages) >= n
}

// NewHistory wraps store with a Redis-backed history cache.
func NewHistory(client redis.Cmdable, store Store, cfg Config, logger *zap.Logger) *History {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 64
	}
	if cfg.MaxChats <= 0 {
		cfg.MaxChats = 1024
	}
	return &History{
		store:    store,
		client:   client,
		logger:   logger,
		ttl:      cfg.TTL,
		depth:    cfg.Depth,
		maxChats: cfg.MaxChats,
		local:    make(map[int64]*entry),
		access:   make(map[int64]time.Time),
	}
}

// Create writes the message through to the store and extends the chat's
// cached entry when one exists.
func (h *History) Create(ctx context.Context, chatID int64, role, content string) (*repository.Message, error) {
	msg, err := h.store.Create(ctx, chatID, role, content)
	if err != nil {
		return nil, err
	}
	h.append(ctx, chatID, *msg)
	return msg, nil
}

// LastN returns the chat's most recent n messages in chronological order.
// Requests deeper than the cache keeps go straight to the store.
func (h *History) LastN(ctx context.Context, chatID int64, n int) ([]repository.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > h.depth {
		return h.store.LastN(ctx, chatID, n)
	}

	if e, ok := h.lookup(ctx, chatID); ok && e.serves(n) {
		metrics.RecordHistoryCacheHit()
		return tail(e.Messages, n), nil
	}
	metrics.RecordHistoryCacheMiss()

	rows, err := h.store.LastN(ctx, chatID, h.depth)
	if err != nil {
		return nil, err
	}
	h.put(ctx, chatID, &entry{Messages: rows, Complete: len(rows) < h.depth})
	return tail(rows, n), nil
}

// Invalidate drops the chat from both cache layers. Used when a chat or
// its messages are deleted.
func (h *History) Invalidate(ctx context.Context, chatID int64) {
	h.mu.Lock()
	delete(h.local, chatID)
	delete(h.access, chatID)
	metrics.SetHistoryCacheSize(len(h.local))
	h.mu.Unlock()

	if err := h.client.Del(ctx, h.key(chatID)).Err(); err != nil {
		h.logger.Warn("History cache invalidation failed",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
	}
}

// append extends a cached entry with a just-written message. Chats with no
// cached entry are left for the next LastN to warm.
func (h *History) append(ctx context.Context, chatID int64, msg repository.Message) {
	e, ok := h.lookup(ctx, chatID)
	if !ok {
		return
	}

	msgs := make([]repository.Message, 0, len(e.Messages)+1)
	msgs = append(msgs, e.Messages...)
	msgs = append(msgs, msg)
	complete := e.Complete
	if len(msgs) > h.depth {
		msgs = msgs[len(msgs)-h.depth:]
		complete = false
	}
	h.put(ctx, chatID, &entry{Messages: msgs, Complete: complete})
}

// lookup finds a chat's entry in the local cache, then Redis. A Redis hit
// is installed locally on the way out.
func (h *History) lookup(ctx context.Context, chatID int64) (*entry, bool) {
	h.mu.Lock()
	if e, ok := h.local[chatID]; ok {
		h.access[chatID] = time.Now()
		h.mu.Unlock()
		return e, true
	}
	h.mu.Unlock()

	data, err := h.client.Get(ctx, h.key(chatID)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		h.logger.Warn("History cache read failed",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		h.logger.Warn("History cache entry corrupt",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
		return nil, false
	}
	h.install(chatID, &e)
	return &e, true
}

// put installs the entry locally and writes it to Redis.
func (h *History) put(ctx context.Context, chatID int64, e *entry) {
	h.install(chatID, e)

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := h.client.Set(ctx, h.key(chatID), data, h.ttl).Err(); err != nil {
		h.logger.Warn("History cache write failed",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
	}
}

func (h *History) install(chatID int64, e *entry) {
	h.mu.Lock()
	h.local[chatID] = e
	h.access[chatID] = time.Now()
	h.evict()
	metrics.SetHistoryCacheSize(len(h.local))
	h.mu.Unlock()
}

// evict drops the least recently used half when the local cache outgrows
// its bound. Caller holds mu.
func (h *History) evict() {
	if len(h.local) <= h.maxChats {
		return
	}

	ids := make([]int64, 0, len(h.local))
	for id := range h.local {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return h.access[ids[i]].Before(h.access[ids[j]])
	})

	toRemove := h.maxChats / 2
	if toRemove < 1 {
		toRemove = 1
	}
	for _, id := range ids[:toRemove] {
		delete(h.local, id)
		delete(h.access, id)
		metrics.RecordHistoryCacheEviction()
	}
}

func (h *History) key(chatID int64) string {
	return fmt.Sprintf("chat:history:%d", chatID)
}

func tail(msgs []repository.Message, n int) []repository.Message {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}
