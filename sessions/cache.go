package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	recentMessagesCacheTTL     = 30 * time.Second
	recentMessagesCacheTimeout = 300 * time.Millisecond
)

// messageCache caches a session's message list for a short window so the
// chat route does not hit the store of record on every turn.
type messageCache struct {
	client *redis.Client
}

func newMessageCache(client *redis.Client) *messageCache {
	if client == nil {
		return nil
	}
	return &messageCache{client: client}
}

func (m *messageCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), recentMessagesCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= recentMessagesCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, recentMessagesCacheTimeout)
}

func (m *messageCache) key(ownerID, sessionID string) string {
	if m == nil || m.client == nil || ownerID == "" || sessionID == "" {
		return ""
	}
	return fmt.Sprintf("sessions:recent:%s:%s", ownerID, sessionID)
}

func (m *messageCache) get(ctx context.Context, ownerID, sessionID string) ([]Message, error) {
	if m == nil || m.client == nil {
		return nil, redis.Nil
	}
	key := m.key(ownerID, sessionID)
	if key == "" {
		return nil, redis.Nil
	}

	ctx, cancel := m.cacheContext(ctx)
	defer cancel()

	data, err := m.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (m *messageCache) store(ctx context.Context, ownerID, sessionID string, messages []Message) {
	if m == nil || m.client == nil {
		return
	}
	key := m.key(ownerID, sessionID)
	if key == "" {
		return
	}

	payload, err := json.Marshal(messages)
	if err != nil {
		log.Printf("sessions: marshal message cache payload failed: %v", err)
		return
	}

	ctx, cancel := m.cacheContext(ctx)
	defer cancel()

	if err := m.client.Set(ctx, key, payload, recentMessagesCacheTTL).Err(); err != nil {
		log.Printf("sessions: store message cache failed: %v", err)
	}
}

func (m *messageCache) invalidate(ctx context.Context, ownerID, sessionID string) {
	if m == nil || m.client == nil {
		return
	}
	key := m.key(ownerID, sessionID)
	if key == "" {
		return
	}

	ctx, cancel := m.cacheContext(ctx)
	defer cancel()

	if err := m.client.Del(ctx, key).Err(); err != nil {
		log.Printf("sessions: invalidate message cache failed: %v", err)
	}
}

// CachedStore wraps a Store with the short-lived message cache. Cache
// failures degrade to the underlying store, never to an error.
type CachedStore struct {
	Store
	cache *messageCache
}

// NewCachedStore returns store unchanged when client is nil.
func NewCachedStore(store Store, client *redis.Client) Store {
	cache := newMessageCache(client)
	if cache == nil {
		return store
	}
	return &CachedStore{Store: store, cache: cache}
}

func (c *CachedStore) ListMessages(ctx context.Context, ownerID, sessionID string) ([]Message, error) {
	if cached, err := c.cache.get(ctx, ownerID, sessionID); err == nil {
		return cached, nil
	}
	messages, err := c.Store.ListMessages(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	c.cache.store(ctx, ownerID, sessionID, messages)
	return messages, nil
}

func (c *CachedStore) AppendMessage(ctx context.Context, ownerID, sessionID, role, content string, metadata map[string]any) (*Message, error) {
	message, err := c.Store.AppendMessage(ctx, ownerID, sessionID, role, content, metadata)
	if err != nil {
		return nil, err
	}
	c.cache.invalidate(ctx, ownerID, sessionID)
	return message, nil
}

func (c *CachedStore) DeleteMessage(ctx context.Context, ownerID, messageID string) error {
	if err := c.Store.DeleteMessage(ctx, ownerID, messageID); err != nil {
		return err
	}
	// The parent session id is not known here, so the next read repopulates
	// naturally once the TTL lapses. Deletes outside the chat flow are rare.
	return nil
}

func (c *CachedStore) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	if err := c.Store.DeleteSession(ctx, ownerID, sessionID); err != nil {
		return err
	}
	c.cache.invalidate(ctx, ownerID, sessionID)
	return nil
}
