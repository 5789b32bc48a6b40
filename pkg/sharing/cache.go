package sharing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cached fronts another Store with a Redis read-through cache.
type Cached struct {
	next   Store
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewCached(next Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cached{
		next:   next,
		client: client,
		prefix: "livememo:share:",
		ttl:    ttl,
		logger: logger.With(slog.String("component", "ShareCache")),
	}
}

var _ Store = (*Cached)(nil)

func (c *Cached) key(documentID string) string {
	return c.prefix + documentID
}

// GetShareSettings serves from Redis when possible. Redis failures fall
// through to the backing store.
func (c *Cached) GetShareSettings(ctx context.Context, documentID string) (Settings, error) {
	raw, err := c.client.Get(ctx, c.key(documentID)).Bytes()
	switch {
	case err == nil:
		var s Settings
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, nil
		}
		c.logger.Warn("Dropping undecodable cache entry", slog.String("documentID", documentID))
	case err != redis.Nil:
		c.logger.Warn("Share cache read failed", slog.String("documentID", documentID), slog.Any("error", err))
	}

	s, err := c.next.GetShareSettings(ctx, documentID)
	if err != nil {
		return Settings{}, err
	}
	if data, err := json.Marshal(s); err == nil {
		if err := c.client.Set(ctx, c.key(documentID), data, c.ttl).Err(); err != nil {
			c.logger.Warn("Share cache write failed", slog.String("documentID", documentID), slog.Any("error", err))
		}
	}
	return s, nil
}

// Invalidate drops the cached entry so the next read hits the backing store.
func (c *Cached) Invalidate(ctx context.Context, documentID string) error {
	if err := c.client.Del(ctx, c.key(documentID)).Err(); err != nil {
		return fmt.Errorf("invalidate share settings: %w", err)
	}
	return nil
}
