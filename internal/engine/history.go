package engine

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// HistoryProvider serves the bounded log of finished rounds.
type HistoryProvider interface {
	Entries(ctx context.Context, limit int) ([]HistoryEntry, error)
	Invalidate(ctx context.Context) error
}

// RepositoryHistory reads history straight from the store.
type RepositoryHistory struct {
	repo Repository
}

func NewRepositoryHistory(repo Repository) *RepositoryHistory {
	return &RepositoryHistory{repo: repo}
}

func (h *RepositoryHistory) Entries(ctx context.Context, limit int) ([]HistoryEntry, error) {
	return h.repo.FetchHistory(ctx, limit)
}

func (h *RepositoryHistory) Invalidate(ctx context.Context) error {
	return nil
}

// CachedHistory wraps another HistoryProvider with a Redis read-through
// cache. The engine invalidates it explicitly when a round finalizes;
// the TTL only bounds staleness if an invalidation is lost.
type CachedHistory struct {
	source HistoryProvider
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewCachedHistory(source HistoryProvider, client *redis.Client) *CachedHistory {
	return &CachedHistory{
		source: source,
		client: client,
		key:    "crash:history",
		ttl:    5 * time.Minute,
	}
}

func (h *CachedHistory) Entries(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if h.client == nil {
		return h.source.Entries(ctx, limit)
	}

	raw, err := h.client.Get(ctx, h.key).Bytes()
	if err == nil {
		var entries []HistoryEntry
		if json.Unmarshal(raw, &entries) == nil && len(entries) >= limit {
			return entries[:limit], nil
		}
	}

	entries, err := h.source.Entries(ctx, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(entries); err == nil {
		if err := h.client.Set(ctx, h.key, data, h.ttl).Err(); err != nil {
			log.Printf("[CACHE] History cache write failed: %v", err)
		}
	}

	return entries, nil
}

func (h *CachedHistory) Invalidate(ctx context.Context) error {
	if err := h.source.Invalidate(ctx); err != nil {
		return err
	}
	if h.client == nil {
		return nil
	}
	return h.client.Del(ctx, h.key).Err()
}
