// Package dedup answers whether catalog product ids are already persisted
// downstream, with an optional Redis cache in front of the scored-products
// store.
package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	seenKeyPrefix = "crawl:seen:"
	seenTTL       = 24 * time.Hour
)

// Lookup is the read side of the scored-products store.
type Lookup interface {
	Existing(ctx context.Context, ids []string) (map[string]bool, error)
}

// Index is the dedup view over the scored-products store. A stale read
// only costs a wasted fetch; the store's uniqueness constraint prevents
// double insertion.
type Index struct {
	scored Lookup
	cache  *redis.Client
	logger *zap.Logger
}

// New builds an Index. cache may be nil, in which case every lookup goes
// to Postgres.
func New(scored Lookup, cache *redis.Client, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{scored: scored, cache: cache, logger: logger}
}

// Existing returns the subset of ids already persisted.
func (i *Index) Existing(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	misses := ids
	if i.cache != nil {
		misses = misses[:0:0]
		keys := make([]string, len(ids))
		for n, id := range ids {
			keys[n] = seenKeyPrefix + id
		}
		vals, err := i.cache.MGet(ctx, keys...).Result()
		if err != nil {
			i.logger.Warn("dedup cache read failed", zap.Error(err))
			misses = ids
		} else {
			for n, v := range vals {
				if v != nil {
					out[ids[n]] = true
				} else {
					misses = append(misses, ids[n])
				}
			}
		}
	}

	if len(misses) > 0 {
		existing, err := i.scored.Existing(ctx, misses)
		if err != nil {
			return nil, err
		}
		for id := range existing {
			out[id] = true
		}
		i.Remember(ctx, keysOf(existing)...)
	}
	return out, nil
}

// Remember caches ids as persisted. Best effort: cache failures only log.
func (i *Index) Remember(ctx context.Context, ids ...string) {
	if i.cache == nil || len(ids) == 0 {
		return
	}
	pipe := i.cache.Pipeline()
	for _, id := range ids {
		pipe.Set(ctx, seenKeyPrefix+id, "1", seenTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		i.logger.Warn("dedup cache write failed", zap.Error(err))
	}
}

func keysOf(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
