// Package exclusion applies persistent and per-job product filters.
package exclusion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

// Rules is the persistent rule set grouped by kind, values lowercased.
type Rules struct {
	Countries  map[string]bool
	Categories map[string]bool
	Suppliers  map[string]bool
	Keywords   map[string]bool
}

const rulesCacheKey = "rules"

// Cache is the process-wide view of the exclusion rules, refreshed from
// the store when the TTL lapses. Admin updates become visible within one
// TTL.
type Cache struct {
	store crawl.ExclusionStore
	lru   *expirable.LRU[string, Rules]
}

// NewCache builds a Cache with the given TTL.
func NewCache(store crawl.ExclusionStore, ttl time.Duration) *Cache {
	return &Cache{
		store: store,
		lru:   expirable.NewLRU[string, Rules](1, nil, ttl),
	}
}

// Rules returns the cached rule set, loading from the store on miss.
func (c *Cache) Rules(ctx context.Context) (Rules, error) {
	if cached, ok := c.lru.Get(rulesCacheKey); ok {
		return cached, nil
	}
	loaded, err := c.load(ctx)
	if err != nil {
		return Rules{}, err
	}
	c.lru.Add(rulesCacheKey, loaded)
	return loaded, nil
}

// Invalidate drops the cached rules so the next read reloads.
func (c *Cache) Invalidate() {
	c.lru.Remove(rulesCacheKey)
}

func (c *Cache) load(ctx context.Context) (Rules, error) {
	all, err := c.store.List(ctx, "")
	if err != nil {
		return Rules{}, fmt.Errorf("load exclusion rules: %w", err)
	}
	rules := Rules{
		Countries:  map[string]bool{},
		Categories: map[string]bool{},
		Suppliers:  map[string]bool{},
		Keywords:   map[string]bool{},
	}
	for _, r := range all {
		v := strings.ToLower(r.Value)
		switch r.Kind {
		case crawl.RuleCountry:
			rules.Countries[v] = true
		case crawl.RuleCategory:
			rules.Categories[v] = true
		case crawl.RuleSupplier:
			rules.Suppliers[v] = true
		case crawl.RuleKeyword:
			rules.Keywords[v] = true
		}
	}
	return rules, nil
}
