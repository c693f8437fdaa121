// Package scoring hands admitted products to the downstream scoring stage.
package scoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

// Inserter is the write side of the scored-products store. The store's
// source_product_id uniqueness keeps ingestion at-most-once.
type Inserter interface {
	Insert(ctx context.Context, c crawl.Candidate) (bool, error)
}

// Bridge is the crawl side of the scoring collaborator: it ingests the
// candidate through the uniqueness-guarded store and announces it on the
// scoring topic for the external scorer to pick up.
type Bridge struct {
	store     Inserter
	publisher crawl.Publisher
	topic     string
	dedup     crawl.DedupIndex
	logger    *zap.Logger
}

// NewBridge builds a Bridge. publisher may be nil when no topic is
// configured; dedup may be nil.
func NewBridge(store Inserter, publisher crawl.Publisher, topic string, dedup crawl.DedupIndex, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{store: store, publisher: publisher, topic: topic, dedup: dedup, logger: logger}
}

// Submit ingests the candidate. accepted is false when the product id was
// already persisted, which the caller counts as a dedup hit rather than a
// scored product.
func (b *Bridge) Submit(ctx context.Context, c crawl.Candidate) (bool, error) {
	inserted, err := b.store.Insert(ctx, c)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	if b.dedup != nil {
		b.dedup.Remember(ctx, c.Product.ID)
	}
	if b.publisher != nil && b.topic != "" {
		if _, err := b.publisher.Publish(ctx, b.topic, c); err != nil {
			// The record is persisted; a lost announcement only delays
			// scoring until the next sweep of unscored rows.
			b.logger.Warn("candidate publish failed",
				zap.String("product_id", c.Product.ID),
				zap.Error(err),
			)
		}
	}
	return true, nil
}
