package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

// ScoredStore is the crawl-side view of the downstream scored-products
// store: it answers dedup lookups and performs the uniqueness-guarded
// ingest the scoring collaborator relies on.
type ScoredStore struct {
	pool Pool
}

// NewScoredStore creates a ScoredStore.
func NewScoredStore(pool Pool) *ScoredStore {
	return &ScoredStore{pool: pool}
}

// Existing returns the subset of catalog product ids already persisted.
func (s *ScoredStore) Existing(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT source_product_id FROM scored_products
		WHERE source_product_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("lookup existing products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan existing product id: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing product ids: %w", err)
	}
	return out, nil
}

// Insert ingests a candidate. The source_product_id uniqueness constraint
// makes duplicates a no-op; inserted reports whether a row was written.
func (s *ScoredStore) Insert(ctx context.Context, c crawl.Candidate) (bool, error) {
	payload, err := json.Marshal(c.Product)
	if err != nil {
		return false, fmt.Errorf("marshal product payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scored_products (
			id, source_product_id, name, crawl_job_id, keyword, source_url,
			product_cost, warehouse_country, supplier_name, inventory_count, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (source_product_id) DO NOTHING`,
		uuid.NewString(), c.Product.ID, c.Product.Name, c.JobID, c.Keyword, c.SourceURL,
		c.Product.SellPriceMin, c.Product.WarehouseCountry, c.Product.SupplierName,
		c.Product.WarehouseInventory, payload,
	)
	if err != nil {
		return false, fmt.Errorf("insert scored product: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
