package exclusion

import (
	"context"
	"fmt"
	"strings"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

// Products without a warehouse country ship from the catalog's home
// market.
const defaultWarehouse = "CN"

// Decision is the admission verdict for one product. Reason is set only on
// rejection and feeds the job's filtered counter.
type Decision struct {
	Admitted bool
	Reason   string
}

// Filter admits or rejects parsed products against the job's config
// snapshot plus the persistent rules.
type Filter struct {
	cache *Cache
}

// NewFilter builds a Filter on top of the rules cache.
func NewFilter(cache *Cache) *Filter {
	return &Filter{cache: cache}
}

// Evaluate applies the full admission predicate. A product is admitted only
// if every check passes; the first failing check names the reason.
func (f *Filter) Evaluate(ctx context.Context, p crawl.ProductRecord, cfg crawl.JobConfig) (Decision, error) {
	rules, err := f.cache.Rules(ctx)
	if err != nil {
		return Decision{}, err
	}

	if d := checkPrice(p, cfg); !d.Admitted {
		return d, nil
	}
	if d := checkWarehouse(p, cfg, rules); !d.Admitted {
		return d, nil
	}
	if d := checkCategories(p, cfg, rules); !d.Admitted {
		return d, nil
	}
	if p.SupplierID != "" && rules.Suppliers[strings.ToLower(p.SupplierID)] {
		return Decision{Reason: fmt.Sprintf("supplier %s excluded by rule", p.SupplierID)}, nil
	}
	name := strings.ToLower(p.Name)
	for kw := range rules.Keywords {
		if strings.Contains(name, kw) {
			return Decision{Reason: fmt.Sprintf("name contains excluded keyword %q", kw)}, nil
		}
	}
	return Decision{Admitted: true}, nil
}

func checkPrice(p crawl.ProductRecord, cfg crawl.JobConfig) Decision {
	price := p.SellPriceMin
	if price < cfg.PriceMin {
		return Decision{Reason: fmt.Sprintf("price $%.2f below minimum $%.2f", price, cfg.PriceMin)}
	}
	if cfg.PriceMax > 0 && price > cfg.PriceMax {
		return Decision{Reason: fmt.Sprintf("price $%.2f above maximum $%.2f", price, cfg.PriceMax)}
	}
	return Decision{Admitted: true}
}

func checkWarehouse(p crawl.ProductRecord, cfg crawl.JobConfig, rules Rules) Decision {
	warehouse := strings.ToUpper(p.WarehouseCountry)
	if warehouse == "" {
		warehouse = defaultWarehouse
	}
	if len(cfg.IncludeWarehouses) > 0 && !containsFold(cfg.IncludeWarehouses, warehouse) {
		return Decision{Reason: fmt.Sprintf("warehouse %s not in include list", warehouse)}
	}
	if containsFold(cfg.ExcludeWarehouses, warehouse) || rules.Countries[strings.ToLower(warehouse)] {
		return Decision{Reason: fmt.Sprintf("warehouse %s excluded", warehouse)}
	}
	return Decision{Admitted: true}
}

func checkCategories(p crawl.ProductRecord, cfg crawl.JobConfig, rules Rules) Decision {
	categories := lowerAll(p.Categories)
	if len(cfg.IncludeCategories) > 0 && !intersects(categories, lowerAll(cfg.IncludeCategories)) {
		return Decision{Reason: "categories not in include list"}
	}
	excluded := lowerAll(cfg.ExcludeCategories)
	for _, cat := range categories {
		if containsFold(excluded, cat) || rules.Categories[cat] {
			return Decision{Reason: fmt.Sprintf("category %q excluded", cat)}
		}
	}
	return Decision{Admitted: true}
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
