// Package crawl defines the core types shared across the crawl subsystems.
package crawl

import "time"

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ItemStatus represents the lifecycle state of a queue item.
type ItemStatus string

// Queue item status values. Completed and failed are terminal.
const (
	ItemPending   ItemStatus = "pending"
	ItemSubmitted ItemStatus = "submitted"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// URLKind tags a queue item with the role its URL plays in the crawl graph.
type URLKind string

// URL kinds carried in correlation ids. Selftest is reserved for the
// startup webhook round-trip check and never enters the queue.
const (
	KindSearch     URLKind = "search"
	KindPagination URLKind = "pagination"
	KindProduct    URLKind = "product"
	KindSelfTest   URLKind = "selftest"
)

// Valid reports whether the kind is one this service emits.
func (k URLKind) Valid() bool {
	switch k {
	case KindSearch, KindPagination, KindProduct, KindSelfTest:
		return true
	}
	return false
}

// Queue priorities. Discovery pages outrank product pages so the funnel
// stays fed.
const (
	PriorityDiscovery = 1
	PriorityProduct   = 2
)

// JobConfig is the configuration snapshot taken when a job is created.
// Persistent exclusion rules are merged into the exclude sets at creation
// time, so the snapshot is self-contained.
type JobConfig struct {
	Keywords          []string `json:"keywords"`
	PriceMin          float64  `json:"price_min"`
	PriceMax          float64  `json:"price_max"`
	IncludeWarehouses []string `json:"include_warehouses"`
	ExcludeWarehouses []string `json:"exclude_warehouses"`
	IncludeCategories []string `json:"include_categories"`
	ExcludeCategories []string `json:"exclude_categories"`
}

// Progress is the per-job counter bundle exposed verbatim on the admin API.
// Counters never decrease within a job's lifetime.
type Progress struct {
	SearchURLsSubmitted        int `json:"search_urls_submitted"`
	SearchURLsCompleted        int `json:"search_urls_completed"`
	ProductURLsFound           int `json:"product_urls_found"`
	ProductURLsSkippedExisting int `json:"product_urls_skipped_existing"`
	ProductURLsSubmitted       int `json:"product_urls_submitted"`
	ProductURLsCompleted       int `json:"product_urls_completed"`
	ProductsParsed             int `json:"products_parsed"`
	ProductsSkippedFiltered    int `json:"products_skipped_filtered"`
	ProductsScored             int `json:"products_scored"`
	ProductsPassedScoring      int `json:"products_passed_scoring"`
	Errors                     int `json:"errors"`
}

// Add applies a delta in place. Negative deltas are ignored so counters
// stay monotonic.
func (p *Progress) Add(d Progress) {
	add := func(dst *int, n int) {
		if n > 0 {
			*dst += n
		}
	}
	add(&p.SearchURLsSubmitted, d.SearchURLsSubmitted)
	add(&p.SearchURLsCompleted, d.SearchURLsCompleted)
	add(&p.ProductURLsFound, d.ProductURLsFound)
	add(&p.ProductURLsSkippedExisting, d.ProductURLsSkippedExisting)
	add(&p.ProductURLsSubmitted, d.ProductURLsSubmitted)
	add(&p.ProductURLsCompleted, d.ProductURLsCompleted)
	add(&p.ProductsParsed, d.ProductsParsed)
	add(&p.ProductsSkippedFiltered, d.ProductsSkippedFiltered)
	add(&p.ProductsScored, d.ProductsScored)
	add(&p.ProductsPassedScoring, d.ProductsPassedScoring)
	add(&p.Errors, d.Errors)
}

// LogEntry is one line of the per-job operator log ring.
type LogEntry struct {
	TS    time.Time `json:"ts"`
	Level string    `json:"level"`
	Msg   string    `json:"msg"`
}

// Job identifies one crawl run.
type Job struct {
	ID           string     `json:"id"`
	Status       JobStatus  `json:"status"`
	Config       JobConfig  `json:"config"`
	Progress     Progress   `json:"progress"`
	Logs         []LogEntry `json:"-"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// QueueItem is one unit of crawl work owned by a job.
type QueueItem struct {
	ID            string     `json:"id"`
	JobID         string     `json:"job_id"`
	URL           string     `json:"url"`
	Kind          URLKind    `json:"url_type"`
	Keyword       string     `json:"keyword,omitempty"`
	Priority      int        `json:"priority"`
	Status        ItemStatus `json:"status"`
	RetryCount    int        `json:"retry_count"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// RuleKind classifies a persistent exclusion rule.
type RuleKind string

// Exclusion rule kinds.
const (
	RuleCountry  RuleKind = "country"
	RuleCategory RuleKind = "category"
	RuleSupplier RuleKind = "supplier"
	RuleKeyword  RuleKind = "keyword"
)

// Valid reports whether the rule kind is recognized.
func (k RuleKind) Valid() bool {
	switch k {
	case RuleCountry, RuleCategory, RuleSupplier, RuleKeyword:
		return true
	}
	return false
}

// ExclusionRule is a persistent, process-wide product filter.
type ExclusionRule struct {
	ID        string    `json:"id"`
	Kind      RuleKind  `json:"rule_type"`
	Value     string    `json:"value"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Variant is one purchasable variation of a catalog product.
type Variant struct {
	SKU         string  `json:"sku"`
	SellPrice   float64 `json:"sell_price"`
	RetailPrice float64 `json:"retail_price,omitempty"`
	Weight      int     `json:"weight,omitempty"`
	PackWeight  int     `json:"pack_weight,omitempty"`
	VariantID   string  `json:"vid,omitempty"`
}

// ProductRecord is the canonical normalized product extracted by the
// catalog parser.
type ProductRecord struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	SKU                string    `json:"sku,omitempty"`
	SellPriceMin       float64   `json:"sell_price_min"`
	SellPriceMax       float64   `json:"sell_price_max"`
	WeightMin          int       `json:"weight_min,omitempty"`
	WeightMax          int       `json:"weight_max,omitempty"`
	ListCount          int       `json:"list_count,omitempty"`
	SupplierID         string    `json:"supplier_id,omitempty"`
	SupplierName       string    `json:"supplier_name,omitempty"`
	Categories         []string  `json:"categories,omitempty"`
	Variants           []Variant `json:"variants,omitempty"`
	WarehouseCountry   string    `json:"warehouse_country,omitempty"`
	WarehouseInventory int       `json:"warehouse_inventory,omitempty"`
	FreeShipping       bool      `json:"free_shipping,omitempty"`
	DeliveryCycleDays  int       `json:"delivery_cycle_days,omitempty"`
	ImageURL           string    `json:"image_url,omitempty"`
}

// Candidate is an admitted product handed to the scoring collaborator.
type Candidate struct {
	JobID     string        `json:"job_id"`
	Keyword   string        `json:"keyword,omitempty"`
	SourceURL string        `json:"source_url"`
	Product   ProductRecord `json:"product"`
}
