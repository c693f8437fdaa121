package catalog

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/puma10/ecomm-arb/internal/crawl"
)

var (
	emptyDetailRe = regexp.MustCompile(`productDetailData\s*=\s*\{\s*\}`)

	// Removal indicators need surrounding context: the bare phrase also
	// appears inside i18n translation blobs on every page.
	removedRes = []*regexp.Regexp{
		regexp.MustCompile(`Product removed\.\s*You may`),
		regexp.MustCompile(`<[^>]*>Product removed<`),
		regexp.MustCompile(`>\s*Product removed\s*<`),
		regexp.MustCompile(`(?i)Product has been removed`),
		regexp.MustCompile(`(?i)This product is no longer available`),
	}

	blockTitleRe     = regexp.MustCompile(`(?i)<title>.*(?:Attention Required|Just a moment|Access Denied).*</title>`)
	blockCaptchaRe   = regexp.MustCompile(`(?i)class="[^"]*captcha[^"]*"`)
	blockChallengeRe = regexp.MustCompile(`(?i)action=".*cloudflare.*challenge`)
	blockShortRe     = regexp.MustCompile(`(?i)blocked|denied|forbidden`)
)

const blockShortPageBytes = 5000

func detectRemoved(html string) bool {
	if emptyDetailRe.MatchString(html) {
		return true
	}
	for _, re := range removedRes {
		if re.MatchString(html) {
			return true
		}
	}
	return false
}

func detectBlockPage(html string) bool {
	if blockTitleRe.MatchString(html) || blockCaptchaRe.MatchString(html) || blockChallengeRe.MatchString(html) {
		return true
	}
	// Real catalog product pages run well past 50KB; a short page with
	// block vocabulary is an error interstitial.
	return len(html) < blockShortPageBytes && blockShortRe.MatchString(html)
}

// ParseProduct extracts and normalizes the embedded product object from a
// product page.
func ParseProduct(html []byte) (crawl.ProductRecord, error) {
	doc := string(html)

	if detectRemoved(doc) {
		return crawl.ProductRecord{}, ErrProductRemoved
	}
	if detectBlockPage(doc) {
		return crawl.ProductRecord{}, &ParseError{
			Kind:    ParseShape,
			Detail:  "anti-bot challenge page returned",
			Blocked: true,
		}
	}

	start := findEmbeddedObject(doc)
	if start < 0 {
		return crawl.ProductRecord{}, &ParseError{Kind: ParseShape, Detail: "product data anchor not found"}
	}
	raw, ok := extractBalancedObject(doc, start)
	if !ok {
		return crawl.ProductRecord{}, &ParseError{Kind: ParseSyntax, Detail: "unbalanced braces in product data"}
	}
	if len(raw) < 10 {
		return crawl.ProductRecord{}, ErrProductRemoved
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(repairObjectLiteral(raw)), &data); err != nil {
		return crawl.ProductRecord{}, &ParseError{Kind: ParseSyntax, Detail: err.Error()}
	}

	rec := normalizeProduct(data)
	if rec.ID == "" {
		return crawl.ProductRecord{}, &ParseError{Kind: ParseIncomplete, Detail: "missing product id"}
	}
	if rec.Name == "" || (rec.SellPriceMin == 0 && rec.SellPriceMax == 0) {
		return crawl.ProductRecord{}, &ParseError{Kind: ParseIncomplete, Detail: "missing name or sell price"}
	}
	return rec, nil
}

// normalizeProduct maps the catalog's loosely shaped object onto the
// canonical record. The catalog renames fields between page revisions, so
// every lookup carries the known aliases.
func normalizeProduct(data map[string]any) crawl.ProductRecord {
	rec := crawl.ProductRecord{
		ID: asString(pick(data, "id", "productId", "pid")),
		// English names win over the default (often Chinese) name field.
		Name:         asString(pick(data, "nameEn", "productNameEn", "entryNameEn", "name", "productName")),
		SKU:          asString(pick(data, "sku", "productSku")),
		SupplierID:   asString(pick(data, "supplierId", "supplierID")),
		SupplierName: asString(pick(data, "supplierName")),
		ImageURL:     asString(pick(data, "imageUrl", "productImage", "mainImage")),
	}

	price := asFloat(pick(data, "sellPrice", "sellPriceMin"))
	rec.SellPriceMin = asFloat(pick(data, "sellPriceMin"))
	if rec.SellPriceMin == 0 {
		rec.SellPriceMin = price
	}
	rec.SellPriceMax = asFloat(pick(data, "sellPriceMax"))
	if rec.SellPriceMax == 0 {
		rec.SellPriceMax = rec.SellPriceMin
	}

	rec.WeightMin = asInt(pick(data, "weight", "productWeight"))
	rec.WeightMax = asInt(pick(data, "weightMax"))
	if rec.WeightMax == 0 {
		rec.WeightMax = rec.WeightMin
	}

	rec.ListCount = asInt(pick(data, "listCount", "listedNum"))
	rec.Categories = normalizeCategories(data)
	rec.Variants = normalizeVariants(data)
	rec.WarehouseCountry = asString(pick(data, "warehouseCountry", "warehouseCountryCode"))
	rec.WarehouseInventory = asInt(pick(data, "warehouseInventory", "inventory"))
	rec.FreeShipping = asBool(pick(data, "isFreeShipping", "freeShipping"))
	rec.DeliveryCycleDays = asInt(pick(data, "deliveryCycleDays", "deliveryCycle"))
	return rec
}

func normalizeCategories(data map[string]any) []string {
	var out []string
	switch cat := pick(data, "category", "categories").(type) {
	case []any:
		for _, c := range cat {
			switch v := c.(type) {
			case map[string]any:
				if name := asString(pick(v, "name", "categoryNameEn")); name != "" {
					out = append(out, name)
				}
			case string:
				out = append(out, v)
			}
		}
	case string:
		if cat != "" {
			out = append(out, cat)
		}
	}
	if len(out) == 0 {
		if name := asString(pick(data, "categoryName", "categoryNameEn")); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func normalizeVariants(data map[string]any) []crawl.Variant {
	raw, _ := pick(data, "variants", "variantList").([]any)
	var out []crawl.Variant
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, crawl.Variant{
			SKU:         asString(pick(m, "sku", "variantSku")),
			SellPrice:   asFloat(pick(m, "sellPrice", "variantSellPrice")),
			RetailPrice: asFloat(pick(m, "retailPrice")),
			Weight:      asInt(pick(m, "weight", "variantWeight")),
			PackWeight:  asInt(pick(m, "packWeight")),
			VariantID:   asString(pick(m, "vid", "variantId")),
		})
	}
	return out
}

func pick(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

// asInt tolerates the catalog's habit of shipping integers as float
// strings like "1350.00".
func asInt(v any) int {
	return int(asFloat(v))
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
