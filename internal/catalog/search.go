package catalog

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	catalogOrigin = "https://cjdropshipping.com"
	// The catalog lists roughly this many products per results page; used
	// to estimate page count when the pagination widget is missing.
	resultsPerPage = 60
)

var (
	productHrefRe = regexp.MustCompile(`href="(/product/[^"]*-p-\d+\.html)"`)
	productIDRe   = regexp.MustCompile(`-p-(\d+)\.html`)
	recordsRe     = regexp.MustCompile(`(\d+)\s*Records`)

	pageCountRes = []*regexp.Regexp{
		regexp.MustCompile(`of\s+(\d+)`),
		regexp.MustCompile(`of&nbsp;(\d+)`),
		regexp.MustCompile(`pageNum=(\d+)[^>]*>\s*>>\s*</a>`),
	}
)

// SearchResults carries the product URLs and pagination facts extracted
// from one results page.
type SearchResults struct {
	ProductURLs  []string
	TotalPages   int
	TotalRecords int
}

// ParseSearch extracts product URLs (order-preserving, deduplicated) and
// pagination info from a search results page.
func ParseSearch(html []byte) (SearchResults, error) {
	doc := string(html)
	if detectBlockPage(doc) {
		return SearchResults{}, &ParseError{
			Kind:    ParseShape,
			Detail:  "anti-bot challenge page returned",
			Blocked: true,
		}
	}

	seen := make(map[string]bool)
	var urls []string
	for _, m := range productHrefRe.FindAllStringSubmatch(doc, -1) {
		full := catalogOrigin + m[1]
		if !seen[full] {
			seen[full] = true
			urls = append(urls, full)
		}
	}

	pages, records := extractPagination(doc)
	return SearchResults{ProductURLs: urls, TotalPages: pages, TotalRecords: records}, nil
}

func extractPagination(html string) (totalPages, totalRecords int) {
	totalPages = 1
	if m := recordsRe.FindStringSubmatch(html); m != nil {
		totalRecords, _ = strconv.Atoi(m[1])
	}
	for _, re := range pageCountRes {
		if m := re.FindStringSubmatch(html); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				totalPages = n
				break
			}
		}
	}
	if totalRecords > 0 && totalPages == 1 {
		totalPages = (totalRecords + resultsPerPage - 1) / resultsPerPage
	}
	return totalPages, totalRecords
}

// ExtractProductID pulls the catalog-native product id out of a product
// URL, or "" if the URL is not a product page.
func ExtractProductID(url string) string {
	if m := productIDRe.FindStringSubmatch(url); m != nil {
		return m[1]
	}
	return ""
}

// SearchURL builds the catalog search URL for a keyword and page number.
func SearchURL(keyword string, page int) string {
	encoded := strings.ReplaceAll(keyword, " ", "+")
	base := catalogOrigin + "/search/" + encoded + ".html"
	if page > 1 {
		return base + "?pageNum=" + strconv.Itoa(page)
	}
	return base
}
