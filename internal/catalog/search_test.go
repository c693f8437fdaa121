package catalog

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func searchPage(links []string, pagination string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="search-results">`)
	for _, l := range links {
		fmt.Fprintf(&b, `<a href="%s">item</a>`, l)
	}
	b.WriteString(pagination)
	b.WriteString(`</div></body></html>`)
	return b.String()
}

func TestParseSearch_ExtractsAndDeduplicates(t *testing.T) {
	t.Parallel()

	html := searchPage([]string{
		"/product/garden-kneeler-p-111.html",
		"/product/hose-nozzle-p-222.html",
		"/product/garden-kneeler-p-111.html",
		"/blog/not-a-product.html",
	}, `<span>219 Records</span><span>of 4</span>`)

	res, err := ParseSearch([]byte(html))
	require.NoError(t, err)
	require.Equal(t, []string{
		"https://cjdropshipping.com/product/garden-kneeler-p-111.html",
		"https://cjdropshipping.com/product/hose-nozzle-p-222.html",
	}, res.ProductURLs)
	require.Equal(t, 4, res.TotalPages)
	require.Equal(t, 219, res.TotalRecords)
}

func TestParseSearch_PageCountEstimatedFromRecords(t *testing.T) {
	t.Parallel()

	html := searchPage([]string{"/product/x-p-1.html"}, `<span>121 Records</span>`)
	res, err := ParseSearch([]byte(html))
	require.NoError(t, err)
	require.Equal(t, 3, res.TotalPages)
}

func TestParseSearch_LastPageLink(t *testing.T) {
	t.Parallel()

	html := searchPage(nil, `<a href="?pageNum=7" class="next">&gt;&gt;</a><a pageNum=7> >> </a>`)
	res, err := ParseSearch([]byte(html))
	require.NoError(t, err)
	require.Equal(t, 7, res.TotalPages)
}

func TestParseSearch_EmptyPage(t *testing.T) {
	t.Parallel()

	res, err := ParseSearch([]byte(searchPage(nil, "")))
	require.NoError(t, err)
	require.Empty(t, res.ProductURLs)
	require.Equal(t, 1, res.TotalPages)
	require.Zero(t, res.TotalRecords)
}

func TestParseSearch_BlockPage(t *testing.T) {
	t.Parallel()

	_, err := ParseSearch([]byte(`<html><head><title>Attention Required!</title></head></html>`))
	require.True(t, IsBlocked(err))
}

func TestExtractProductID(t *testing.T) {
	t.Parallel()

	require.Equal(t, "1234567890", ExtractProductID("https://cjdropshipping.com/product/some-name-p-1234567890.html"))
	require.Equal(t, "", ExtractProductID("https://cjdropshipping.com/search/tools.html"))
}

func TestSearchURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://cjdropshipping.com/search/garden+tools.html", SearchURL("garden tools", 1))
	require.Equal(t, "https://cjdropshipping.com/search/garden+tools.html?pageNum=3", SearchURL("garden tools", 3))
}
