package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const productPage = `<!DOCTYPE html>
<html><head><title>Garden Kneeler Pad</title></head><body>
<script>
window.productDetailData = {
  "id": "1780754818441441280",
  "nameEn": "Garden Kneeler Pad",
  "name": "花园跪垫",
  "sku": "CJJJ19550",
  "sellPriceMin": "4.52",
  "sellPriceMax": 6.80,
  "weight": "350.00",
  "listCount": 12,
  "supplierId": "sup-991",
  "supplierName": "Green Tools Co",
  "category": [{"name": "Garden Supplies"}, "Outdoor"],
  "variantList": [
    {"variantSku": "CJJJ19550-A", "variantSellPrice": 4.52, "retailPrice": 12.99, "weight": 350, "packWeight": 420, "vid": "v-1"},
    {"variantSku": "CJJJ19550-B", "variantSellPrice": 6.80, "weight": undefined, "vid": "v-2"},
  ],
  "warehouseCountry": "US",
  "warehouseInventory": "240",
  "isFreeShipping": true,
  "deliveryCycleDays": 5,
  "imageUrl": "https://img.example.com/kneeler.jpg"
}
</script>
</body></html>`

func TestParseProduct_FullPage(t *testing.T) {
	t.Parallel()

	rec, err := ParseProduct([]byte(productPage))
	require.NoError(t, err)

	require.Equal(t, "1780754818441441280", rec.ID)
	require.Equal(t, "Garden Kneeler Pad", rec.Name)
	require.Equal(t, "CJJJ19550", rec.SKU)
	require.InDelta(t, 4.52, rec.SellPriceMin, 1e-9)
	require.InDelta(t, 6.80, rec.SellPriceMax, 1e-9)
	require.Equal(t, 350, rec.WeightMin)
	require.Equal(t, 350, rec.WeightMax)
	require.Equal(t, 12, rec.ListCount)
	require.Equal(t, "sup-991", rec.SupplierID)
	require.Equal(t, "Green Tools Co", rec.SupplierName)
	require.Equal(t, []string{"Garden Supplies", "Outdoor"}, rec.Categories)
	require.Equal(t, "US", rec.WarehouseCountry)
	require.Equal(t, 240, rec.WarehouseInventory)
	require.True(t, rec.FreeShipping)
	require.Equal(t, 5, rec.DeliveryCycleDays)
	require.Equal(t, "https://img.example.com/kneeler.jpg", rec.ImageURL)

	require.Len(t, rec.Variants, 2)
	require.Equal(t, "CJJJ19550-A", rec.Variants[0].SKU)
	require.InDelta(t, 12.99, rec.Variants[0].RetailPrice, 1e-9)
	require.Equal(t, 420, rec.Variants[0].PackWeight)
	require.Equal(t, "v-2", rec.Variants[1].VariantID)
	require.Zero(t, rec.Variants[1].Weight)
}

func TestParseProduct_Deterministic(t *testing.T) {
	t.Parallel()

	first, err := ParseProduct([]byte(productPage))
	require.NoError(t, err)
	second, err := ParseProduct([]byte(productPage))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestParseProduct_Removed(t *testing.T) {
	t.Parallel()

	for _, html := range []string{
		`<html><script>productDetailData = {}</script></html>`,
		`<html><div>Product removed. You may post a sourcing request</div></html>`,
		`<html><span>Product removed</span></html>`,
	} {
		_, err := ParseProduct([]byte(html))
		require.ErrorIs(t, err, ErrProductRemoved, html)
	}
}

func TestParseProduct_BlockPage(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Just a moment...</title></head><body></body></html>`
	_, err := ParseProduct([]byte(html))

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, ParseShape, pe.Kind)
	require.True(t, pe.Blocked)
	require.True(t, IsBlocked(err))
}

func TestParseProduct_ShortBlockedBody(t *testing.T) {
	t.Parallel()

	_, err := ParseProduct([]byte(`<html><body>Request blocked by policy</body></html>`))
	require.True(t, IsBlocked(err))
}

func TestParseProduct_AnchorMissing(t *testing.T) {
	t.Parallel()

	_, err := ParseProduct([]byte(`<html><body><p>a normal page about cjdropshipping</p></body></html>`))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, ParseShape, pe.Kind)
	require.False(t, pe.Blocked)
	require.Equal(t, ParseShape, KindOf(err))
}

func TestParseProduct_UnbalancedBraces(t *testing.T) {
	t.Parallel()

	html := `<script>productDetailData = {"id":"9","nameEn":"x","sellPriceMin":1.0</script>`
	_, err := ParseProduct([]byte(html))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, ParseSyntax, pe.Kind)
}

func TestParseProduct_Incomplete(t *testing.T) {
	t.Parallel()

	html := `<script>productDetailData = {"id":"9","nameEn":"thing"}</script>`
	_, err := ParseProduct([]byte(html))
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, ParseIncomplete, pe.Kind)
}

func TestKindOf_NonParseError(t *testing.T) {
	t.Parallel()

	require.Equal(t, ParseKind(""), KindOf(errors.New("network down")))
	require.False(t, IsBlocked(errors.New("network down")))
}
