package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractBalancedObject_IgnoresBracesInStrings(t *testing.T) {
	t.Parallel()

	src := `prefix {"name":"has } brace","nested":{"a":1},"esc":"quote \" and {"} suffix`
	start := 7
	obj, ok := extractBalancedObject(src, start)
	require.True(t, ok)
	require.Equal(t, `{"name":"has } brace","nested":{"a":1},"esc":"quote \" and {"}`, obj)
}

func TestExtractBalancedObject_Unbalanced(t *testing.T) {
	t.Parallel()

	_, ok := extractBalancedObject(`{"a":{"b":1}`, 0)
	require.False(t, ok)

	_, ok = extractBalancedObject("no brace here", 0)
	require.False(t, ok)
}

func TestRepairObjectLiteral_Undefined(t *testing.T) {
	t.Parallel()

	in := `{"a": undefined, "b":undefined,"c":[undefined, 1]}`
	require.JSONEq(t, `{"a":null,"b":null,"c":[null,1]}`, repairObjectLiteral(in))
}

func TestRepairObjectLiteral_LeavesStringsAlone(t *testing.T) {
	t.Parallel()

	in := `{"a":"value is undefined, really","b": undefined}`
	require.Equal(t, `{"a":"value is undefined, really","b": null}`, repairObjectLiteral(in))
}

func TestRepairObjectLiteral_TrailingCommas(t *testing.T) {
	t.Parallel()

	in := `{"a":1,"list":[1,2,],}`
	require.JSONEq(t, `{"a":1,"list":[1,2]}`, repairObjectLiteral(in))
}

func TestRepairObjectLiteral_DoesNotTouchIdentifierPrefixes(t *testing.T) {
	t.Parallel()

	in := `{"a":"x","undefinedCount":3}`
	require.Equal(t, in, repairObjectLiteral(in))
}

func TestFindEmbeddedObject_AnchorForms(t *testing.T) {
	t.Parallel()

	for _, html := range []string{
		`<script>window.productDetailData = {"id":"1"}</script>`,
		`<script>productDetailData={"id":"1"}</script>`,
		`{"state":{"productDetailData": {"id":"1"}}}`,
	} {
		start := findEmbeddedObject(html)
		require.GreaterOrEqual(t, start, 0, html)
		require.Equal(t, byte('{'), html[start])
	}
}

func TestFindEmbeddedObject_BraceTooFar(t *testing.T) {
	t.Parallel()

	html := `productDetailData and much later in the page a stray {`
	require.Equal(t, -1, findEmbeddedObject(html))
}
