package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := New(Config{
		APIKey:         "test-key",
		BaseURL:        "https://fetcher.example.com/api",
		WebhookBaseURL: "https://crawler.example.com",
		Timeout:        5 * time.Second,
	}, nil)
	httpmock.ActivateNonDefault(c.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestClient_Submit(t *testing.T) {
	c := newTestClient(t)

	var captured submitRequest
	httpmock.RegisterResponder(http.MethodPost, "https://fetcher.example.com/api/v2/browser",
		func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "Bearer test-key", req.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(req.Body).Decode(&captured))
			return httpmock.NewJsonResponse(200, map[string]string{"request_id": "r-1"})
		})

	err := c.Submit(context.Background(),
		"https://cjdropshipping.com/search/tools.html",
		"crawl-job1-search-item1")
	require.NoError(t, err)

	require.Equal(t, "https://cjdropshipping.com/search/tools.html", captured.URL)
	require.Equal(t, "desktop", captured.Device)
	require.Equal(t, "https://crawler.example.com/api/crawl/webhook", captured.PostbackURL)
	require.Equal(t, "crawl-job1-search-item1", captured.PostID)
}

func TestClient_Submit_APIError(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder(http.MethodPost, "https://fetcher.example.com/api/v2/browser",
		httpmock.NewStringResponder(http.StatusBadGateway, "upstream browser pool exhausted"))

	err := c.Submit(context.Background(), "https://cjdropshipping.com/x", "crawl-j-product-i")
	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, http.StatusBadGateway, fe.StatusCode)
	require.Contains(t, fe.Msg, "exhausted")
}

func TestClient_Submit_TransportError(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterNoResponder(httpmock.ConnectionFailure)

	err := c.Submit(context.Background(), "https://cjdropshipping.com/x", "crawl-j-product-i")
	var fe *Error
	require.ErrorAs(t, err, &fe)
	require.Zero(t, fe.StatusCode)
}

func TestWebhookPayload_Flatten(t *testing.T) {
	t.Parallel()

	wrapped := WebhookPayload{
		Status: "ok",
		Results: []WebhookResult{
			{Success: true, PostID: "crawl-j-search-a", PayloadURL: "https://store/p1"},
			{Success: false, PostID: "crawl-j-product-b", Error: "timeout"},
		},
	}
	require.Len(t, wrapped.Flatten(), 2)

	ok := true
	single := WebhookPayload{Success: &ok, PostID: "crawl-j-product-c", PayloadURL: "https://store/p2"}
	flat := single.Flatten()
	require.Len(t, flat, 1)
	require.True(t, flat[0].Success)
	require.Equal(t, "crawl-j-product-c", flat[0].PostID)

	require.Nil(t, WebhookPayload{}.Flatten())
}
