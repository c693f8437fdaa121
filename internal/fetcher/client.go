// Package fetcher is the client for the remote browser fetcher: URLs go
// out with a correlation id, rendered results come back on our webhook.
package fetcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Error is a fetcher submission failure. StatusCode is zero for transport
// errors. The client never retries; the queue's retry path owns that.
type Error struct {
	StatusCode int
	Msg        string
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetcher: status %d: %s", e.StatusCode, e.Msg)
	}
	return "fetcher: " + e.Msg
}

// Config parameterizes the Client.
type Config struct {
	APIKey         string
	BaseURL        string
	WebhookBaseURL string
	Timeout        time.Duration
}

// Client submits URLs to the fetcher's browser endpoint.
type Client struct {
	http        *resty.Client
	baseURL     string
	postbackURL string
	logger      *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := resty.New().
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetRetryCount(0)
	return &Client{
		http:        httpClient,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		postbackURL: strings.TrimRight(cfg.WebhookBaseURL, "/") + "/api/crawl/webhook",
		logger:      logger,
	}
}

type submitRequest struct {
	URL         string `json:"url"`
	Device      string `json:"device"`
	PostbackURL string `json:"postback_url"`
	PostID      string `json:"post_id"`
}

// Submit asks the fetcher to render url and deliver the result to our
// webhook tagged with postID.
func (c *Client) Submit(ctx context.Context, url, postID string) error {
	c.logger.Debug("submitting url to fetcher",
		zap.String("url", url),
		zap.String("post_id", postID),
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitRequest{
			URL:         url,
			Device:      "desktop",
			PostbackURL: c.postbackURL,
			PostID:      postID,
		}).
		Post(c.baseURL + "/v2/browser")
	if err != nil {
		return &Error{Msg: err.Error()}
	}
	if resp.StatusCode() >= 400 {
		return &Error{StatusCode: resp.StatusCode(), Msg: strings.TrimSpace(resp.String())}
	}
	return nil
}
