package fetcher

// WebhookPayload is the callback body the fetcher posts to our webhook.
type WebhookPayload struct {
	Status  string          `json:"status"`
	Results []WebhookResult `json:"results"`

	// Some fetcher deployments deliver a single result at the top level
	// instead of wrapping it in results.
	Success    *bool  `json:"success,omitempty"`
	URL        string `json:"url,omitempty"`
	PayloadURL string `json:"html,omitempty"`
	PostID     string `json:"post_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// WebhookResult is one fetched page in a callback.
type WebhookResult struct {
	Success bool `json:"success"`
	// URL is the original page URL the fetcher rendered.
	URL string `json:"url"`
	// PayloadURL points at the stored page payload.
	PayloadURL string `json:"html"`
	PostID     string `json:"post_id"`
	RequestID  string `json:"request_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Flatten normalizes both payload shapes into a result list.
func (p WebhookPayload) Flatten() []WebhookResult {
	if len(p.Results) > 0 {
		return p.Results
	}
	if p.Success != nil {
		return []WebhookResult{{
			Success:    *p.Success,
			URL:        p.URL,
			PayloadURL: p.PayloadURL,
			PostID:     p.PostID,
			Error:      p.Error,
		}}
	}
	return nil
}
