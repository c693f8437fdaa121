package crawl

import "strings"

const correlationPrefix = "crawl-"

// CorrelationID builds the token round-tripped with the fetcher:
// crawl-{job_id}-{kind}-{item_id}.
func CorrelationID(jobID string, kind URLKind, itemID string) string {
	return correlationPrefix + jobID + "-" + string(kind) + "-" + itemID
}

// ParseCorrelationID splits a fetcher post id back into its parts. Job ids
// may themselves contain dashes, so the kind and item id anchor from the
// right. Returns ok=false for anything malformed, including unknown kinds.
func ParseCorrelationID(postID string) (jobID string, kind URLKind, itemID string, ok bool) {
	if !strings.HasPrefix(postID, correlationPrefix) {
		return "", "", "", false
	}
	parts := strings.Split(postID, "-")
	if len(parts) < 4 {
		return "", "", "", false
	}
	kind = URLKind(parts[len(parts)-2])
	itemID = parts[len(parts)-1]
	jobID = strings.Join(parts[1:len(parts)-2], "-")
	if !kind.Valid() || itemID == "" || jobID == "" {
		return "", "", "", false
	}
	return jobID, kind, itemID, true
}
