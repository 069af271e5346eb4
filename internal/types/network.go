// network.go — Captured network traffic types.
// A NetworkEntry is the in-memory record of one request/response pair as
// observed through the browser. Full request headers stay in memory only;
// everything that leaves the process goes through a redacted NetworkSummary.
package types

import "time"

// ============================================
// Captured Entries
// ============================================

// NetworkEntry is a single captured request/response pair.
// RequestHeaders carries the complete header set (including credentials)
// and is deliberately excluded from JSON serialization — summaries,
// snapshots, and events must never see it.
type NetworkEntry struct {
	ID           string    `json:"id"`
	Ts           time.Time `json:"ts"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	ResourceType string    `json:"resource_type,omitempty"`

	RequestHeaders    map[string]string `json:"-"`
	PostData          string            `json:"post_data,omitempty"`
	PostDataTruncated bool              `json:"post_data_truncated,omitempty"`

	Status          int               `json:"status,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ContentType     string            `json:"content_type,omitempty"`

	// Exactly one of the body fields is populated, or neither when the
	// body exceeded the storage limit (BodyDiscarded reports which).
	ResponseBodyText   string `json:"response_body_text,omitempty"`
	ResponseBodyBase64 string `json:"response_body_base64,omitempty"`
	BodyDiscarded      bool   `json:"body_discarded,omitempty"`

	// Completed is set once the response (or failure) has been observed.
	Completed   bool      `json:"completed"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// NetworkSummary is the redacted view of an entry returned by list/get.
// Snippet carries at most the first 2 KiB of the stored body text.
type NetworkSummary struct {
	ID           string            `json:"id"`
	Ts           time.Time         `json:"ts"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	ResourceType string            `json:"resource_type,omitempty"`
	Status       int               `json:"status,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Snippet      string            `json:"snippet,omitempty"`
	BodySize     int               `json:"body_size,omitempty"`
}

// ============================================
// Find / List Filters
// ============================================

// NetworkWhere is the filter accepted by network_find. The validator
// rejects any key outside this set, so a misspelled filter fails the
// pack instead of silently matching everything.
type NetworkWhere struct {
	URLIncludes         string `json:"urlIncludes,omitempty"`
	URLRegex            string `json:"urlRegex,omitempty"`
	Method              string `json:"method,omitempty"`
	ResourceType        string `json:"resourceType,omitempty"`
	Status              int    `json:"status,omitempty"`
	ContentTypeIncludes string `json:"contentTypeIncludes,omitempty"`
	BodyIncludes        string `json:"bodyIncludes,omitempty"`
}

// ListFilter selects which captured entries a listing includes.
type ListFilter string

const (
	ListAll ListFilter = "all"
	ListAPI ListFilter = "api"
	ListXHR ListFilter = "xhr"
)

// Pick breaks ties when several captured entries match a find filter.
type Pick string

const (
	PickFirst Pick = "first" // earliest matching entry
	PickLast  Pick = "last"  // most recently completed
)

// ============================================
// Replay Overrides
// ============================================

// ReplayOverrides mutates a captured or snapshotted request before it is
// re-issued. Application order is fixed: URLReplace, URL, BodyReplace,
// Body, SetQuery, SetHeaders. SetHeaders entries naming a sensitive
// header are silently dropped.
type ReplayOverrides struct {
	URLReplace  []FindReplace     `json:"urlReplace,omitempty"`
	URL         string            `json:"url,omitempty"`
	BodyReplace []FindReplace     `json:"bodyReplace,omitempty"`
	Body        *string           `json:"body,omitempty"`
	SetQuery    map[string]string `json:"setQuery,omitempty"`
	SetHeaders  map[string]string `json:"setHeaders,omitempty"`
}

// FindReplace is one regex substitution applied to a URL or body.
type FindReplace struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}
