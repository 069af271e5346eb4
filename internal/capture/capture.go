// capture.go — The per-page network capture buffer.
// Records request/response pairs observed through the browser into a
// rolling buffer bounded at 300 entries and a 50 MiB aggregate estimate.
// Full request headers stay in memory only; everything exported from
// here is redacted. Thread-safe: the buffer has its own lock, the id
// index is guarded here.
package capture

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/showrun/showrun/internal/buffers"
	"github.com/showrun/showrun/internal/types"
)

const (
	// MaxEntries bounds the rolling buffer.
	MaxEntries = 300
	// MaxBufferBytes bounds the aggregate memory estimate.
	MaxBufferBytes = 50 << 20
	// MaxPostDataBytes truncates oversized request bodies at ingest.
	MaxPostDataBytes = 64 << 10
	// MaxStoredBodyBytes is the largest response body kept at all.
	MaxStoredBodyBytes = 5 << 20

	// entryOverhead is the fixed per-entry memory estimate beyond its
	// string fields.
	entryOverhead = 300
)

// Capture is one session's network record.
type Capture struct {
	mu   sync.RWMutex
	byID map[string]*types.NetworkEntry

	buf       *buffers.Rolling[*types.NetworkEntry]
	idCounter int64
}

// New creates an empty capture buffer.
func New() *Capture {
	c := &Capture{byID: make(map[string]*types.NetworkEntry)}
	c.buf = buffers.NewRolling[*types.NetworkEntry](
		MaxEntries, MaxBufferBytes, entryMemory,
		func(e *types.NetworkEntry) {
			// Rolling holds its own lock here; byID has a separate one,
			// acquired after — ordering is always buf → byID.
			c.mu.Lock()
			delete(c.byID, e.ID)
			c.mu.Unlock()
		},
	)
	return c
}

// entryMemory estimates one entry's footprint at ingest time (bodies
// arrive later and are reported through Grow).
func entryMemory(e *types.NetworkEntry) int64 {
	n := int64(len(e.URL) + len(e.PostData) + entryOverhead)
	for k, v := range e.RequestHeaders {
		n += int64(len(k) + len(v))
	}
	return n
}

// ============================================
// Ingest
// ============================================

// StartRequest records a request, assigning its internal id. PostData
// beyond MaxPostDataBytes is truncated.
func (c *Capture) StartRequest(method, url, resourceType string, headers map[string]string, postData string) *types.NetworkEntry {
	truncated := false
	if len(postData) > MaxPostDataBytes {
		postData = postData[:MaxPostDataBytes]
		truncated = true
	}

	c.mu.Lock()
	c.idCounter++
	id := fmt.Sprintf("net-%d", c.idCounter)
	c.mu.Unlock()

	entry := &types.NetworkEntry{
		ID:                id,
		Ts:                time.Now(),
		Method:            method,
		URL:               url,
		ResourceType:      resourceType,
		RequestHeaders:    headers,
		PostData:          postData,
		PostDataTruncated: truncated,
	}

	c.buf.Append(entry)
	c.mu.Lock()
	c.byID[id] = entry
	c.mu.Unlock()
	return entry
}

// CompleteResponse attaches the response to a stored entry and applies
// the body storage policy. A gzip body is decompressed before any size
// decision is made.
func (c *Capture) CompleteResponse(id string, status int, headers map[string]string, contentType string, body []byte) {
	c.mu.Lock()
	entry, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return // evicted before the response arrived
	}

	if isGzip(headers, body) {
		if decoded, err := gunzip(body); err == nil {
			body = decoded
		}
	}

	c.mu.Lock()
	entry.Status = status
	entry.ResponseHeaders = headers
	entry.ContentType = contentType
	entry.Completed = true
	entry.CompletedAt = time.Now()

	var grew int64
	switch {
	case len(body) == 0:
		// nothing to store
	case len(body) > MaxStoredBodyBytes:
		entry.BodyDiscarded = true
	case isTextLike(contentType, body):
		entry.ResponseBodyText = string(body)
		grew = int64(len(entry.ResponseBodyText))
	default:
		entry.ResponseBodyBase64 = base64.StdEncoding.EncodeToString(body)
		grew = int64(len(entry.ResponseBodyBase64))
	}
	for k, v := range headers {
		grew += int64(len(k) + len(v))
	}
	c.mu.Unlock()

	c.buf.Grow(grew)
}

// ============================================
// Body Policy Helpers
// ============================================

// isTextLike decides text storage: a text/JSON content type, or a body
// whose first significant byte opens a JSON document.
func isTextLike(contentType string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "json") || strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "xml") || strings.Contains(ct, "javascript") ||
		strings.Contains(ct, "x-www-form-urlencoded") {
		return true
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return utf8.Valid(body)
	}
	return false
}

func isGzip(headers map[string]string, body []byte) bool {
	for k, v := range headers {
		if strings.EqualFold(k, "content-encoding") && strings.Contains(strings.ToLower(v), "gzip") {
			return true
		}
	}
	return len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b
}

func gunzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	// Bound decompression at the storage cap plus one byte so oversize
	// detection still works without inflating a zip bomb fully.
	return io.ReadAll(io.LimitReader(r, MaxStoredBodyBytes+1))
}

// ============================================
// Accessors
// ============================================

// Len returns how many entries are currently buffered.
func (c *Capture) Len() int { return c.buf.Len() }

// Bytes returns the aggregate memory estimate.
func (c *Capture) Bytes() int64 { return c.buf.Bytes() }

// Clear drops all entries.
func (c *Capture) Clear() { c.buf.Clear() }

// get returns the live entry for id.
func (c *Capture) get(id string) (*types.NetworkEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	return e, ok
}

// Entry returns the full entry for id. Callers inside the runtime only;
// anything user-facing goes through Get (redacted).
func (c *Capture) Entry(id string) (*types.NetworkEntry, bool) {
	return c.get(id)
}

// GetResponseBody returns the decoded text of a stored body.
func (c *Capture) GetResponseBody(id string) (string, error) {
	entry, ok := c.get(id)
	if !ok {
		return "", types.Errorf(types.KindNetworkRequestNotFound, "no captured entry %q", id)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case entry.ResponseBodyText != "":
		return entry.ResponseBodyText, nil
	case entry.ResponseBodyBase64 != "":
		decoded, err := base64.StdEncoding.DecodeString(entry.ResponseBodyBase64)
		if err != nil {
			return "", types.Wrap(types.KindInternal, err, "stored body corrupt")
		}
		return string(decoded), nil
	case entry.BodyDiscarded:
		return "", types.Errorf(types.KindNetworkRequestNotFound,
			"body of %q exceeded the storage limit and was discarded", id)
	default:
		return "", nil
	}
}
