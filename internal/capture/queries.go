// queries.go — Listing and finding captured entries.
// Everything returned here is redacted: summaries carry non-sensitive
// headers and at most a 2 KiB body snippet. find works on a consistent
// snapshot of the buffer so pick=last is stable under concurrent ingest.
package capture

import (
	"regexp"
	"strings"

	"github.com/showrun/showrun/internal/redaction"
	"github.com/showrun/showrun/internal/types"
)

// ============================================
// Summaries
// ============================================

// summarize builds the redacted view of an entry. Caller must hold mu
// at least for reading.
func (c *Capture) summarizeLocked(e *types.NetworkEntry) types.NetworkSummary {
	body := e.ResponseBodyText
	return types.NetworkSummary{
		ID:           e.ID,
		Ts:           e.Ts,
		Method:       e.Method,
		URL:          e.URL,
		ResourceType: e.ResourceType,
		Status:       e.Status,
		ContentType:  e.ContentType,
		Headers:      redaction.StripSensitive(e.ResponseHeaders),
		Snippet:      redaction.Snippet(body),
		BodySize:     len(body) + len(e.ResponseBodyBase64),
	}
}

// List returns redacted summaries, newest last. filter narrows to
// API-ish traffic: fetch/xhr resource types or URLs containing /api/ or
// graphql.
func (c *Capture) List(limit int, filter types.ListFilter) []types.NetworkSummary {
	entries := c.buf.Snapshot()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.NetworkSummary, 0, len(entries))
	for _, e := range entries {
		if !matchesListFilter(e, filter) {
			continue
		}
		out = append(out, c.summarizeLocked(e))
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Get returns one redacted summary.
func (c *Capture) Get(id string) (types.NetworkSummary, bool) {
	entry, ok := c.get(id)
	if !ok {
		return types.NetworkSummary{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summarizeLocked(entry), true
}

func matchesListFilter(e *types.NetworkEntry, filter types.ListFilter) bool {
	switch filter {
	case "", types.ListAll:
		return true
	case types.ListAPI, types.ListXHR:
		rt := strings.ToLower(e.ResourceType)
		if rt == "fetch" || rt == "xhr" {
			return true
		}
		return strings.Contains(e.URL, "/api/") || strings.Contains(strings.ToLower(e.URL), "graphql")
	default:
		return false
	}
}

// ============================================
// Find
// ============================================

// Find scans the buffer for entries matching where and applies the pick
// tie-break: last = most recently completed, first = earliest captured.
func (c *Capture) Find(where types.NetworkWhere, pick types.Pick) (*types.NetworkEntry, error) {
	var urlRe *regexp.Regexp
	if where.URLRegex != "" {
		re, err := regexp.Compile(where.URLRegex)
		if err != nil {
			return nil, types.Wrap(types.KindValidation, err, "bad urlRegex")
		}
		urlRe = re
	}

	entries := c.buf.Snapshot()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var matches []*types.NetworkEntry
	for _, e := range entries {
		if c.matchesWhereLocked(e, &where, urlRe) {
			matches = append(matches, e)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}

	if pick == types.PickFirst {
		return matches[0], nil
	}
	// pick=last: most recently completed wins; entries still awaiting a
	// response rank below any completed match, latest-captured among
	// themselves.
	best := matches[0]
	for _, e := range matches[1:] {
		if betterLast(e, best) {
			best = e
		}
	}
	return best, nil
}

func betterLast(candidate, current *types.NetworkEntry) bool {
	if candidate.Completed != current.Completed {
		return candidate.Completed
	}
	if candidate.Completed {
		return candidate.CompletedAt.After(current.CompletedAt)
	}
	return candidate.Ts.After(current.Ts)
}

func (c *Capture) matchesWhereLocked(e *types.NetworkEntry, where *types.NetworkWhere, urlRe *regexp.Regexp) bool {
	if where.URLIncludes != "" && !strings.Contains(e.URL, where.URLIncludes) {
		return false
	}
	if urlRe != nil && !urlRe.MatchString(e.URL) {
		return false
	}
	if where.Method != "" && !strings.EqualFold(e.Method, where.Method) {
		return false
	}
	if where.ResourceType != "" && !strings.EqualFold(e.ResourceType, where.ResourceType) {
		return false
	}
	if where.Status != 0 && e.Status != where.Status {
		return false
	}
	if where.ContentTypeIncludes != "" &&
		!strings.Contains(strings.ToLower(e.ContentType), strings.ToLower(where.ContentTypeIncludes)) {
		return false
	}
	if where.BodyIncludes != "" && !strings.Contains(e.ResponseBodyText, where.BodyIncludes) {
		return false
	}
	return true
}
