// replay.go — Re-issuing captured requests.
// Overrides apply in a fixed order (urlReplace, url, bodyReplace, body,
// setQuery, setHeaders); sensitive header names in setHeaders are
// silently dropped before the request is built. Execution goes through
// an injected HTTP doer so live runs share the browser's cookies while
// tests substitute httptest transports.
package capture

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/showrun/showrun/internal/redaction"
	"github.com/showrun/showrun/internal/types"
)

// Doer is the HTTP execution seam.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ReplayResult is the raw outcome of a replay. Truncated marks a body
// cut at MaxStoredBodyBytes; extraction from a truncated body must not
// silently parse a partial document.
type ReplayResult struct {
	Status      int
	ContentType string
	Headers     map[string]string
	Body        string
	Truncated   bool
}

// EffectiveRequest is the request a replay would issue after overrides:
// what goes on the wire, and what gets snapshotted.
type EffectiveRequest struct {
	Method  string
	URL     string
	Headers map[string]string // full set, sensitive values included
	Body    string
}

// BuildEffectiveRequest applies overrides to a captured entry in the
// fixed order. The returned header map still carries sensitive values —
// callers serialize it only via the snapshot facility, which strips them.
func BuildEffectiveRequest(entry *types.NetworkEntry, overrides *types.ReplayOverrides) (*EffectiveRequest, error) {
	eff := &EffectiveRequest{
		Method:  entry.Method,
		URL:     entry.URL,
		Body:    entry.PostData,
		Headers: make(map[string]string, len(entry.RequestHeaders)),
	}
	for k, v := range entry.RequestHeaders {
		eff.Headers[k] = v
	}
	if overrides == nil {
		return eff, nil
	}

	for _, fr := range overrides.URLReplace {
		re, err := regexp.Compile(fr.Find)
		if err != nil {
			return nil, types.Wrap(types.KindValidation, err, "bad urlReplace pattern")
		}
		eff.URL = re.ReplaceAllString(eff.URL, fr.Replace)
	}
	if overrides.URL != "" {
		eff.URL = overrides.URL
	}
	for _, fr := range overrides.BodyReplace {
		re, err := regexp.Compile(fr.Find)
		if err != nil {
			return nil, types.Wrap(types.KindValidation, err, "bad bodyReplace pattern")
		}
		eff.Body = re.ReplaceAllString(eff.Body, fr.Replace)
	}
	if overrides.Body != nil {
		eff.Body = *overrides.Body
	}
	if len(overrides.SetQuery) > 0 {
		u, err := url.Parse(eff.URL)
		if err != nil {
			return nil, types.Wrap(types.KindValidation, err, "override produced unparsable URL")
		}
		q := u.Query()
		for k, v := range overrides.SetQuery {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		eff.URL = u.String()
	}
	for k, v := range redaction.FilterOverrideHeaders(overrides.SetHeaders) {
		eff.Headers[k] = v
	}
	return eff, nil
}

// Replay executes a captured entry through the given doer after
// applying overrides. The doer is expected to carry the browser
// session's cookies when auth=browser_context.
func Replay(ctx context.Context, doer Doer, entry *types.NetworkEntry, overrides *types.ReplayOverrides) (*ReplayResult, error) {
	eff, err := BuildEffectiveRequest(entry, overrides)
	if err != nil {
		return nil, err
	}
	return Execute(ctx, doer, eff)
}

// Execute issues an effective request and reads the response.
func Execute(ctx context.Context, doer Doer, eff *EffectiveRequest) (*ReplayResult, error) {
	var bodyReader io.Reader
	if eff.Body != "" {
		bodyReader = strings.NewReader(eff.Body)
	}
	req, err := http.NewRequestWithContext(ctx, eff.Method, eff.URL, bodyReader)
	if err != nil {
		return nil, types.Wrap(types.KindReplay, err, "building replay request")
	}
	for k, v := range eff.Headers {
		req.Header.Set(k, v)
	}

	resp, err := doer.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.Wrap(types.KindCancelled, ctx.Err(), "replay cancelled")
		}
		return nil, types.Wrap(types.KindReplay, err, "replay request failed")
	}
	defer resp.Body.Close()

	// Read one byte past the cap so truncation is observable.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxStoredBodyBytes+1))
	if err != nil {
		return nil, types.Wrap(types.KindReplay, err, "reading replay response")
	}
	truncated := false
	if len(raw) > MaxStoredBodyBytes {
		raw = raw[:MaxStoredBodyBytes]
		truncated = true
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &ReplayResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Headers:     headers,
		Body:        string(raw),
		Truncated:   truncated,
	}, nil
}
