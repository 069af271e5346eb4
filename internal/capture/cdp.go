// cdp.go — Wiring the capture buffer to a Chrome DevTools session.
// Listens for request/response lifecycle events on a chromedp context
// and feeds them into the buffer. Body retrieval happens on
// loadingFinished, from a goroutine: Network.getResponseBody is a CDP
// round trip and must not block the event listener.
package capture

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// AttachCDP subscribes the capture to all network activity on the given
// chromedp context. Call once per page context; the subscription ends
// with the context.
func (c *Capture) AttachCDP(ctx context.Context) {
	var mu sync.Mutex
	cdpToInternal := make(map[network.RequestID]string)

	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			headers := flattenHeaders(ev.Request.Headers)
			var postData string
			if len(ev.Request.PostDataEntries) > 0 {
				for _, e := range ev.Request.PostDataEntries {
					postData += e.Bytes
				}
			}
			entry := c.StartRequest(
				ev.Request.Method,
				ev.Request.URL,
				string(ev.Type),
				headers,
				postData,
			)
			mu.Lock()
			cdpToInternal[ev.RequestID] = entry.ID
			mu.Unlock()

		case *network.EventLoadingFinished:
			mu.Lock()
			id, ok := cdpToInternal[ev.RequestID]
			delete(cdpToInternal, ev.RequestID)
			mu.Unlock()
			if !ok {
				return
			}
			requestID := ev.RequestID
			go c.fetchBody(ctx, requestID, id)

		case *network.EventLoadingFailed:
			mu.Lock()
			delete(cdpToInternal, ev.RequestID)
			mu.Unlock()
		}
	})

	// Response metadata arrives before loadingFinished; record it as a
	// second listener so the switch above stays about lifecycle.
	chromedp.ListenTarget(ctx, func(ev any) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok {
			return
		}
		mu.Lock()
		id, known := cdpToInternal[resp.RequestID]
		mu.Unlock()
		if !known {
			return
		}
		c.mu.Lock()
		if entry, live := c.byID[id]; live {
			entry.Status = int(resp.Response.Status)
			entry.ContentType = resp.Response.MimeType
			entry.ResponseHeaders = flattenHeaders(resp.Response.Headers)
		}
		c.mu.Unlock()
	})
}

// fetchBody pulls the response body over CDP and completes the entry.
func (c *Capture) fetchBody(ctx context.Context, cdpID network.RequestID, internalID string) {
	var body []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(cdpID).Do(ctx)
		return err
	}))

	c.mu.Lock()
	entry, ok := c.byID[internalID]
	var status int
	var headers map[string]string
	var contentType string
	if ok {
		status = entry.Status
		headers = entry.ResponseHeaders
		contentType = entry.ContentType
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		// Body unavailable (redirect, cached, or tab gone): keep the
		// metadata-only entry.
		body = nil
	}
	c.CompleteResponse(internalID, status, headers, contentType, body)
}

// flattenHeaders converts CDP's map[string]any headers to strings.
func flattenHeaders(h network.Headers) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
