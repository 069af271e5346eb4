// replayer.go — Issuing snapshotted requests without a browser.
// The replayer resolves templates in the persisted request against the
// current run scopes, executes it with a bounded timeout, and checks
// the response against the snapshot's validation metadata. A
// validation mismatch is reported as its own error kind so the caller
// can decline HTTP-only mode and fall back to the browser.
package snapshot

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/showrun/showrun/internal/capture"
	"github.com/showrun/showrun/internal/template"
	"github.com/showrun/showrun/internal/types"
)

// DefaultTimeout bounds one snapshot replay.
const DefaultTimeout = 30 * time.Second

// Replayer executes snapshots over plain HTTP.
type Replayer struct {
	// Client defaults to a plain http.Client; tests inject httptest
	// transports.
	Client capture.Doer

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

func (r *Replayer) client() capture.Doer {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{}
}

func (r *Replayer) timeout() time.Duration {
	if r.Timeout > 0 {
		return r.Timeout
	}
	return DefaultTimeout
}

// Replay resolves the snapshot's request templates, issues it, and
// validates the response. The returned result is ready for the normal
// network_replay out-path.
func (r *Replayer) Replay(ctx context.Context, snap *types.RequestSnapshot, tmpl *template.Context) (*capture.ReplayResult, error) {
	eff, err := resolveRequest(snap, tmpl)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	res, err := capture.Execute(ctx, r.client(), eff)
	if err != nil {
		return nil, err
	}
	if err := Validate(snap.ResponseValidation, res); err != nil {
		return nil, err
	}
	return res, nil
}

// resolveRequest renders the snapshot's templated fields against the
// current scopes.
func resolveRequest(snap *types.RequestSnapshot, tmpl *template.Context) (*capture.EffectiveRequest, error) {
	url, err := template.ResolveURL(snap.Request.URL, tmpl)
	if err != nil {
		return nil, err
	}
	body, err := template.Resolve(snap.Request.Body, tmpl)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(snap.Request.Headers))
	for k, v := range snap.Request.Headers {
		resolved, err := template.Resolve(v, tmpl)
		if err != nil {
			return nil, err
		}
		headers[k] = resolved
	}
	return &capture.EffectiveRequest{
		Method:  snap.Request.Method,
		URL:     url,
		Headers: headers,
		Body:    body,
	}, nil
}

// Validate checks a replayed response against the snapshot's
// expectations.
func Validate(want types.ResponseValidation, got *capture.ReplayResult) error {
	if want.ExpectedStatus != 0 && got.Status != want.ExpectedStatus {
		return types.Errorf(types.KindResponseValidation,
			"status %d, snapshot expects %d", got.Status, want.ExpectedStatus)
	}
	if want.ExpectedContentType != "" &&
		!strings.Contains(strings.ToLower(got.ContentType), strings.ToLower(want.ExpectedContentType)) {
		return types.Errorf(types.KindResponseValidation,
			"content type %q, snapshot expects %q", got.ContentType, want.ExpectedContentType)
	}
	if len(want.ExpectedKeys) > 0 {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal([]byte(got.Body), &doc); err != nil {
			return types.Wrap(types.KindResponseValidation, err,
				"snapshot expects JSON keys but the body is not a JSON object")
		}
		for _, key := range want.ExpectedKeys {
			if _, ok := doc[key]; !ok {
				return types.Errorf(types.KindResponseValidation, "response is missing expected key %q", key)
			}
		}
	}
	return nil
}
