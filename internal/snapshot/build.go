// build.go — Turning a live replay into a persisted snapshot.
// The effective request still carries sensitive header values when it
// reaches here. A sensitive header whose value derives from a declared
// secret is generalized back to its {{secret.NAME}} template, so the
// replayer re-resolves it at replay time and the raw value never hits
// disk. Sensitive headers with no secret binding (browser session
// cookies) are recorded by name only.
package snapshot

import (
	"sort"
	"strings"
	"time"

	"github.com/showrun/showrun/internal/capture"
	"github.com/showrun/showrun/internal/redaction"
	"github.com/showrun/showrun/internal/types"
)

// minGeneralizedSecretLen matches the scrubber's floor; shorter values
// are too collision-prone to substitute structurally.
const minGeneralizedSecretLen = 4

// Build produces the persisted form of one network_replay execution.
// ttl of zero means no expiry.
func Build(stepID string, eff *capture.EffectiveRequest, overrides *types.ReplayOverrides, validation types.ResponseValidation, ttl time.Duration, secrets map[string]string) *types.RequestSnapshot {
	headers := make(map[string]string, len(eff.Headers))
	var sensitive []string
	for k, v := range eff.Headers {
		if redaction.IsSensitiveHeader(k) {
			sensitive = append(sensitive, strings.ToLower(k))
			if templated, ok := generalizeSecret(v, secrets); ok {
				headers[k] = templated
			}
			continue
		}
		headers[k] = v
	}
	sort.Strings(sensitive)

	snap := &types.RequestSnapshot{
		StepID:     stepID,
		CapturedAt: time.Now(),
		Request: types.SnapshotRequest{
			Method:  eff.Method,
			URL:     eff.URL,
			Headers: headers,
			Body:    eff.Body,
		},
		Overrides:          overrides,
		ResponseValidation: validation,
		SensitiveHeaders:   sensitive,
	}
	if ttl > 0 {
		d := types.Duration(ttl)
		snap.TTL = &d
	}
	return snap
}

// generalizeSecret rewrites every declared secret value inside a header
// back to its {{secret.NAME}} placeholder. The header is kept only when
// at least one secret matched; scheme scaffolding like "Bearer " stays
// literal.
func generalizeSecret(value string, secrets map[string]string) (string, bool) {
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	// Longest value first, so a secret that is a substring of another
	// cannot shadow it; ties break on name for determinism.
	sort.Slice(names, func(i, j int) bool {
		li, lj := len(secrets[names[i]]), len(secrets[names[j]])
		if li != lj {
			return li > lj
		}
		return names[i] < names[j]
	})

	matched := false
	for _, name := range names {
		sv := secrets[name]
		if len(sv) < minGeneralizedSecretLen || !strings.Contains(value, sv) {
			continue
		}
		value = strings.ReplaceAll(value, sv, "{{secret."+name+"}}")
		matched = true
	}
	return value, matched
}

// ValidationFromResult derives response-validation metadata from what a
// live replay actually returned, so the snapshot asserts the shape the
// flow was built against.
func ValidationFromResult(status int, contentType string, bodyKeys []string) types.ResponseValidation {
	v := types.ResponseValidation{ExpectedStatus: status}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	v.ExpectedContentType = strings.TrimSpace(contentType)
	v.ExpectedKeys = bodyKeys
	return v
}
