// snapshot.go — Persisted request snapshot types.
// A RequestSnapshot is the replayable record of a network_replay step's
// effective request, written during a live run and consumed by the
// HTTP-only replayer. Sensitive header *names* are recorded so the
// replayer knows which headers must be re-supplied; their values are
// never serialized.
package types

import "time"

// SnapshotRequest is the request portion of a snapshot. Sensitive
// headers appear in Headers only in {{secret.*}} templated form; any
// that could not be generalized were stripped, leaving just their name
// in RequestSnapshot.SensitiveHeaders.
type SnapshotRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ResponseValidation describes what a replayed response must look like
// for the snapshot to be trusted.
type ResponseValidation struct {
	ExpectedStatus      int      `json:"expectedStatus,omitempty"`
	ExpectedContentType string   `json:"expectedContentType,omitempty"`
	ExpectedKeys        []string `json:"expectedKeys,omitempty"`
}

// RequestSnapshot is one persisted, replayable request keyed by step id.
// TTL of nil means the snapshot never goes stale.
type RequestSnapshot struct {
	StepID             string             `json:"stepId"`
	CapturedAt         time.Time          `json:"capturedAt"`
	TTL                *Duration          `json:"ttl"`
	Request            SnapshotRequest    `json:"request"`
	Overrides          *ReplayOverrides   `json:"overrides,omitempty"`
	ResponseValidation ResponseValidation `json:"responseValidation"`
	SensitiveHeaders   []string           `json:"sensitiveHeaders,omitempty"`
}

// Stale reports whether the snapshot has outlived its TTL as of now.
// A nil TTL never goes stale; staleness begins exactly when
// now − capturedAt ≥ ttl.
func (s *RequestSnapshot) Stale(now time.Time) bool {
	if s.TTL == nil {
		return false
	}
	return now.Sub(s.CapturedAt) >= time.Duration(*s.TTL)
}

// SnapshotFile is the on-disk layout of snapshots.json.
type SnapshotFile struct {
	Version   int                         `json:"version"`
	Snapshots map[string]*RequestSnapshot `json:"snapshots"`
}

// Duration is a time.Duration that serializes as its string form
// ("30m", "2h") so snapshot files stay human-readable.
type Duration time.Duration

// MarshalJSON renders the duration as a quoted Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted duration string or a number of
// nanoseconds (the form older snapshot files used).
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) >= 2 && data[0] == '"' {
		parsed, err := time.ParseDuration(string(data[1 : len(data)-1]))
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := unmarshalInt(data, &ns); err != nil {
		return err
	}
	*d = Duration(ns)
	return nil
}

// unmarshalInt parses an integer literal without pulling encoding/json
// into a hot path. Snapshot files are small; simplicity wins.
func unmarshalInt(data []byte, out *int64) error {
	var n int64
	neg := false
	for i, c := range data {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return &Error{Kind: KindValidation, Message: "invalid duration literal"}
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	*out = n
	return nil
}
