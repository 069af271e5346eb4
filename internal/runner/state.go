// state.go — Per-run mutable scopes.
// One RunState exists per run: immutable inputs and secrets, mutable
// vars and collectibles owned by the interpreter goroutine. Writes
// from step k are visible to step k+1 because there is exactly one
// writer. Snapshots support retry rollback and the once-cache.
package runner

import (
	"bytes"
	"encoding/json"

	"github.com/showrun/showrun/internal/redaction"
	"github.com/showrun/showrun/internal/template"
)

// RunState is the vars/collectibles/secrets triple plus diagnostics.
type RunState struct {
	Inputs       map[string]any
	Vars         map[string]any
	Collectibles map[string]any
	Secrets      map[string]string

	Scrubber *redaction.Scrubber
	Hints    []string
}

// NewRunState builds the scopes for one run.
func NewRunState(inputs map[string]any, secrets map[string]string) *RunState {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &RunState{
		Inputs:       inputs,
		Vars:         map[string]any{},
		Collectibles: map[string]any{},
		Secrets:      secrets,
		Scrubber:     redaction.NewScrubber(secrets),
	}
}

// TemplateContext exposes the scopes to the template engine.
func (s *RunState) TemplateContext() *template.Context {
	return &template.Context{
		Inputs:   s.Inputs,
		Vars:     s.Vars,
		Secrets:  s.Secrets,
		Scrubber: s.Scrubber,
	}
}

// Var satisfies flow.VarReader for skip_if predicates.
func (s *RunState) Var(name string) (any, bool) {
	v, ok := s.Vars[name]
	return v, ok
}

// AddHint records a diagnostic without failing the run.
func (s *RunState) AddHint(hint string) {
	s.Hints = append(s.Hints, s.Scrubber.Scrub(hint))
}

// ============================================
// Snapshots
// ============================================

// writeSnapshot is a point-in-time copy of the mutable scopes.
type writeSnapshot struct {
	vars         map[string]any
	collectibles map[string]any
}

func copyScope(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// snapshot copies the current vars and collectibles.
func (s *RunState) snapshot() writeSnapshot {
	return writeSnapshot{vars: copyScope(s.Vars), collectibles: copyScope(s.Collectibles)}
}

// restore rewinds the scopes to a snapshot, discarding later writes.
func (s *RunState) restore(snap writeSnapshot) {
	s.Vars = copyScope(snap.vars)
	s.Collectibles = copyScope(snap.collectibles)
}

// diff returns what changed since the snapshot: the step's writes.
func (s *RunState) diff(before writeSnapshot) OnceRecord {
	rec := OnceRecord{Vars: map[string]any{}, Collectibles: map[string]any{}}
	for k, v := range s.Vars {
		if prev, ok := before.vars[k]; !ok || changed(prev, v) {
			rec.Vars[k] = v
		}
	}
	for k, v := range s.Collectibles {
		if prev, ok := before.collectibles[k]; !ok || changed(prev, v) {
			rec.Collectibles[k] = v
		}
	}
	return rec
}

// changed compares values structurally. Values here come from JSON or
// step params, so JSON encoding is a total comparison; direct ==
// would panic on maps and slices.
func changed(prev, v any) bool {
	pb, _ := json.Marshal(prev)
	vb, _ := json.Marshal(v)
	return !bytes.Equal(pb, vb)
}

// apply replays a once-cache record into the scopes, returning the
// restored key names for the step_skipped event.
func (s *RunState) apply(rec OnceRecord) (vars, collectibles []string) {
	for k, v := range rec.Vars {
		s.Vars[k] = v
		vars = append(vars, k)
	}
	for k, v := range rec.Collectibles {
		s.Collectibles[k] = v
		collectibles = append(collectibles, k)
	}
	return vars, collectibles
}
