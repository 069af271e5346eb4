// validate.go — Flow validation.
// All discovered problems are aggregated into one FlowValidationError so
// a pack author fixes everything in a single round trip. The per-kind
// checks come from the same registry the interpreter dispatches on.
package pack

import (
	"fmt"
	"regexp"

	"github.com/jmespath/go-jmespath"

	"github.com/showrun/showrun/internal/flow"
)

// requestIDTemplate matches `{{vars.NAME}}` (filters allowed) inside a
// network_replay requestId.
var requestIDTemplate = regexp.MustCompile(`^\{\{\s*vars\.([A-Za-z0-9_]+)\s*(?:\|[^}]*)?\}\}$`)

// ValidateFlow checks the structural and referential invariants of a
// loaded pack. Returns a FlowValidationError carrying every problem, or
// nil.
func ValidateFlow(p *Pack) error {
	var problems []string

	declared := p.DeclaredCollectibles()
	seenIDs := make(map[string]bool, len(p.Doc.Flow))
	savedVars := make(map[string]bool)

	for i := range p.Doc.Flow {
		s := &p.Doc.Flow[i]

		if s.ID == "" {
			problems = append(problems, fmt.Sprintf("flow[%d]: step id missing", i))
		} else if seenIDs[s.ID] {
			problems = append(problems, fmt.Sprintf("step %s: duplicate id", s.ID))
		}
		seenIDs[s.ID] = true

		info, known := flow.Registry[s.Type]
		if !known {
			problems = append(problems, fmt.Sprintf("step %s: unknown kind %q", s.ID, s.Type))
			continue
		}
		if info.Validate != nil {
			problems = append(problems, info.Validate(s)...)
		}

		// out ↔ declared collectibles
		for _, out := range flow.Outs(s) {
			if _, ok := declared[out]; !ok {
				problems = append(problems, fmt.Sprintf(
					"step %s: out %q is not a declared collectible", s.ID, out))
			}
		}

		// requestId templates must reference a saveAs var set earlier
		if s.Type == flow.KindNetworkReplay {
			problems = append(problems, checkRequestID(s, savedVars)...)
		}

		// JMESPath expressions must at least compile
		problems = append(problems, checkJMESPaths(s)...)

		for _, name := range flow.SavedVars(s) {
			savedVars[name] = true
		}
	}

	problems = append(problems, validateRecoveryFlow(p)...)

	if len(problems) > 0 {
		return classify(&FlowValidationError{Problems: problems})
	}
	return nil
}

// checkRequestID enforces the requestId invariant: a template must refer
// to a previously saved var; a bare literal is permitted (it only
// matches during capture of a fresh live run).
func checkRequestID(s *flow.Step, savedVars map[string]bool) []string {
	var p flow.NetworkReplayParams
	if err := s.DecodeParams(&p); err != nil {
		return nil // shape errors already reported by the kind validator
	}
	m := requestIDTemplate.FindStringSubmatch(p.RequestID)
	if m == nil {
		return nil
	}
	if !savedVars[m[1]] {
		return []string{fmt.Sprintf(
			"step %s: requestId references vars.%s before any step saves it", s.ID, m[1])}
	}
	return nil
}

// checkJMESPaths compiles any JMESPath expressions a step carries.
func checkJMESPaths(s *flow.Step) []string {
	var paths []string
	switch s.Type {
	case flow.KindNetworkReplay:
		var p flow.NetworkReplayParams
		if err := s.DecodeParams(&p); err == nil && p.Response != nil && p.Response.Path != "" {
			paths = append(paths, p.Response.Path)
		}
	case flow.KindNetworkExtract:
		var p flow.NetworkExtractParams
		if err := s.DecodeParams(&p); err == nil && p.Path != "" {
			paths = append(paths, p.Path)
		}
	}
	var problems []string
	for _, path := range paths {
		if _, err := jmespath.Compile(path); err != nil {
			problems = append(problems, fmt.Sprintf("step %s: bad JMESPath %q: %v", s.ID, path, err))
		}
	}
	return problems
}

// validateRecoveryFlow applies the same per-step checks to the auth
// recovery sub-flow, which shares the step model but has no collectibles.
func validateRecoveryFlow(p *Pack) []string {
	if p.Manifest.Auth == nil {
		return nil
	}
	var problems []string
	seen := make(map[string]bool)
	for i := range p.Manifest.Auth.Recovery {
		s := &p.Manifest.Auth.Recovery[i]
		if s.ID == "" {
			problems = append(problems, fmt.Sprintf("auth.recovery[%d]: step id missing", i))
		} else if seen[s.ID] {
			problems = append(problems, fmt.Sprintf("auth.recovery step %s: duplicate id", s.ID))
		}
		seen[s.ID] = true
		info, known := flow.Registry[s.Type]
		if !known {
			problems = append(problems, fmt.Sprintf("auth.recovery step %s: unknown kind %q", s.ID, s.Type))
			continue
		}
		if info.Validate != nil {
			problems = append(problems, info.Validate(s)...)
		}
		if outs := flow.Outs(s); len(outs) > 0 {
			problems = append(problems, fmt.Sprintf(
				"auth.recovery step %s: recovery steps cannot write collectibles", s.ID))
		}
	}
	return problems
}
