// resolve.go — Template resolution over raw step params.
// Params stay raw JSON until dispatch; right before a step runs, every
// string in its params is rendered against the current scopes. Fields
// named "url" resolve in URL position so an undefined reference in a
// host never produces a truncated request target.
package runner

import (
	"encoding/json"

	"github.com/showrun/showrun/internal/template"
	"github.com/showrun/showrun/internal/types"
)

// resolveParams renders all templates inside a step's raw params.
func resolveParams(raw json.RawMessage, tmpl *template.Context) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, types.Wrap(types.KindValidation, err, "bad step params")
	}
	resolved, err := resolveValue(doc, "", tmpl)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "re-encoding step params")
	}
	return out, nil
}

func resolveValue(v any, key string, tmpl *template.Context) (any, error) {
	switch x := v.(type) {
	case string:
		if !template.HasTemplate(x) {
			return x, nil
		}
		if key == "url" {
			return template.ResolveURL(x, tmpl)
		}
		return template.Resolve(x, tmpl)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			resolved, err := resolveValue(item, k, tmpl)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			resolved, err := resolveValue(item, key, tmpl)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
