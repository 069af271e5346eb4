// result.go — Run results and value scalars.
// A RunResult is always returned by value: flow failures are encoded in
// Success/FailedStepID/Meta.Notes, never thrown out of the runtime.
package types

import "strconv"

// Meta carries run-level metadata alongside the collectibles.
type Meta struct {
	URL        string `json:"url,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Notes      string `json:"notes,omitempty"`
}

// RunResult is the outcome of executing a flow.
// Collectibles only ever contains keys declared by the pack; hints are
// diagnostics accumulated without aborting the run.
type RunResult struct {
	Success      bool           `json:"success"`
	Collectibles map[string]any `json:"collectibles"`
	Meta         Meta           `json:"meta"`
	Hints        []string       `json:"_hints,omitempty"`
	FailedStepID string         `json:"failedStepId,omitempty"`
}

// ============================================
// Scalar Rendering
// ============================================

// RenderScalar converts a template/variable value to its canonical text
// form: integers without a decimal point, floats via the shortest
// round-trip form (so 3.0 renders "3", 2.5 renders "2.5"), booleans as
// true/false. Unknown types fall back to fmt-free best effort.
func RenderScalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	default:
		return ""
	}
}

// Truthy reports whether a variable value counts as true for
// var_truthy/var_falsy predicates: false, nil, "", 0 and "false"/"0"
// are falsy, everything else truthy.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != "" && x != "false" && x != "0"
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}
