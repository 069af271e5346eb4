// target.go — Human-stable element references.
// A Target names an element the way a person would (role, label, text)
// with a CSS fallback; the driver resolves it in that priority order.
// Scope and proximity compose onto any kind.
package flow

import "strings"

// TargetKind selects the resolution strategy.
type TargetKind string

const (
	TargetRole  TargetKind = "role"
	TargetLabel TargetKind = "label"
	TargetText  TargetKind = "text"
	TargetCSS   TargetKind = "css"
)

// Target is a human-stable reference to a DOM element.
type Target struct {
	Kind TargetKind `json:"kind"`

	// role
	Role string `json:"role,omitempty"`
	Name string `json:"name,omitempty"`

	// label / text
	Text  string `json:"text,omitempty"`
	Exact bool   `json:"exact,omitempty"`

	// css
	Selector string `json:"selector,omitempty"`

	// Composition: restrict resolution to descendants of Within, or
	// prefer matches spatially near Near.
	Within *Target `json:"within,omitempty"`
	Near   *Target `json:"near,omitempty"`
}

// FromSelector wraps a bare CSS selector as a Target, used by the step
// kinds that accept either a target or a selector param.
func FromSelector(selector string) *Target {
	return &Target{Kind: TargetCSS, Selector: selector}
}

// Describe renders the target for error messages and hints.
func (t *Target) Describe() string {
	if t == nil {
		return "<nil target>"
	}
	var b strings.Builder
	switch t.Kind {
	case TargetRole:
		b.WriteString("role=" + t.Role)
		if t.Name != "" {
			b.WriteString(" name=" + quote(t.Name))
		}
	case TargetLabel:
		b.WriteString("label=" + quote(t.Text))
	case TargetText:
		b.WriteString("text=" + quote(t.Text))
	case TargetCSS:
		b.WriteString("css=" + t.Selector)
	default:
		b.WriteString("unknown target kind " + string(t.Kind))
	}
	if t.Within != nil {
		b.WriteString(" within(" + t.Within.Describe() + ")")
	}
	if t.Near != nil {
		b.WriteString(" near(" + t.Near.Describe() + ")")
	}
	return b.String()
}

// Valid reports whether the target carries the fields its kind needs.
func (t *Target) Valid() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case TargetRole:
		return t.Role != ""
	case TargetLabel, TargetText:
		return t.Text != ""
	case TargetCSS:
		return t.Selector != ""
	default:
		return false
	}
}

func quote(s string) string { return `"` + s + `"` }
