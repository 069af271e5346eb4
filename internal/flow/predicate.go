// predicate.go — skip_if condition trees.
// Predicates are side-effect-free: element probes use the same resolver
// as click but never wait beyond a short stability window, and nothing
// here writes to any scope.
package flow

import (
	"context"
	"regexp"
	"strings"

	"github.com/showrun/showrun/internal/types"
)

// Prober answers the page-state questions predicates may ask. The
// element probes must not wait beyond a short stability window.
type Prober interface {
	CurrentURL(ctx context.Context) (string, error)
	ElementVisible(ctx context.Context, t *Target) (bool, error)
	ElementExists(ctx context.Context, t *Target) (bool, error)
}

// VarReader exposes the current vars scope read-only.
type VarReader interface {
	Var(name string) (any, bool)
}

// Predicate is one node of a skip_if tree: exactly one leaf field or one
// compound is set. An empty All is vacuously true; an empty Any is false.
type Predicate struct {
	URLIncludes    string  `json:"url_includes,omitempty"`
	URLMatches     string  `json:"url_matches,omitempty"`
	ElementVisible *Target `json:"element_visible,omitempty"`
	ElementExists  *Target `json:"element_exists,omitempty"`
	VarEquals      *VarCmp `json:"var_equals,omitempty"`
	VarTruthy      string  `json:"var_truthy,omitempty"`
	VarFalsy       string  `json:"var_falsy,omitempty"`

	All []Predicate `json:"all,omitempty"`
	Any []Predicate `json:"any,omitempty"`
}

// VarCmp compares a var against a scalar.
type VarCmp struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Eval evaluates the predicate against the current page and vars.
func (p *Predicate) Eval(ctx context.Context, probe Prober, vars VarReader) (bool, error) {
	switch {
	case p.All != nil:
		for i := range p.All {
			ok, err := p.All[i].Eval(ctx, probe, vars)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case p.Any != nil:
		for i := range p.Any {
			ok, err := p.Any[i].Eval(ctx, probe, vars)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case p.URLIncludes != "":
		url, err := probe.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(url, p.URLIncludes), nil

	case p.URLMatches != "":
		re, err := regexp.Compile(p.URLMatches)
		if err != nil {
			return false, types.Wrap(types.KindValidation, err, "bad url_matches pattern")
		}
		url, err := probe.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return re.MatchString(url), nil

	case p.ElementVisible != nil:
		return probe.ElementVisible(ctx, p.ElementVisible)

	case p.ElementExists != nil:
		return probe.ElementExists(ctx, p.ElementExists)

	case p.VarEquals != nil:
		v, ok := vars.Var(p.VarEquals.Name)
		if !ok {
			return false, nil
		}
		return types.RenderScalar(v) == types.RenderScalar(p.VarEquals.Value), nil

	case p.VarTruthy != "":
		v, _ := vars.Var(p.VarTruthy)
		return types.Truthy(v), nil

	case p.VarFalsy != "":
		v, _ := vars.Var(p.VarFalsy)
		return !types.Truthy(v), nil
	}

	// A predicate with no fields set never skips.
	return false, nil
}
