// registry.go — The closed set of step kinds.
// One table drives both the validator (required params, declared writes)
// and the interpreter (dispatch, HTTP-only compatibility). Adding a step
// kind means adding one row here plus a handler in the runner.
package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// KindInfo describes the static properties of one step kind.
type KindInfo struct {
	// DOMCoupled kinds disqualify a flow from HTTP-only replay.
	DOMCoupled bool

	// Validate reports structural problems with a step's params.
	// Template placeholders are opaque at validation time, so only
	// presence/shape is checked, never resolved values.
	Validate func(s *Step) []string

	// Outs returns the collectible names this step writes, for the
	// out ↔ declared-collectibles cross-check.
	Outs func(s *Step) []string

	// SavedVars returns the var names this step writes (saveAs,
	// set_var, saveTabIndexAs), for requestId reference checking.
	SavedVars func(s *Step) []string
}

// Registry maps every recognized kind to its static info.
var Registry = map[Kind]KindInfo{
	KindNavigate: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p NavigateParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			var errs []string
			if p.URL == "" {
				errs = append(errs, requireMsg(s, "url"))
			}
			switch p.WaitUntil {
			case "", "load", "domcontentloaded", "networkidle":
			default:
				errs = append(errs, fmt.Sprintf("step %s: unknown waitUntil %q", s.ID, p.WaitUntil))
			}
			return errs
		},
	},
	KindWaitFor: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p WaitForParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			if p.Target == nil && p.Selector == "" && p.URL == "" && p.LoadState == "" {
				return []string{fmt.Sprintf("step %s: wait_for needs one of target, selector, url, loadState", s.ID)}
			}
			return nil
		},
	},
	KindClick: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p ClickParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			return requireTarget(s, p.Target, p.Selector)
		},
	},
	KindFill: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p FillParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			return requireTarget(s, p.Target, p.Selector)
		},
	},
	KindSelectOption: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p SelectOptionParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			errs := requireTarget(s, p.Target, p.Selector)
			if p.Value == "" {
				errs = append(errs, requireMsg(s, "value"))
			}
			return errs
		},
	},
	KindPressKey: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p PressKeyParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			if p.Key == "" {
				return []string{requireMsg(s, "key")}
			}
			return nil
		},
	},
	KindUploadFile: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p UploadFileParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			errs := requireTarget(s, p.Target, "")
			if len(p.Files) == 0 {
				errs = append(errs, requireMsg(s, "files"))
			}
			return errs
		},
	},
	KindFrame: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p FrameParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			var errs []string
			if p.Frame == "" && p.Action != "exit" {
				errs = append(errs, requireMsg(s, "frame"))
			}
			if p.Action != "enter" && p.Action != "exit" {
				errs = append(errs, fmt.Sprintf("step %s: frame action must be enter or exit", s.ID))
			}
			return errs
		},
	},
	KindNewTab: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p NewTabParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			if p.URL == "" {
				return []string{requireMsg(s, "url")}
			}
			return nil
		},
		SavedVars: func(s *Step) []string {
			var p NewTabParams
			_ = s.DecodeParams(&p)
			if p.SaveTabIndexAs != "" {
				return []string{p.SaveTabIndexAs}
			}
			return nil
		},
	},
	KindSwitchTab: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p SwitchTabParams
			return decode(s, &p)
		},
	},
	KindExtractTitle: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p ExtractTitleParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			if p.Out == "" {
				return []string{requireMsg(s, "out")}
			}
			return nil
		},
		Outs: func(s *Step) []string {
			var p ExtractTitleParams
			_ = s.DecodeParams(&p)
			return outList(p.Out)
		},
	},
	KindExtractText: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p ExtractTextParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			errs := requireTarget(s, p.Target, p.Selector)
			if p.Out == "" {
				errs = append(errs, requireMsg(s, "out"))
			}
			return errs
		},
		Outs: func(s *Step) []string {
			var p ExtractTextParams
			_ = s.DecodeParams(&p)
			return outList(p.Out)
		},
	},
	KindExtractAttribute: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p ExtractAttributeParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			errs := requireTarget(s, p.Target, p.Selector)
			if p.Attribute == "" {
				errs = append(errs, requireMsg(s, "attribute"))
			}
			if p.Out == "" {
				errs = append(errs, requireMsg(s, "out"))
			}
			return errs
		},
		Outs: func(s *Step) []string {
			var p ExtractAttributeParams
			_ = s.DecodeParams(&p)
			return outList(p.Out)
		},
	},
	KindAssert: {
		DOMCoupled: true,
		Validate: func(s *Step) []string {
			var p AssertParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			if p.Target == nil && p.Selector == "" && p.TextIncludes == "" && p.URLIncludes == "" {
				return []string{fmt.Sprintf("step %s: assert needs a target or a condition", s.ID)}
			}
			return nil
		},
	},
	KindSetVar: {
		Validate: func(s *Step) []string {
			var p SetVarParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			var errs []string
			if p.Name == "" {
				errs = append(errs, requireMsg(s, "name"))
			}
			switch p.Value.(type) {
			case string, bool, float64, int, int64, nil:
			default:
				errs = append(errs, fmt.Sprintf("step %s: set_var value must be a scalar", s.ID))
			}
			return errs
		},
		SavedVars: func(s *Step) []string {
			var p SetVarParams
			_ = s.DecodeParams(&p)
			if p.Name != "" {
				return []string{p.Name}
			}
			return nil
		},
	},
	KindSleep: {
		Validate: func(s *Step) []string {
			var p SleepParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			if p.DurationMs <= 0 {
				return []string{fmt.Sprintf("step %s: sleep durationMs must be positive", s.ID)}
			}
			return nil
		},
	},
	KindNetworkFind: {
		DOMCoupled: true,
		Validate:   validateNetworkFind,
		SavedVars: func(s *Step) []string {
			var p NetworkFindParams
			_ = s.DecodeParams(&p)
			if p.SaveAs != "" {
				return []string{p.SaveAs}
			}
			return nil
		},
	},
	KindNetworkReplay: {
		Validate: func(s *Step) []string {
			var p NetworkReplayParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			var errs []string
			if p.RequestID == "" {
				errs = append(errs, requireMsg(s, "requestId"))
			}
			if p.Auth != "" && p.Auth != "browser_context" {
				errs = append(errs, fmt.Sprintf("step %s: unknown auth mode %q", s.ID, p.Auth))
			}
			if p.Response != nil && p.Response.As != "json" && p.Response.As != "text" {
				errs = append(errs, fmt.Sprintf("step %s: response.as must be json or text", s.ID))
			}
			if p.Out != "" && p.Response == nil {
				errs = append(errs, fmt.Sprintf("step %s: out requires a response spec", s.ID))
			}
			return errs
		},
		Outs: func(s *Step) []string {
			var p NetworkReplayParams
			_ = s.DecodeParams(&p)
			return outList(p.Out)
		},
		SavedVars: func(s *Step) []string {
			var p NetworkReplayParams
			_ = s.DecodeParams(&p)
			if p.SaveAs != "" {
				return []string{p.SaveAs}
			}
			return nil
		},
	},
	KindNetworkExtract: {
		Validate: func(s *Step) []string {
			var p NetworkExtractParams
			if errs := decode(s, &p); errs != nil {
				return errs
			}
			var errs []string
			if p.FromVar == "" {
				errs = append(errs, requireMsg(s, "fromVar"))
			}
			if p.As != "json" && p.As != "text" {
				errs = append(errs, fmt.Sprintf("step %s: as must be json or text", s.ID))
			}
			if p.Out == "" {
				errs = append(errs, requireMsg(s, "out"))
			}
			return errs
		},
		Outs: func(s *Step) []string {
			var p NetworkExtractParams
			_ = s.DecodeParams(&p)
			return outList(p.Out)
		},
	},
}

// networkWhereKeys is the complete set of keys network_find.where may
// carry. Unknown keys are validation errors, never silent match-alls.
var networkWhereKeys = map[string]struct{}{
	"urlIncludes":         {},
	"urlRegex":            {},
	"method":              {},
	"resourceType":        {},
	"status":              {},
	"contentTypeIncludes": {},
	"bodyIncludes":        {},
}

func validateNetworkFind(s *Step) []string {
	var p NetworkFindParams
	if errs := decode(s, &p); errs != nil {
		return errs
	}
	var errs []string
	if p.SaveAs == "" {
		errs = append(errs, requireMsg(s, "saveAs"))
	}
	switch p.Pick {
	case "", "first", "last":
	default:
		errs = append(errs, fmt.Sprintf("step %s: pick must be first or last", s.ID))
	}

	// Strict where-key check against the raw JSON.
	var raw struct {
		Where map[string]json.RawMessage `json:"where"`
	}
	if len(s.Params) > 0 {
		if err := json.Unmarshal(s.Params, &raw); err == nil {
			for key := range raw.Where {
				if _, ok := networkWhereKeys[key]; !ok {
					errs = append(errs, fmt.Sprintf("step %s: unknown network_find.where key %q", s.ID, key))
				}
			}
		}
	}
	if len(raw.Where) == 0 {
		errs = append(errs, fmt.Sprintf("step %s: network_find.where must not be empty", s.ID))
	}
	return errs
}

// ============================================
// Helpers
// ============================================

// HTTPOnlyCompatible reports whether the kind may appear in a flow
// executed without a browser.
func HTTPOnlyCompatible(k Kind) bool {
	info, ok := Registry[k]
	return ok && !info.DOMCoupled
}

// Outs returns the collectible names a step writes, or nil.
func Outs(s *Step) []string {
	info, ok := Registry[s.Type]
	if !ok || info.Outs == nil {
		return nil
	}
	return info.Outs(s)
}

// SavedVars returns the var names a step writes, or nil.
func SavedVars(s *Step) []string {
	info, ok := Registry[s.Type]
	if !ok || info.SavedVars == nil {
		return nil
	}
	return info.SavedVars(s)
}

func decode(s *Step, into any) []string {
	if len(s.Params) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(s.Params))
	if err := dec.Decode(into); err != nil {
		return []string{fmt.Sprintf("step %s: bad params: %v", s.ID, err)}
	}
	return nil
}

func requireMsg(s *Step, field string) string {
	return fmt.Sprintf("step %s: %s requires param %q", s.ID, s.Type, field)
}

func requireTarget(s *Step, t *Target, selector string) []string {
	if t == nil && selector == "" {
		return []string{fmt.Sprintf("step %s: %s requires a target or selector", s.ID, s.Type)}
	}
	if t != nil && !t.Valid() {
		return []string{fmt.Sprintf("step %s: invalid target (%s)", s.ID, t.Describe())}
	}
	return nil
}

func outList(out string) []string {
	if out == "" {
		return nil
	}
	return []string{out}
}
