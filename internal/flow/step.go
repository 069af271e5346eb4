// step.go — The typed step model.
// A flow is an ordered list of tagged steps; the kind tag selects which
// params struct the raw payload decodes into. The registry in
// registry.go is the single list of recognized kinds, shared by the
// validator and the interpreter.
package flow

import (
	"encoding/json"

	"github.com/showrun/showrun/internal/types"
)

// Kind is a step's type tag.
type Kind string

const (
	KindNavigate         Kind = "navigate"
	KindWaitFor          Kind = "wait_for"
	KindClick            Kind = "click"
	KindFill             Kind = "fill"
	KindSelectOption     Kind = "select_option"
	KindPressKey         Kind = "press_key"
	KindUploadFile       Kind = "upload_file"
	KindFrame            Kind = "frame"
	KindNewTab           Kind = "new_tab"
	KindSwitchTab        Kind = "switch_tab"
	KindExtractTitle     Kind = "extract_title"
	KindExtractText      Kind = "extract_text"
	KindExtractAttribute Kind = "extract_attribute"
	KindAssert           Kind = "assert"
	KindSetVar           Kind = "set_var"
	KindSleep            Kind = "sleep"
	KindNetworkFind      Kind = "network_find"
	KindNetworkReplay    Kind = "network_replay"
	KindNetworkExtract   Kind = "network_extract"
)

// RetrySpec bounds per-step re-dispatch after a matching error.
type RetrySpec struct {
	Times   int          `json:"times"`
	DelayMs int          `json:"delayMs,omitempty"`
	OnlyOn  []types.Kind `json:"onlyOn,omitempty"`
}

// Matches reports whether the retry spec covers the given error kind.
// An empty OnlyOn list covers every kind except cancellation.
func (r *RetrySpec) Matches(kind types.Kind) bool {
	if kind == types.KindCancelled {
		return false
	}
	if len(r.OnlyOn) == 0 {
		return true
	}
	for _, k := range r.OnlyOn {
		if k == kind {
			return true
		}
	}
	return false
}

// Step is one declarative action. Params stays raw until dispatch so
// templates inside it are resolved against the state current at that
// step, not at load time.
type Step struct {
	ID     string          `json:"id"`
	Type   Kind            `json:"type"`
	Label  string          `json:"label,omitempty"`
	Once   bool            `json:"once,omitempty"`
	SkipIf *Predicate      `json:"skip_if,omitempty"`
	Retry  *RetrySpec      `json:"retry,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ============================================
// Per-Kind Params
// ============================================

// NavigateParams drives a top-level navigation.
type NavigateParams struct {
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil,omitempty"` // load | domcontentloaded | networkidle
}

// WaitForParams waits for one of: a target, a selector, a URL substring,
// or a page load state.
type WaitForParams struct {
	Target    *Target `json:"target,omitempty"`
	Selector  string  `json:"selector,omitempty"`
	URL       string  `json:"url,omitempty"`
	LoadState string  `json:"loadState,omitempty"`
	Visible   bool    `json:"visible,omitempty"`
	TimeoutMs int     `json:"timeoutMs,omitempty"`
}

// ClickParams clicks a resolved element.
type ClickParams struct {
	Target    *Target `json:"target,omitempty"`
	Selector  string  `json:"selector,omitempty"`
	First     bool    `json:"first,omitempty"`
	Scope     *Target `json:"scope,omitempty"`
	Near      *Target `json:"near,omitempty"`
	TimeoutMs int     `json:"timeoutMs,omitempty"`
}

// FillParams types a value into an input.
type FillParams struct {
	Target    *Target `json:"target,omitempty"`
	Selector  string  `json:"selector,omitempty"`
	Value     string  `json:"value"`
	Clear     bool    `json:"clear,omitempty"`
	TimeoutMs int     `json:"timeoutMs,omitempty"`
}

// SelectOptionParams picks an option in a select element.
type SelectOptionParams struct {
	Target    *Target `json:"target,omitempty"`
	Selector  string  `json:"selector,omitempty"`
	Value     string  `json:"value"`
	First     bool    `json:"first,omitempty"`
	TimeoutMs int     `json:"timeoutMs,omitempty"`
}

// PressKeyParams sends key presses, optionally focused on a target.
type PressKeyParams struct {
	Key     string  `json:"key"`
	Target  *Target `json:"target,omitempty"`
	Times   int     `json:"times,omitempty"`
	DelayMs int     `json:"delayMs,omitempty"`
}

// UploadFileParams attaches files to a file input.
type UploadFileParams struct {
	Target *Target  `json:"target,omitempty"`
	Files  []string `json:"files"`
}

// FrameParams enters or exits an iframe context.
type FrameParams struct {
	Frame  string `json:"frame"`
	Action string `json:"action"` // enter | exit
}

// NewTabParams opens a tab and optionally records its index.
type NewTabParams struct {
	URL            string `json:"url"`
	SaveTabIndexAs string `json:"saveTabIndexAs,omitempty"`
}

// SwitchTabParams activates another tab.
type SwitchTabParams struct {
	Tab             int  `json:"tab"`
	CloseCurrentTab bool `json:"closeCurrentTab,omitempty"`
}

// ExtractTitleParams stores the page title.
type ExtractTitleParams struct {
	Out string `json:"out"`
}

// ExtractTextParams stores an element's text.
type ExtractTextParams struct {
	Target   *Target `json:"target,omitempty"`
	Selector string  `json:"selector,omitempty"`
	Out      string  `json:"out"`
	First    bool    `json:"first,omitempty"`
	Trim     bool    `json:"trim,omitempty"`
	Default  *string `json:"default,omitempty"`
}

// ExtractAttributeParams stores an element attribute.
type ExtractAttributeParams struct {
	Target    *Target `json:"target,omitempty"`
	Selector  string  `json:"selector,omitempty"`
	Attribute string  `json:"attribute"`
	Out       string  `json:"out"`
	First     bool    `json:"first,omitempty"`
}

// AssertParams checks page state without writing anything.
type AssertParams struct {
	Target       *Target `json:"target,omitempty"`
	Selector     string  `json:"selector,omitempty"`
	Visible      bool    `json:"visible,omitempty"`
	TextIncludes string  `json:"textIncludes,omitempty"`
	URLIncludes  string  `json:"urlIncludes,omitempty"`
	TimeoutMs    int     `json:"timeoutMs,omitempty"`
}

// SetVarParams writes a scalar into vars.
type SetVarParams struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// SleepParams pauses the flow.
type SleepParams struct {
	DurationMs int `json:"durationMs"`
}

// NetworkFindParams scans the capture buffer.
type NetworkFindParams struct {
	Where     types.NetworkWhere `json:"where"`
	Pick      types.Pick         `json:"pick,omitempty"`
	SaveAs    string             `json:"saveAs"`
	WaitForMs int                `json:"waitForMs,omitempty"`
}

// ReplayResponseSpec controls how a replayed response is processed.
type ReplayResponseSpec struct {
	As   string `json:"as"` // json | text
	Path string `json:"path,omitempty"`
}

// NetworkReplayParams re-issues a captured or snapshotted request.
type NetworkReplayParams struct {
	RequestID string                 `json:"requestId"`
	Overrides *types.ReplayOverrides `json:"overrides,omitempty"`
	Auth      string                 `json:"auth,omitempty"` // browser_context
	SaveAs    string                 `json:"saveAs,omitempty"`
	Out       string                 `json:"out,omitempty"`
	Response  *ReplayResponseSpec    `json:"response,omitempty"`
}

// NetworkExtractParams re-parses a previously saved body.
type NetworkExtractParams struct {
	FromVar string `json:"fromVar"`
	As      string `json:"as"` // json | text
	Path    string `json:"path,omitempty"`
	Out     string `json:"out"`
}

// DecodeParams unmarshals the step's raw params into the given struct.
func (s *Step) DecodeParams(into any) error {
	if len(s.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(s.Params, into); err != nil {
		return types.Wrap(types.KindValidation, err, "step "+s.ID+": bad params")
	}
	return nil
}
