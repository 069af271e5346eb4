// handlers.go — Per-kind step dispatch.
// Each handler decodes the already-template-resolved params and talks
// to the driver, the capture buffer, or the snapshot replayer. Extract
// steps degrade to defaults-plus-hints instead of failing; network
// steps carry the auth classification that feeds the resilience
// controller.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"

	"github.com/showrun/showrun/internal/capture"
	"github.com/showrun/showrun/internal/driver"
	"github.com/showrun/showrun/internal/flow"
	"github.com/showrun/showrun/internal/snapshot"
	"github.com/showrun/showrun/internal/types"
)

// networkFindPollInterval paces network_find's waitForMs polling.
const networkFindPollInterval = 100 * time.Millisecond

// dispatch resolves templates in the step's params and runs its kind.
func (e *exec) dispatch(ctx context.Context, step *flow.Step, recovery bool) error {
	params, err := resolveParams(step.Params, e.state.TemplateContext())
	if err != nil {
		return err
	}
	resolved := flow.Step{ID: step.ID, Type: step.Type, Params: params}

	switch step.Type {
	case flow.KindNavigate:
		return e.doNavigate(ctx, &resolved, recovery)
	case flow.KindWaitFor:
		return e.doWaitFor(ctx, &resolved)
	case flow.KindClick:
		return e.doClick(ctx, &resolved)
	case flow.KindFill:
		return e.doFill(ctx, &resolved)
	case flow.KindSelectOption:
		return e.doSelectOption(ctx, &resolved)
	case flow.KindPressKey:
		return e.doPressKey(ctx, &resolved)
	case flow.KindUploadFile:
		return e.doUploadFile(ctx, &resolved)
	case flow.KindFrame:
		return e.doFrame(ctx, &resolved)
	case flow.KindNewTab:
		return e.doNewTab(ctx, &resolved)
	case flow.KindSwitchTab:
		return e.doSwitchTab(ctx, &resolved)
	case flow.KindExtractTitle:
		return e.doExtractTitle(ctx, &resolved)
	case flow.KindExtractText:
		return e.doExtractText(ctx, &resolved)
	case flow.KindExtractAttribute:
		return e.doExtractAttribute(ctx, &resolved)
	case flow.KindAssert:
		return e.doAssert(ctx, &resolved)
	case flow.KindSetVar:
		return e.doSetVar(&resolved)
	case flow.KindSleep:
		return e.doSleep(ctx, &resolved)
	case flow.KindNetworkFind:
		return e.doNetworkFind(ctx, &resolved)
	case flow.KindNetworkReplay:
		return e.doNetworkReplay(ctx, step, &resolved, recovery)
	case flow.KindNetworkExtract:
		return e.doNetworkExtract(&resolved)
	default:
		return types.Errorf(types.KindValidation, "unknown step kind %q", step.Type)
	}
}

// pickTarget merges the target-or-selector param pair.
func pickTarget(t *flow.Target, selector string) *flow.Target {
	if t != nil {
		return t
	}
	return flow.FromSelector(selector)
}

// ------------------------------------------------
// Navigation, waits, interaction
// ------------------------------------------------

func (e *exec) doNavigate(ctx context.Context, step *flow.Step, recovery bool) error {
	var p flow.NavigateParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	if err := e.page().Navigate(ctx, p.URL, p.WaitUntil); err != nil {
		return err
	}
	// The proactive guard runs once, after the first top-level
	// navigation of the main flow.
	if !recovery && !e.guardChecked {
		e.guardChecked = true
		return e.ctrl.CheckGuard(ctx, e.page(), e.recoveryRunner())
	}
	return nil
}

func (e *exec) doWaitFor(ctx context.Context, step *flow.Step) error {
	var p flow.WaitForParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	spec := driver.WaitSpec{URL: p.URL, LoadState: p.LoadState, Visible: p.Visible, TimeoutMs: p.TimeoutMs}
	if p.Target != nil || p.Selector != "" {
		spec.Target = pickTarget(p.Target, p.Selector)
	}
	return e.page().WaitFor(ctx, spec)
}

func (e *exec) doClick(ctx context.Context, step *flow.Step) error {
	var p flow.ClickParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	t := pickTarget(p.Target, p.Selector)
	if p.Scope != nil && t.Within == nil {
		t.Within = p.Scope
	}
	if p.Near != nil && t.Near == nil {
		t.Near = p.Near
	}
	return e.page().Click(ctx, t, driver.InteractOpts{First: p.First, TimeoutMs: p.TimeoutMs})
}

func (e *exec) doFill(ctx context.Context, step *flow.Step) error {
	var p flow.FillParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	t := pickTarget(p.Target, p.Selector)
	return e.page().Fill(ctx, t, p.Value, p.Clear, driver.InteractOpts{TimeoutMs: p.TimeoutMs})
}

func (e *exec) doSelectOption(ctx context.Context, step *flow.Step) error {
	var p flow.SelectOptionParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	t := pickTarget(p.Target, p.Selector)
	return e.page().SelectOption(ctx, t, p.Value, driver.InteractOpts{First: p.First, TimeoutMs: p.TimeoutMs})
}

func (e *exec) doPressKey(ctx context.Context, step *flow.Step) error {
	var p flow.PressKeyParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	return e.page().PressKey(ctx, p.Key, p.Target, p.Times, p.DelayMs)
}

func (e *exec) doUploadFile(ctx context.Context, step *flow.Step) error {
	var p flow.UploadFileParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	return e.page().UploadFile(ctx, p.Target, p.Files)
}

func (e *exec) doFrame(ctx context.Context, step *flow.Step) error {
	var p flow.FrameParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	switch p.Action {
	case "enter":
		return e.page().EnterFrame(ctx, p.Frame)
	case "exit":
		return e.page().ExitFrame(ctx)
	default:
		return types.Errorf(types.KindValidation, "frame action must be enter or exit")
	}
}

func (e *exec) doNewTab(ctx context.Context, step *flow.Step) error {
	var p flow.NewTabParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	index, err := e.session.NewTab(ctx, p.URL)
	if err != nil {
		return err
	}
	if p.SaveTabIndexAs != "" {
		e.state.Vars[p.SaveTabIndexAs] = index
	}
	return nil
}

func (e *exec) doSwitchTab(ctx context.Context, step *flow.Step) error {
	var p flow.SwitchTabParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	return e.session.SwitchTab(ctx, p.Tab, p.CloseCurrentTab)
}

// ------------------------------------------------
// Extraction and assertion
// ------------------------------------------------

func (e *exec) doExtractTitle(ctx context.Context, step *flow.Step) error {
	var p flow.ExtractTitleParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	title, err := e.page().Title(ctx)
	if err != nil {
		return err
	}
	e.state.Collectibles[p.Out] = title
	return nil
}

func (e *exec) doExtractText(ctx context.Context, step *flow.Step) error {
	var p flow.ExtractTextParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	t := pickTarget(p.Target, p.Selector)
	text, err := e.page().Text(ctx, t, p.First)
	if err != nil {
		// No match degrades to the declared default, never an error.
		if !types.IsKind(err, types.KindTargetNotFound) {
			return err
		}
		if p.Default != nil {
			e.state.Collectibles[p.Out] = *p.Default
			return nil
		}
		e.state.Collectibles[p.Out] = ""
		e.state.AddHint(fmt.Sprintf("extract_text %s: %s matched nothing; wrote empty string", step.ID, t.Describe()))
		return nil
	}
	if p.Trim {
		text = strings.TrimSpace(text)
	}
	e.state.Collectibles[p.Out] = text
	return nil
}

func (e *exec) doExtractAttribute(ctx context.Context, step *flow.Step) error {
	var p flow.ExtractAttributeParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	t := pickTarget(p.Target, p.Selector)
	value, err := e.page().Attribute(ctx, t, p.Attribute, p.First)
	if err != nil {
		if !types.IsKind(err, types.KindTargetNotFound) {
			return err
		}
		e.state.Collectibles[p.Out] = ""
		e.state.AddHint(fmt.Sprintf("extract_attribute %s: %s matched nothing; wrote empty string", step.ID, t.Describe()))
		return nil
	}
	e.state.Collectibles[p.Out] = value
	return nil
}

func (e *exec) doAssert(ctx context.Context, step *flow.Step) error {
	var p flow.AssertParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	if p.Target != nil || p.Selector != "" {
		t := pickTarget(p.Target, p.Selector)
		spec := driver.WaitSpec{Target: t, Visible: p.Visible, TimeoutMs: p.TimeoutMs}
		if err := e.page().WaitFor(ctx, spec); err != nil {
			return err
		}
		if p.TextIncludes != "" {
			text, err := e.page().Text(ctx, t, true)
			if err != nil {
				return err
			}
			if !strings.Contains(text, p.TextIncludes) {
				return types.Errorf(types.KindWaitTimeout,
					"assert: %s does not contain %q", t.Describe(), p.TextIncludes)
			}
		}
	}
	if p.URLIncludes != "" {
		return e.page().WaitFor(ctx, driver.WaitSpec{URL: p.URLIncludes, TimeoutMs: p.TimeoutMs})
	}
	return nil
}

// ------------------------------------------------
// Vars and pacing
// ------------------------------------------------

func (e *exec) doSetVar(step *flow.Step) error {
	var p flow.SetVarParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	e.state.Vars[p.Name] = p.Value
	return nil
}

func (e *exec) doSleep(ctx context.Context, step *flow.Step) error {
	var p flow.SleepParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
	case <-time.After(time.Duration(p.DurationMs) * time.Millisecond):
		return nil
	}
}

// ------------------------------------------------
// Network
// ------------------------------------------------

func (e *exec) doNetworkFind(ctx context.Context, step *flow.Step) error {
	var p flow.NetworkFindParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	pick := p.Pick
	if pick == "" {
		pick = types.PickLast
	}
	deadline := time.Now().Add(time.Duration(p.WaitForMs) * time.Millisecond)
	for {
		entry, err := e.capture().Find(p.Where, pick)
		if err != nil {
			return err
		}
		if entry != nil {
			e.state.Vars[p.SaveAs] = entry.ID
			return nil
		}
		if p.WaitForMs <= 0 || time.Now().After(deadline) {
			return types.Errorf(types.KindNetworkRequestNotFound, "no captured request matched network_find %s", step.ID)
		}
		select {
		case <-ctx.Done():
			return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
		case <-time.After(networkFindPollInterval):
		}
	}
}

// doNetworkReplay needs both the raw (still templated) step for
// snapshotting and the resolved one for execution.
func (e *exec) doNetworkReplay(ctx context.Context, raw, step *flow.Step, recovery bool) error {
	var p flow.NetworkReplayParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}

	if e.httpOnly {
		snap, ok := e.store.Get(step.ID)
		if !ok {
			return types.Errorf(types.KindReplay, "no snapshot for step %s", step.ID)
		}
		res, err := e.replayer.Replay(ctx, snap, e.state.TemplateContext())
		if err != nil {
			return err
		}
		return e.replayOutPath(step.ID, &p, res)
	}

	res, effURL, err := e.liveReplay(ctx, raw, step, &p)
	if err != nil {
		return err
	}
	if !recovery && !e.ctrl.InRecovery() && e.ctrl.Policy().IsAuthFailure(effURL, res.Status) {
		return types.Errorf(types.KindAuthFailure, "replay of %s returned %d", step.ID, res.Status)
	}
	return e.replayOutPath(step.ID, &p, res)
}

// liveReplay executes against a captured entry (or a persisted
// snapshot when the id names one) and records a fresh snapshot.
func (e *exec) liveReplay(ctx context.Context, raw, step *flow.Step, p *flow.NetworkReplayParams) (*capture.ReplayResult, string, error) {
	doer, err := e.replayDoer(ctx, p.Auth)
	if err != nil {
		return nil, "", err
	}

	entry, live := e.capture().Entry(p.RequestID)
	if !live {
		// A requestId may name a persisted snapshot instead of a live
		// capture entry.
		snap, ok := e.store.Get(p.RequestID)
		if !ok {
			return nil, "", types.Errorf(types.KindNetworkRequestNotFound,
				"requestId %q matches no captured entry or snapshot", p.RequestID)
		}
		r := &snapshot.Replayer{Client: doer, Timeout: e.replayer.Timeout}
		res, err := r.Replay(ctx, snap, e.state.TemplateContext())
		if err != nil {
			return nil, "", err
		}
		return res, snap.Request.URL, nil
	}

	eff, err := capture.BuildEffectiveRequest(entry, p.Overrides)
	if err != nil {
		return nil, "", err
	}
	res, err := capture.Execute(ctx, doer, eff)
	if err != nil {
		return nil, "", err
	}
	e.recordSnapshot(raw, entry, res)
	return res, eff.URL, nil
}

func (e *exec) replayDoer(ctx context.Context, auth string) (capture.Doer, error) {
	if auth == "browser_context" && e.session != nil {
		return e.session.HTTPDoer(ctx)
	}
	return &http.Client{Timeout: snapshot.DefaultTimeout}, nil
}

// recordSnapshot persists the templated effective request so later runs
// can go HTTP-only. Overrides come from the raw step, keeping template
// placeholders intact.
func (e *exec) recordSnapshot(raw *flow.Step, entry *types.NetworkEntry, res *capture.ReplayResult) {
	var rawP flow.NetworkReplayParams
	if err := raw.DecodeParams(&rawP); err != nil {
		return
	}
	eff, err := capture.BuildEffectiveRequest(entry, rawP.Overrides)
	if err != nil {
		return
	}
	validation := snapshot.ValidationFromResult(res.Status, res.ContentType, topLevelKeys(res.Body))
	e.store.Put(snapshot.Build(raw.ID, eff, rawP.Overrides, validation, e.snapshotTTL, e.state.Secrets))
}

// topLevelKeys lists a JSON object body's keys, nil for anything else.
func topLevelKeys(body string) []string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// replayOutPath feeds a replay result into vars and collectibles. A
// body cut at the stored-body cap fails structured extraction loudly
// instead of parsing a partial document.
func (e *exec) replayOutPath(stepID string, p *flow.NetworkReplayParams, res *capture.ReplayResult) error {
	if res.Truncated {
		if p.Response != nil && p.Response.As == "json" {
			return types.Errorf(types.KindReplay,
				"step %s: response body exceeds the %d-byte stored-body limit; cannot extract from a truncated body",
				stepID, capture.MaxStoredBodyBytes)
		}
		e.state.AddHint(fmt.Sprintf(
			"step %s: response body truncated at %d bytes", stepID, capture.MaxStoredBodyBytes))
	}
	if p.SaveAs != "" {
		e.state.Vars[p.SaveAs] = res.Body
	}
	if p.Response == nil {
		return nil
	}
	value, err := e.parseBody(stepID, res.Body, p.Response.As, p.Response.Path)
	if err != nil {
		return err
	}
	if p.Out != "" {
		e.state.Collectibles[p.Out] = value
	}
	return nil
}

// doNetworkExtract re-parses a previously saved body, purely in memory.
func (e *exec) doNetworkExtract(step *flow.Step) error {
	var p flow.NetworkExtractParams
	if err := step.DecodeParams(&p); err != nil {
		return err
	}
	v, ok := e.state.Vars[p.FromVar]
	if !ok {
		return types.Errorf(types.KindValidation, "network_extract %s: var %q is not set", step.ID, p.FromVar)
	}
	body, ok := v.(string)
	if !ok {
		body = types.RenderScalar(v)
	}
	value, err := e.parseBody(step.ID, body, p.As, p.Path)
	if err != nil {
		return err
	}
	e.state.Collectibles[p.Out] = value
	return nil
}

// parseBody applies the response out-path: JSON parse plus optional
// JMESPath, or the raw text. Path misses degrade to hints.
func (e *exec) parseBody(stepID, body, as, path string) (any, error) {
	if as != "json" {
		return body, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return nil, types.Wrap(types.KindReplay, err, "step "+stepID+": response is not valid JSON")
	}
	if path == "" {
		return doc, nil
	}
	value, err := jmespath.Search(path, doc)
	if err != nil {
		e.state.AddHint(fmt.Sprintf(
			"step %s: JMESPath %q failed (%v); expected a query like results[*].name", stepID, path, err))
		return "", nil
	}
	if value == nil {
		e.state.AddHint(fmt.Sprintf("step %s: JMESPath %q matched 0 items", stepID, path))
		return "", nil
	}
	return value, nil
}
