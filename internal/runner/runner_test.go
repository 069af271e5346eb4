// runner_test.go — End-to-end interpreter scenarios on the fake driver.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/showrun/showrun/internal/capture"
	"github.com/showrun/showrun/internal/driver"
	"github.com/showrun/showrun/internal/driver/drivertest"
	"github.com/showrun/showrun/internal/flow"
	"github.com/showrun/showrun/internal/pack"
	"github.com/showrun/showrun/internal/snapshot"
	"github.com/showrun/showrun/internal/types"
)

func mustParams(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func testPack(t *testing.T, steps []flow.Step, collectibles ...string) *pack.Pack {
	t.Helper()
	decls := make([]pack.CollectibleDecl, len(collectibles))
	for i, name := range collectibles {
		decls[i] = pack.CollectibleDecl{Name: name, Type: "string"}
	}
	return &pack.Pack{
		Dir: t.TempDir(),
		Manifest: pack.Manifest{
			ID: "pack.test", Name: "Test Pack", Version: "1.0.0", Kind: "json-dsl",
		},
		Doc: pack.FlowDoc{Collectibles: decls, Flow: steps},
	}
}

func newTestRunner(fake *drivertest.Fake, sink types.Sink) *Runner {
	return &Runner{
		Driver:   fake,
		Events:   sink,
		Sessions: NewSessionRegistry(),
	}
}

func TestEmptyFlowSucceeds(t *testing.T) {
	t.Parallel()
	sink := &types.MemorySink{}
	r := newTestRunner(drivertest.New(), sink)
	res := r.Run(context.Background(), testPack(t, nil), nil, Options{SkipHTTPReplay: true})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Collectibles) != 0 {
		t.Fatalf("collectibles = %v; want empty", res.Collectibles)
	}
	got := sink.Types()
	if len(got) != 2 || got[0] != types.EventRunStarted || got[1] != types.EventRunFinished {
		t.Fatalf("events = %v", got)
	}
}

func TestNavigateAndExtractTitle(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	fake.Session.ActivePage().TitleText = "Checkout - Example"

	steps := []flow.Step{
		{ID: "go", Type: flow.KindNavigate, Params: mustParams(t, map[string]any{"url": "https://x.test/checkout"})},
		{ID: "title", Type: flow.KindExtractTitle, Params: mustParams(t, map[string]any{"out": "page_title"})},
	}
	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), testPack(t, steps, "page_title"), nil, Options{SkipHTTPReplay: true})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Collectibles["page_title"] != "Checkout - Example" {
		t.Fatalf("collectibles = %v", res.Collectibles)
	}
	if res.Meta.URL != "https://x.test/checkout" {
		t.Fatalf("meta url = %q", res.Meta.URL)
	}
}

func TestTemplateResolutionInParams(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	page := fake.Session.ActivePage()
	page.SetExists(flow.FromSelector("#q"))

	steps := []flow.Step{
		{ID: "fill", Type: flow.KindFill, Params: mustParams(t, map[string]any{
			"selector": "#q", "value": "{{inputs.query | upper}}",
		})},
	}
	p := testPack(t, steps)
	p.Doc.Inputs = map[string]pack.InputField{"query": {Type: "string", Required: true}}

	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), p, map[string]any{"query": "laptops"}, Options{SkipHTTPReplay: true})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	calls := page.CallsMatching("fill")
	if len(calls) != 1 || !strings.Contains(calls[0], "LAPTOPS") {
		t.Fatalf("fill calls = %v", calls)
	}
}

func TestTemplateErrorInURLHostFailsStep(t *testing.T) {
	t.Parallel()
	steps := []flow.Step{
		{ID: "go", Type: flow.KindNavigate, Params: mustParams(t, map[string]any{
			"url": "https://{{vars.missing_host}}/page",
		})},
	}
	r := newTestRunner(drivertest.New(), nil)
	res := r.Run(context.Background(), testPack(t, steps), nil, Options{SkipHTTPReplay: true})

	if res.Success {
		t.Fatal("run should fail")
	}
	if res.FailedStepID != "go" {
		t.Fatalf("failedStepId = %q", res.FailedStepID)
	}
	if !strings.HasPrefix(res.Meta.Notes, "Error: ") {
		t.Fatalf("notes = %q", res.Meta.Notes)
	}
}

func TestFailureEnrichment(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	steps := []flow.Step{
		{ID: "click-gone", Type: flow.KindClick, Params: mustParams(t, map[string]any{"selector": "#missing"})},
	}
	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), testPack(t, steps), nil, Options{SkipHTTPReplay: true})

	if res.Success {
		t.Fatal("run should fail")
	}
	if res.FailedStepID != "click-gone" {
		t.Fatalf("failedStepId = %q", res.FailedStepID)
	}
	if !strings.HasPrefix(res.Meta.Notes, "Error: ") {
		t.Fatalf("notes = %q; want Error: prefix", res.Meta.Notes)
	}
}

func TestSkipIfConditionMet(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	sink := &types.MemorySink{}
	skipIf := &flow.Predicate{VarTruthy: "already_done"}
	steps := []flow.Step{
		{ID: "flag", Type: flow.KindSetVar, Params: mustParams(t, map[string]any{"name": "already_done", "value": "yes"})},
		{ID: "danger", Type: flow.KindClick, SkipIf: skipIf, Params: mustParams(t, map[string]any{"selector": "#missing"})},
	}
	r := newTestRunner(fake, sink)
	res := r.Run(context.Background(), testPack(t, steps), nil, Options{SkipHTTPReplay: true})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	var skipped *types.Event
	for _, ev := range sink.Events() {
		if ev.Type == types.EventStepSkipped {
			skipped = &ev
			break
		}
	}
	if skipped == nil || skipped.Reason != types.SkipConditionMet || skipped.StepID != "danger" {
		t.Fatalf("skipped event = %+v", skipped)
	}
}

func TestOnceProducesEffectsExactlyOnce(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	sink := &types.MemorySink{}
	fake.Session.ActivePage().TitleText = "First Title"

	steps := []flow.Step{
		{ID: "title-once", Type: flow.KindExtractTitle, Once: true,
			Params: mustParams(t, map[string]any{"out": "title"})},
	}
	p := testPack(t, steps, "title")
	r := newTestRunner(fake, sink)
	opts := Options{SkipHTTPReplay: true, SessionID: "sess-1"}

	first := r.Run(context.Background(), p, nil, opts)
	if !first.Success || first.Collectibles["title"] != "First Title" {
		t.Fatalf("first run = %+v", first)
	}

	// Same session: the step must not re-execute even though the page
	// now reports a different title; its recorded write is restored.
	fake.Session.ActivePage().TitleText = "Second Title"
	second := r.Run(context.Background(), p, nil, opts)
	if !second.Success || second.Collectibles["title"] != "First Title" {
		t.Fatalf("second run = %+v", second)
	}

	var skipped int
	for _, ev := range sink.Events() {
		if ev.Type == types.EventStepSkipped && ev.Reason == types.SkipOnceAlreadyExecuted {
			skipped++
			if len(ev.RestoredCollectibles) != 1 || ev.RestoredCollectibles[0] != "title" {
				t.Fatalf("restored = %v", ev.RestoredCollectibles)
			}
		}
	}
	if skipped != 1 {
		t.Fatalf("once-skips = %d; want 1", skipped)
	}

	// A different session starts fresh.
	fresh := r.Run(context.Background(), p, nil, Options{SkipHTTPReplay: true, SessionID: "sess-2"})
	if fresh.Collectibles["title"] != "Second Title" {
		t.Fatalf("fresh session run = %+v", fresh)
	}
}

func TestOnceRestoredVarsVisibleDownstream(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	page := fake.Session.ActivePage()
	page.SetExists(flow.FromSelector("#field"))

	steps := []flow.Step{
		{ID: "seed", Type: flow.KindSetVar, Once: true,
			Params: mustParams(t, map[string]any{"name": "x", "value": "1"})},
		{ID: "use", Type: flow.KindFill, Params: mustParams(t, map[string]any{
			"selector": "#field", "value": "{{vars.x}}",
		})},
	}
	p := testPack(t, steps)
	r := newTestRunner(fake, nil)
	opts := Options{SkipHTTPReplay: true, SessionID: "sess-vars"}

	if res := r.Run(context.Background(), p, nil, opts); !res.Success {
		t.Fatalf("first run = %+v", res)
	}
	if res := r.Run(context.Background(), p, nil, opts); !res.Success {
		t.Fatalf("second run = %+v", res)
	}

	// Both runs see x; on the second it comes from the once-cache.
	calls := page.CallsMatching("fill")
	if len(calls) != 2 {
		t.Fatalf("fill calls = %v", calls)
	}
	for _, c := range calls {
		if !strings.HasSuffix(c, "= 1") {
			t.Errorf("fill call %q did not observe x=1", c)
		}
	}
}

func TestRetryRedispatches(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	page := fake.Session.ActivePage()
	page.SetExists(flow.FromSelector("#btn"))
	page.Errs["click"] = types.Errorf(types.KindTargetNotFound, "not yet")

	steps := []flow.Step{
		{ID: "click", Type: flow.KindClick,
			Retry:  &flow.RetrySpec{Times: 2, DelayMs: 1},
			Params: mustParams(t, map[string]any{"selector": "#btn"})},
	}
	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), testPack(t, steps), nil, Options{SkipHTTPReplay: true})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if calls := page.CallsMatching("click"); len(calls) != 2 {
		t.Fatalf("click attempts = %d; want 2", len(calls))
	}
}

func TestRetryOnlyOnMismatchPropagates(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	page := fake.Session.ActivePage()
	page.SetExists(flow.FromSelector("#btn"))
	page.Errs["click"] = types.Errorf(types.KindTargetNotFound, "gone")
	page.Sticky = true

	steps := []flow.Step{
		{ID: "click", Type: flow.KindClick,
			Retry:  &flow.RetrySpec{Times: 3, OnlyOn: []types.Kind{types.KindWaitTimeout}},
			Params: mustParams(t, map[string]any{"selector": "#btn"})},
	}
	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), testPack(t, steps), nil, Options{SkipHTTPReplay: true})

	if res.Success {
		t.Fatal("run should fail")
	}
	if calls := page.CallsMatching("click"); len(calls) != 1 {
		t.Fatalf("click attempts = %d; want 1 (no retry on mismatched kind)", len(calls))
	}
}

func TestExtractTextDefaultAndHint(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	dflt := "n/a"
	steps := []flow.Step{
		{ID: "price", Type: flow.KindExtractText, Params: mustParams(t, map[string]any{
			"selector": ".price", "out": "price", "default": dflt,
		})},
		{ID: "sku", Type: flow.KindExtractText, Params: mustParams(t, map[string]any{
			"selector": ".sku", "out": "sku",
		})},
	}
	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), testPack(t, steps, "price", "sku"), nil, Options{SkipHTTPReplay: true})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Collectibles["price"] != "n/a" {
		t.Fatalf("price = %v; want the default", res.Collectibles["price"])
	}
	if res.Collectibles["sku"] != "" {
		t.Fatalf("sku = %v; want empty string", res.Collectibles["sku"])
	}
	if len(res.Hints) != 1 || !strings.Contains(res.Hints[0], "sku") {
		t.Fatalf("hints = %v; want one hint about sku", res.Hints)
	}
}

func TestNetworkFindReplayExtract(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [{"name": "alpha"}, {"name": "beta"}], "total": 2}`))
	}))
	defer srv.Close()

	fake := drivertest.New()
	buf := fake.Session.ActivePage().Capture()
	entry := buf.StartRequest("GET", srv.URL+"/api/search?q=x", "fetch", nil, "")
	buf.CompleteResponse(entry.ID, 200, nil, "application/json", []byte(`{}`))

	steps := []flow.Step{
		{ID: "find", Type: flow.KindNetworkFind, Params: mustParams(t, map[string]any{
			"where": map[string]any{"urlIncludes": "/api/search"}, "saveAs": "req_id",
		})},
		{ID: "replay", Type: flow.KindNetworkReplay, Params: mustParams(t, map[string]any{
			"requestId": "{{vars.req_id}}", "saveAs": "raw_body",
			"response": map[string]any{"as": "json", "path": "total"}, "out": "total",
		})},
		{ID: "extract", Type: flow.KindNetworkExtract, Params: mustParams(t, map[string]any{
			"fromVar": "raw_body", "as": "json", "path": "results[0].name", "out": "first_name",
		})},
	}
	r := newTestRunner(fake, nil)
	p := testPack(t, steps, "total", "first_name")
	res := r.Run(context.Background(), p, nil, Options{SkipHTTPReplay: true})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Collectibles["total"] != float64(2) {
		t.Fatalf("total = %v", res.Collectibles["total"])
	}
	if res.Collectibles["first_name"] != "alpha" {
		t.Fatalf("first_name = %v", res.Collectibles["first_name"])
	}

	// The live replay recorded a snapshot for the replay step.
	store, err := snapshot.Open(filepath.Join(p.Dir, pack.SnapshotsFile))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Get("replay"); !ok {
		t.Fatal("live replay did not persist a snapshot")
	}
}

func TestNetworkFindNotFound(t *testing.T) {
	t.Parallel()
	steps := []flow.Step{
		{ID: "find", Type: flow.KindNetworkFind, Params: mustParams(t, map[string]any{
			"where": map[string]any{"urlIncludes": "/nothing"}, "saveAs": "id",
		})},
	}
	r := newTestRunner(drivertest.New(), nil)
	res := r.Run(context.Background(), testPack(t, steps), nil, Options{SkipHTTPReplay: true})
	if res.Success || res.FailedStepID != "find" {
		t.Fatalf("result = %+v", res)
	}
}

func TestAuthRecoveryOn401(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(401)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	fake := drivertest.New()
	buf := fake.Session.ActivePage().Capture()
	entry := buf.StartRequest("GET", srv.URL+"/api/data", "fetch", nil, "")
	buf.CompleteResponse(entry.ID, 200, nil, "application/json", []byte(`{}`))

	steps := []flow.Step{
		{ID: "replay", Type: flow.KindNetworkReplay, Params: mustParams(t, map[string]any{
			"requestId": entry.ID,
			"response":  map[string]any{"as": "json", "path": "ok"}, "out": "ok",
		})},
	}
	p := testPack(t, steps, "ok")
	p.Manifest.Auth = &pack.AuthConfig{
		Recovery: []flow.Step{
			{ID: "relogin", Type: flow.KindNavigate, Params: mustParams(t, map[string]any{"url": srv.URL + "/login"})},
		},
	}

	sink := &types.MemorySink{}
	r := newTestRunner(fake, sink)
	res := r.Run(context.Background(), p, nil, Options{SkipHTTPReplay: true})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Collectibles["ok"] != true {
		t.Fatalf("collectibles = %v", res.Collectibles)
	}
	if nav := fake.Session.ActivePage().CallsMatching("/login"); len(nav) != 1 {
		t.Fatalf("recovery navigations = %v; want 1", nav)
	}

	var seq []types.EventType
	for _, ev := range sink.Events() {
		switch ev.Type {
		case types.EventAuthFailureDetected, types.EventAuthRecoveryStarted,
			types.EventAuthRecoveryFinished, types.EventAuthRecoveryExhausted:
			seq = append(seq, ev.Type)
			if ev.Type == types.EventAuthRecoveryFinished && !ev.Success {
				t.Fatal("recovery finished with success=false")
			}
		}
	}
	want := []types.EventType{
		types.EventAuthFailureDetected,
		types.EventAuthRecoveryStarted,
		types.EventAuthRecoveryFinished,
	}
	if len(seq) != len(want) {
		t.Fatalf("auth events = %v; want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("auth events = %v; want %v", seq, want)
		}
	}
}

func TestAuthRecoveryOnCapturedResponse(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	page := fake.Session.ActivePage()
	page.SetExists(flow.FromSelector("#save"))

	// Auth loss behind a DOM step: the click times out while the page's
	// own XHR came back 401. The policy watches captured responses, so
	// recovery must fire even though the step error is a timeout.
	page.Errs["click"] = types.Errorf(types.KindWaitTimeout, "timed out waiting for #save")
	buf := page.Capture()
	entry := buf.StartRequest("GET", "https://x.test/api/session", "xhr", nil, "")
	buf.CompleteResponse(entry.ID, 401, nil, "application/json", []byte(`{}`))

	steps := []flow.Step{
		{ID: "save", Type: flow.KindClick, Params: mustParams(t, map[string]any{"selector": "#save"})},
	}
	p := testPack(t, steps)
	p.Manifest.Auth = &pack.AuthConfig{
		Recovery: []flow.Step{
			{ID: "relogin", Type: flow.KindNavigate, Params: mustParams(t, map[string]any{"url": "https://x.test/login"})},
		},
	}

	sink := &types.MemorySink{}
	r := newTestRunner(fake, sink)
	res := r.Run(context.Background(), p, nil, Options{SkipHTTPReplay: true})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if nav := page.CallsMatching("/login"); len(nav) != 1 {
		t.Fatalf("recovery navigations = %v; want 1", nav)
	}
	if clicks := page.CallsMatching("click"); len(clicks) != 2 {
		t.Fatalf("click attempts = %d; want failed then re-driven", len(clicks))
	}
	var detected, finished bool
	for _, ev := range sink.Events() {
		switch ev.Type {
		case types.EventAuthFailureDetected:
			detected = true
		case types.EventAuthRecoveryFinished:
			finished = ev.Success
		}
	}
	if !detected || !finished {
		t.Fatalf("auth events incomplete: detected=%v finished=%v", detected, finished)
	}
}

func TestAuthRecoveryExhausted(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
	}))
	defer srv.Close()

	fake := drivertest.New()
	buf := fake.Session.ActivePage().Capture()
	entry := buf.StartRequest("GET", srv.URL+"/api/data", "fetch", nil, "")
	buf.CompleteResponse(entry.ID, 200, nil, "application/json", []byte(`{}`))

	steps := []flow.Step{
		{ID: "replay", Type: flow.KindNetworkReplay, Params: mustParams(t, map[string]any{"requestId": entry.ID})},
	}
	p := testPack(t, steps)
	p.Manifest.Auth = &pack.AuthConfig{
		Recovery: []flow.Step{
			{ID: "relogin", Type: flow.KindNavigate, Params: mustParams(t, map[string]any{"url": srv.URL + "/login"})},
		},
	}
	sink := &types.MemorySink{}
	r := newTestRunner(fake, sink)
	res := r.Run(context.Background(), p, nil, Options{SkipHTTPReplay: true})

	if res.Success {
		t.Fatal("run should fail once recovery is exhausted")
	}
	var exhausted bool
	for _, ev := range sink.Events() {
		if ev.Type == types.EventAuthRecoveryExhausted {
			exhausted = true
		}
	}
	if !exhausted {
		t.Fatal("missing auth_recovery_exhausted event")
	}
}

func TestHTTPOnlyModeSkipsBrowser(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"items": ["a", "b"], "total": 2}`))
	}))
	defer srv.Close()

	steps := []flow.Step{
		{ID: "replay", Type: flow.KindNetworkReplay, Params: mustParams(t, map[string]any{
			"requestId": "replay",
			"response":  map[string]any{"as": "json", "path": "total"}, "out": "total",
		})},
	}
	p := testPack(t, steps, "total")

	store, err := snapshot.Open(filepath.Join(p.Dir, pack.SnapshotsFile))
	if err != nil {
		t.Fatal(err)
	}
	store.Put(&types.RequestSnapshot{
		StepID:     "replay",
		CapturedAt: time.Now(),
		Request:    types.SnapshotRequest{Method: "GET", URL: srv.URL + "/api/items"},
		ResponseValidation: types.ResponseValidation{
			ExpectedStatus: 200, ExpectedContentType: "application/json", ExpectedKeys: []string{"items", "total"},
		},
	})
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}

	// A failing driver proves no browser is launched.
	fake := drivertest.New()
	fake.LaunchErr = errors.New("browser must not launch")
	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), p, nil, Options{})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Collectibles["total"] != float64(2) {
		t.Fatalf("collectibles = %v", res.Collectibles)
	}
}

func TestStaleSnapshotFallsBackToBrowser(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total": 5}`))
	}))
	defer srv.Close()

	steps := []flow.Step{
		{ID: "replay", Type: flow.KindNetworkReplay, Params: mustParams(t, map[string]any{
			"requestId": "replay",
			"response":  map[string]any{"as": "json", "path": "total"}, "out": "total",
		})},
	}
	p := testPack(t, steps, "total")

	ttl := types.Duration(time.Minute)
	store, _ := snapshot.Open(filepath.Join(p.Dir, pack.SnapshotsFile))
	store.Put(&types.RequestSnapshot{
		StepID:     "replay",
		CapturedAt: time.Now().Add(-time.Hour),
		TTL:        &ttl,
		Request:    types.SnapshotRequest{Method: "GET", URL: srv.URL + "/api/items"},
	})
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}

	fake := drivertest.New()
	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), p, nil, Options{})

	// The stale snapshot blocks HTTP-only mode; browser mode still runs
	// the replay through the persisted request.
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Collectibles["total"] != float64(5) {
		t.Fatalf("collectibles = %v", res.Collectibles)
	}
	if !fake.Session.Closed {
		t.Fatal("browser session was never used")
	}
}

func TestHTTPOnlyValidationMismatchFallsBack(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.WriteHeader(500)
			return
		}
		w.Write([]byte(`{"total": 3}`))
	}))
	defer srv.Close()

	steps := []flow.Step{
		{ID: "replay", Type: flow.KindNetworkReplay, Params: mustParams(t, map[string]any{
			"requestId": "replay",
			"response":  map[string]any{"as": "json", "path": "total"}, "out": "total",
		})},
	}
	p := testPack(t, steps, "total")

	store, _ := snapshot.Open(filepath.Join(p.Dir, pack.SnapshotsFile))
	store.Put(&types.RequestSnapshot{
		StepID:             "replay",
		CapturedAt:         time.Now(),
		Request:            types.SnapshotRequest{Method: "GET", URL: srv.URL + "/api/items"},
		ResponseValidation: types.ResponseValidation{ExpectedStatus: 200},
	})
	if err := store.Save(); err != nil {
		t.Fatal(err)
	}

	fake := drivertest.New()
	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), p, nil, Options{})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if res.Collectibles["total"] != float64(3) {
		t.Fatalf("collectibles = %v", res.Collectibles)
	}
	if !fake.Session.Closed {
		t.Fatal("expected fallback into browser mode")
	}
}

func TestCancellationSurfacesAsFailure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	steps := []flow.Step{
		{ID: "wait", Type: flow.KindSleep, Params: mustParams(t, map[string]any{"durationMs": 60000})},
	}
	r := newTestRunner(drivertest.New(), nil)
	res := r.Run(ctx, testPack(t, steps), nil, Options{SkipHTTPReplay: true})

	if res.Success {
		t.Fatal("cancelled run must fail")
	}
	if !strings.HasPrefix(res.Meta.Notes, "Error: ") {
		t.Fatalf("notes = %q", res.Meta.Notes)
	}
}

func TestSecretsNeverReachNotes(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	page := fake.Session.ActivePage()
	page.Errs["navigate"] = errors.New("proxy rejected credential hunter2pass")

	steps := []flow.Step{
		{ID: "go", Type: flow.KindNavigate, Params: mustParams(t, map[string]any{"url": "https://x.test"})},
	}
	p := testPack(t, steps)
	p.Secrets = map[string]string{"password": "hunter2pass"}

	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), p, nil, Options{SkipHTTPReplay: true})

	if res.Success {
		t.Fatal("run should fail")
	}
	if strings.Contains(res.Meta.Notes, "hunter2pass") {
		t.Fatalf("secret leaked into notes: %q", res.Meta.Notes)
	}
	if !strings.Contains(res.Meta.Notes, "[REDACTED]") {
		t.Fatalf("notes = %q; want redaction marker", res.Meta.Notes)
	}
}

func TestCollectiblesFilteredToDeclared(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	fake.Session.ActivePage().TitleText = "T"
	steps := []flow.Step{
		{ID: "t", Type: flow.KindExtractTitle, Params: mustParams(t, map[string]any{"out": "undeclared"})},
	}
	// "undeclared" is not in the pack's collectible list; the validator
	// would normally reject this flow, and the runner independently
	// filters the result.
	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), testPack(t, steps, "other"), nil, Options{SkipHTTPReplay: true})

	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if _, ok := res.Collectibles["undeclared"]; ok {
		t.Fatal("undeclared collectible escaped")
	}
}

func TestSpanPerStep(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	page := fake.Session.ActivePage()
	page.SetExists(flow.FromSelector("#go"))

	steps := []flow.Step{
		{ID: "open", Type: flow.KindNavigate, Params: mustParams(t, map[string]any{"url": "https://x.test/"})},
		{ID: "press", Type: flow.KindClick, Params: mustParams(t, map[string]any{"selector": "#go"})},
	}

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	r := newTestRunner(fake, nil)
	r.Tracer = tp.Tracer("test")

	res := r.Run(context.Background(), testPack(t, steps), nil, Options{SkipHTTPReplay: true})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	runSpans := 0
	var stepIDs, stepKinds []string
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "flow.run":
			runSpans++
		case "flow.step":
			for _, attr := range span.Attributes() {
				switch attr.Key {
				case "step.id":
					stepIDs = append(stepIDs, attr.Value.AsString())
				case "step.kind":
					stepKinds = append(stepKinds, attr.Value.AsString())
				}
			}
		}
	}
	if runSpans != 1 {
		t.Fatalf("flow.run spans = %d; want 1", runSpans)
	}
	if len(stepIDs) != 2 || stepIDs[0] != "open" || stepIDs[1] != "press" {
		t.Fatalf("step span ids = %v", stepIDs)
	}
	if len(stepKinds) != 2 || stepKinds[0] != "navigate" || stepKinds[1] != "click" {
		t.Fatalf("step span kinds = %v", stepKinds)
	}
}

func TestFailureKindOnStepSpan(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	steps := []flow.Step{
		{ID: "press", Type: flow.KindClick, Params: mustParams(t, map[string]any{"selector": "#missing"})},
	}

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	r := newTestRunner(fake, nil)
	r.Tracer = tp.Tracer("test")

	res := r.Run(context.Background(), testPack(t, steps), nil, Options{SkipHTTPReplay: true})
	if res.Success {
		t.Fatal("run should fail")
	}

	found := false
	for _, span := range recorder.Ended() {
		if span.Name() != "flow.step" {
			continue
		}
		for _, attr := range span.Attributes() {
			if attr.Key == "failure.kind" && attr.Value.AsString() != "" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("no flow.step span carries a failure.kind attribute")
	}
}

func TestRunDirHostsProfilePersistence(t *testing.T) {
	t.Parallel()
	fake := drivertest.New()
	p := testPack(t, nil)
	p.Manifest.Browser = &pack.BrowserSettings{Persistence: driver.PersistenceProfile}
	runDir := t.TempDir()

	r := newTestRunner(fake, nil)
	res := r.Run(context.Background(), p, nil, Options{SkipHTTPReplay: true, RunDir: runDir})
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if want := filepath.Join(runDir, ".browser-profile"); fake.LastSettings.UserDataDir != want {
		t.Fatalf("user data dir = %q; want %q", fake.LastSettings.UserDataDir, want)
	}
}

func TestTruncatedReplayBodyFailsJSONExtraction(t *testing.T) {
	t.Parallel()
	e := &exec{state: NewRunState(nil, nil)}
	res := &capture.ReplayResult{Status: 200, Body: `{"partial":`, Truncated: true}

	p := &flow.NetworkReplayParams{
		Out:      "data",
		Response: &flow.ReplayResponseSpec{As: "json", Path: "partial"},
	}
	err := e.replayOutPath("fetch", p, res)
	if !types.IsKind(err, types.KindReplay) {
		t.Fatalf("err = %v; want replay kind", err)
	}
	if !strings.Contains(err.Error(), "stored-body limit") {
		t.Fatalf("err = %v", err)
	}

	// Text out-paths degrade to a hint instead of failing.
	e = &exec{state: NewRunState(nil, nil)}
	p = &flow.NetworkReplayParams{SaveAs: "raw_body"}
	if err := e.replayOutPath("fetch", p, res); err != nil {
		t.Fatalf("saveAs path err = %v", err)
	}
	if e.state.Vars["raw_body"] != res.Body {
		t.Fatalf("vars = %v", e.state.Vars)
	}
	if len(e.state.Hints) != 1 || !strings.Contains(e.state.Hints[0], "truncated") {
		t.Fatalf("hints = %v", e.state.Hints)
	}
}
