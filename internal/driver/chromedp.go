// chromedp.go — The chromedp-backed driver.
// One Session per run: an exec-allocated browser (or a remote CDP
// attach), tabs as child contexts, a capture buffer listening on every
// tab. Interactions evaluate the in-page resolver and act on the
// tagged element, so the same path serves main-document and iframe
// targets.
package driver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	cdpnetwork "github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/showrun/showrun/internal/capture"
	"github.com/showrun/showrun/internal/flow"
	"github.com/showrun/showrun/internal/types"
)

// stealthJS masks the obvious automation signals before page scripts run.
const stealthJS = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = window.chrome || { runtime: {} };
Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});`

// resolvePollInterval paces the implicit interactability wait.
const resolvePollInterval = 100 * time.Millisecond

// networkIdleQuiet is how long the capture must stay unchanged for a
// networkidle wait to settle.
const networkIdleQuiet = 500 * time.Millisecond

// ChromeDriver launches Chrome sessions over chromedp.
type ChromeDriver struct{}

// NewChromeDriver returns the production driver.
func NewChromeDriver() *ChromeDriver { return &ChromeDriver{} }

// Launch starts (or attaches to) a browser and opens the first tab.
func (d *ChromeDriver) Launch(ctx context.Context, settings Settings) (Session, error) {
	if err := settings.Normalize(); err != nil {
		return nil, err
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if settings.CDPURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, settings.CDPURL)
	} else {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts, chromedp.Flag("headless", settings.Headless))
		if settings.Persistence != PersistenceNone {
			opts = append(opts, chromedp.UserDataDir(settings.UserDataDir))
		}
		if settings.Engine == EngineStealth {
			opts = append(opts,
				chromedp.Flag("disable-blink-features", "AutomationControlled"),
				chromedp.Flag("exclude-switches", "enable-automation"),
			)
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}

	sess := &chromeSession{allocCancel: allocCancel, engine: settings.Engine}
	page, err := sess.openTab(allocCtx)
	if err != nil {
		allocCancel()
		return nil, types.Wrap(types.KindInternal, err, "launching browser")
	}
	sess.tabs = append(sess.tabs, page)
	sess.active = 0
	return sess, nil
}

// ============================================
// Session
// ============================================

type chromeSession struct {
	allocCancel context.CancelFunc
	engine      string

	tabs   []*chromePage // closed tabs stay as nil slots so indices hold
	active int
}

func (s *chromeSession) openTab(parent context.Context) (*chromePage, error) {
	ctx, cancel := chromedp.NewContext(parent)

	cap := capture.New()
	cap.AttachCDP(ctx)

	actions := []chromedp.Action{cdpnetwork.Enable()}
	if s.engine == EngineStealth {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := cdppage.AddScriptToEvaluateOnNewDocument(stealthJS).Do(ctx)
			return err
		}))
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		cancel()
		return nil, err
	}
	return &chromePage{ctx: ctx, cancel: cancel, cap: cap}, nil
}

func (s *chromeSession) Page() Page { return s.tabs[s.active] }

func (s *chromeSession) NewTab(ctx context.Context, targetURL string) (int, error) {
	page, err := s.openTab(s.tabs[s.active].ctx)
	if err != nil {
		return 0, types.Wrap(types.KindInternal, err, "opening tab")
	}
	s.tabs = append(s.tabs, page)
	s.active = len(s.tabs) - 1
	if targetURL != "" {
		if err := page.Navigate(ctx, targetURL, ""); err != nil {
			return s.active, err
		}
	}
	return s.active, nil
}

func (s *chromeSession) SwitchTab(ctx context.Context, index int, closeCurrent bool) error {
	if index < 0 || index >= len(s.tabs) || s.tabs[index] == nil {
		return types.Errorf(types.KindValidation, "no tab at index %d", index)
	}
	if closeCurrent && index != s.active {
		s.tabs[s.active].cancel()
		s.tabs[s.active] = nil
	}
	s.active = index
	return nil
}

// HTTPDoer builds an HTTP client carrying the browser's current cookies.
func (s *chromeSession) HTTPDoer(ctx context.Context) (capture.Doer, error) {
	var cookies []*cdpnetwork.Cookie
	err := chromedp.Run(s.tabs[s.active].ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = cdpnetwork.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "reading browser cookies")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "building cookie jar")
	}
	byOrigin := make(map[string][]*http.Cookie)
	for _, c := range cookies {
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		origin := scheme + "://" + strings.TrimPrefix(c.Domain, ".")
		byOrigin[origin] = append(byOrigin[origin], &http.Cookie{
			Name: c.Name, Value: c.Value, Path: c.Path,
			Domain: strings.TrimPrefix(c.Domain, "."),
		})
	}
	for origin, cs := range byOrigin {
		u, err := url.Parse(origin)
		if err != nil {
			continue
		}
		jar.SetCookies(u, cs)
	}
	return &http.Client{Jar: jar, Timeout: 30 * time.Second}, nil
}

func (s *chromeSession) Close() error {
	for _, t := range s.tabs {
		if t != nil {
			t.cancel()
		}
	}
	s.allocCancel()
	return nil
}

// ============================================
// Page
// ============================================

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	cap    *capture.Capture

	// frames is the entered-iframe selector stack.
	frames []string
}

func (p *chromePage) Capture() *capture.Capture { return p.cap }

// docExpr builds the JS expression selecting the current frame document.
func (p *chromePage) docExpr() string {
	expr := "document"
	for _, sel := range p.frames {
		expr = "(((" + expr + ").querySelector(" + strconv.Quote(sel) + ")||{}).contentDocument)"
	}
	return expr
}

func (p *chromePage) eval(ctx context.Context, expr string, out any) error {
	run := chromedp.Evaluate(expr, out)
	if out == nil {
		run = chromedp.Evaluate(expr, nil)
	}
	if err := chromedp.Run(p.ctx, run); err != nil {
		if ctx.Err() != nil {
			return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
		}
		return err
	}
	return nil
}

// resolveOnce runs one resolver pass for the target.
func (p *chromePage) resolveOnce(ctx context.Context, t *flow.Target, first, tag bool) (resolveOutcome, error) {
	spec, err := marshalSpec(t, first, tag)
	if err != nil {
		return resolveOutcome{}, types.Wrap(types.KindInternal, err, "encoding target")
	}
	expr := "(" + resolverJS + ")(" + spec + ", " + p.docExpr() + ")"
	var out resolveOutcome
	if err := p.eval(ctx, expr, &out); err != nil {
		return resolveOutcome{}, types.Wrap(types.KindInternal, err, "resolving "+t.Describe())
	}
	return out, nil
}

// waitResolve polls until the target is uniquely resolved and, when
// needed, interactable. Ambiguity fails immediately.
func (p *chromePage) waitResolve(ctx context.Context, t *flow.Target, opts InteractOpts, needInteractable bool) error {
	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if opts.TimeoutMs <= 0 {
		timeout = DefaultTimeoutMs * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	var last resolveOutcome
	for {
		out, err := p.resolveOnce(ctx, t, opts.First, true)
		if err != nil {
			return err
		}
		if out.Count > 1 {
			return types.Errorf(types.KindAmbiguousTarget,
				"%s matched %d elements; set first to take the first", t.Describe(), out.Count)
		}
		if out.Count == 1 && (!needInteractable || out.Interactable) {
			return nil
		}
		last = out

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
		case <-time.After(resolvePollInterval):
		}
	}
	if last.Count == 0 {
		return types.Errorf(types.KindTargetNotFound, "%s not found", t.Describe())
	}
	return types.Errorf(types.KindElementNotInteractable, "%s found but not interactable", t.Describe())
}

// actOnHit runs a JS statement body with `el` bound to the tagged
// element, then clears the tag.
func (p *chromePage) actOnHit(ctx context.Context, body string) error {
	expr := fmt.Sprintf(`(function(doc) {
  const el = doc.querySelector(%q);
  if (!el) return false;
  %s
  el.removeAttribute(%q);
  return true;
})(%s)`, hitSelector, body, hitAttr, p.docExpr())
	var ok bool
	if err := p.eval(ctx, expr, &ok); err != nil {
		return types.Wrap(types.KindInternal, err, "acting on element")
	}
	if !ok {
		return types.Errorf(types.KindTargetNotFound, "element vanished before the action")
	}
	return nil
}

// ------------------------------------------------
// Navigation and waits
// ------------------------------------------------

func (p *chromePage) Navigate(ctx context.Context, targetURL, waitUntil string) error {
	if err := chromedp.Run(p.ctx, chromedp.Navigate(targetURL)); err != nil {
		if ctx.Err() != nil {
			return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
		}
		return types.Wrap(types.KindNavigationTimeout, err, "navigating to "+targetURL)
	}
	switch waitUntil {
	case "", "load":
		return p.waitReadyState(ctx, "complete", DefaultTimeoutMs, types.KindNavigationTimeout)
	case "domcontentloaded":
		return p.waitReadyState(ctx, "interactive", DefaultTimeoutMs, types.KindNavigationTimeout)
	case "networkidle":
		if err := p.waitReadyState(ctx, "complete", DefaultTimeoutMs, types.KindNavigationTimeout); err != nil {
			return err
		}
		return p.waitNetworkIdle(ctx, DefaultTimeoutMs)
	default:
		return types.Errorf(types.KindValidation, "unknown waitUntil %q", waitUntil)
	}
}

// waitReadyState polls document.readyState until it reaches want.
// "interactive" also accepts "complete".
func (p *chromePage) waitReadyState(ctx context.Context, want string, timeoutMs int, kind types.Kind) error {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		var state string
		if err := p.eval(ctx, "document.readyState", &state); err != nil {
			return err
		}
		if state == "complete" || state == want {
			return nil
		}
		if time.Now().After(deadline) {
			return types.Errorf(kind, "page did not reach %s state", want)
		}
		select {
		case <-ctx.Done():
			return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
		case <-time.After(resolvePollInterval):
		}
	}
}

// waitNetworkIdle waits for the capture to stay unchanged for a quiet
// window.
func (p *chromePage) waitNetworkIdle(ctx context.Context, timeoutMs int) error {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	lastLen := p.cap.Len()
	quietSince := time.Now()
	for {
		if n := p.cap.Len(); n != lastLen {
			lastLen = n
			quietSince = time.Now()
		}
		if time.Since(quietSince) >= networkIdleQuiet {
			return nil
		}
		if time.Now().After(deadline) {
			return types.Errorf(types.KindNavigationTimeout, "network did not go idle")
		}
		select {
		case <-ctx.Done():
			return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
		case <-time.After(resolvePollInterval):
		}
	}
}

func (p *chromePage) WaitFor(ctx context.Context, spec WaitSpec) error {
	timeoutMs := spec.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = DefaultTimeoutMs
	}

	switch {
	case spec.Target != nil:
		deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
		for {
			out, err := p.resolveOnce(ctx, spec.Target, true, false)
			if err != nil {
				return err
			}
			if out.Count >= 1 && (!spec.Visible || out.Visible) {
				return nil
			}
			if time.Now().After(deadline) {
				return types.Errorf(types.KindWaitTimeout, "timed out waiting for %s", spec.Target.Describe())
			}
			select {
			case <-ctx.Done():
				return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
			case <-time.After(resolvePollInterval):
			}
		}

	case spec.URL != "":
		deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
		for {
			current, err := p.CurrentURL(ctx)
			if err != nil {
				return err
			}
			if strings.Contains(current, spec.URL) {
				return nil
			}
			if time.Now().After(deadline) {
				return types.Errorf(types.KindWaitTimeout, "timed out waiting for URL containing %q", spec.URL)
			}
			select {
			case <-ctx.Done():
				return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
			case <-time.After(resolvePollInterval):
			}
		}

	case spec.LoadState != "":
		switch spec.LoadState {
		case "load":
			return p.waitReadyState(ctx, "complete", timeoutMs, types.KindWaitTimeout)
		case "domcontentloaded":
			return p.waitReadyState(ctx, "interactive", timeoutMs, types.KindWaitTimeout)
		case "networkidle":
			return p.waitNetworkIdle(ctx, timeoutMs)
		default:
			return types.Errorf(types.KindValidation, "unknown loadState %q", spec.LoadState)
		}
	}
	return types.Errorf(types.KindValidation, "wait_for needs a target, url, or loadState")
}

// ------------------------------------------------
// Interactions
// ------------------------------------------------

func (p *chromePage) Click(ctx context.Context, t *flow.Target, opts InteractOpts) error {
	if err := p.waitResolve(ctx, t, opts, true); err != nil {
		return err
	}
	return p.actOnHit(ctx, `el.scrollIntoView({block: 'center'}); el.click();`)
}

func (p *chromePage) Fill(ctx context.Context, t *flow.Target, value string, clear bool, opts InteractOpts) error {
	if err := p.waitResolve(ctx, t, opts, true); err != nil {
		return err
	}
	// Use the native value setter so framework-controlled inputs see the
	// change, then fire the events a real keyboard would. clear replaces
	// the existing value; otherwise the value is appended.
	body := fmt.Sprintf(`
  const v = %s;
  const replace = %t;
  if (el.isContentEditable) {
    el.textContent = replace ? v : el.textContent + v;
  } else {
    const proto = el.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
    const desc = Object.getOwnPropertyDescriptor(proto, 'value');
    const next = replace || !el.value ? v : el.value + v;
    if (desc && desc.set) desc.set.call(el, next); else el.value = next;
  }
  el.dispatchEvent(new Event('input', {bubbles: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));`, jsString(value), clear)
	return p.actOnHit(ctx, body)
}

func (p *chromePage) SelectOption(ctx context.Context, t *flow.Target, value string, opts InteractOpts) error {
	if err := p.waitResolve(ctx, t, opts, true); err != nil {
		return err
	}
	body := fmt.Sprintf(`
  const v = %s;
  let matched = false;
  for (const opt of el.options || []) {
    if (opt.value === v || opt.textContent.trim() === v) {
      el.value = opt.value;
      matched = true;
      break;
    }
  }
  if (!matched) el.value = v;
  el.dispatchEvent(new Event('input', {bubbles: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));`, jsString(value))
	return p.actOnHit(ctx, body)
}

// namedKeys maps the key names packs use to CDP key codes.
var namedKeys = map[string]string{
	"Enter":      kb.Enter,
	"Tab":        kb.Tab,
	"Escape":     kb.Escape,
	"Backspace":  kb.Backspace,
	"Delete":     kb.Delete,
	"ArrowUp":    kb.ArrowUp,
	"ArrowDown":  kb.ArrowDown,
	"ArrowLeft":  kb.ArrowLeft,
	"ArrowRight": kb.ArrowRight,
	"Home":       kb.Home,
	"End":        kb.End,
	"PageUp":     kb.PageUp,
	"PageDown":   kb.PageDown,
}

func (p *chromePage) PressKey(ctx context.Context, key string, t *flow.Target, times, delayMs int) error {
	if t != nil {
		if err := p.waitResolve(ctx, t, InteractOpts{First: true}, true); err != nil {
			return err
		}
		if err := p.actOnHit(ctx, `el.focus();`); err != nil {
			return err
		}
	}
	code, ok := namedKeys[key]
	if !ok {
		code = key
	}
	if times <= 0 {
		times = 1
	}
	for i := 0; i < times; i++ {
		if err := chromedp.Run(p.ctx, chromedp.KeyEvent(code)); err != nil {
			if ctx.Err() != nil {
				return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
			}
			return types.Wrap(types.KindInternal, err, "sending key "+key)
		}
		if delayMs > 0 && i < times-1 {
			select {
			case <-ctx.Done():
				return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
			case <-time.After(time.Duration(delayMs) * time.Millisecond):
			}
		}
	}
	return nil
}

// UploadFile attaches files through CDP. File inputs inside iframes are
// not reachable by the main-document selector this uses.
func (p *chromePage) UploadFile(ctx context.Context, t *flow.Target, files []string) error {
	if err := p.waitResolve(ctx, t, InteractOpts{First: true}, false); err != nil {
		return err
	}
	if err := chromedp.Run(p.ctx, chromedp.SetUploadFiles(hitSelector, files)); err != nil {
		if ctx.Err() != nil {
			return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
		}
		return types.Wrap(types.KindInternal, err, "attaching files")
	}
	return p.actOnHit(ctx, ``)
}

// ------------------------------------------------
// Frames and tabs
// ------------------------------------------------

// EnterFrame pushes an iframe context. frame is a CSS selector, or a
// bare name matched against iframe[name].
func (p *chromePage) EnterFrame(ctx context.Context, frame string) error {
	sel := frame
	if !strings.ContainsAny(frame, "[.#> ") {
		sel = `iframe[name=` + strconv.Quote(frame) + `]`
	}
	probe := "!!(((" + p.docExpr() + ").querySelector(" + strconv.Quote(sel) + ")||{}).contentDocument)"
	var ok bool
	if err := p.eval(ctx, probe, &ok); err != nil {
		return types.Wrap(types.KindInternal, err, "probing frame")
	}
	if !ok {
		return types.Errorf(types.KindTargetNotFound, "no accessible frame %q", frame)
	}
	p.frames = append(p.frames, sel)
	return nil
}

func (p *chromePage) ExitFrame(ctx context.Context) error {
	if len(p.frames) == 0 {
		return types.Errorf(types.KindValidation, "not inside a frame")
	}
	p.frames = p.frames[:len(p.frames)-1]
	return nil
}

// ------------------------------------------------
// Reads
// ------------------------------------------------

func (p *chromePage) Title(ctx context.Context) (string, error) {
	var title string
	if err := p.eval(ctx, "document.title", &title); err != nil {
		return "", types.Wrap(types.KindInternal, err, "reading title")
	}
	return title, nil
}

func (p *chromePage) Text(ctx context.Context, t *flow.Target, first bool) (string, error) {
	if err := p.waitResolve(ctx, t, InteractOpts{First: first}, false); err != nil {
		return "", err
	}
	expr := "((" + p.docExpr() + ").querySelector(" + strconv.Quote(hitSelector) + ") || {textContent: ''}).textContent"
	var text string
	if err := p.eval(ctx, expr, &text); err != nil {
		return "", types.Wrap(types.KindInternal, err, "reading text")
	}
	return text, nil
}

func (p *chromePage) Attribute(ctx context.Context, t *flow.Target, attribute string, first bool) (string, error) {
	if err := p.waitResolve(ctx, t, InteractOpts{First: first}, false); err != nil {
		return "", err
	}
	expr := fmt.Sprintf("((%s).querySelector(%s) || {getAttribute: () => ''}).getAttribute(%s) || ''",
		p.docExpr(), strconv.Quote(hitSelector), jsString(attribute))
	var value string
	if err := p.eval(ctx, expr, &value); err != nil {
		return "", types.Wrap(types.KindInternal, err, "reading attribute")
	}
	return value, nil
}

// ------------------------------------------------
// Prober
// ------------------------------------------------

func (p *chromePage) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	if err := p.eval(ctx, "window.location.href", &loc); err != nil {
		return "", types.Wrap(types.KindInternal, err, "reading location")
	}
	return loc, nil
}

// ElementVisible is a single probe, no implicit wait.
func (p *chromePage) ElementVisible(ctx context.Context, t *flow.Target) (bool, error) {
	out, err := p.resolveOnce(ctx, t, true, false)
	if err != nil {
		return false, err
	}
	return out.Count >= 1 && out.Visible, nil
}

func (p *chromePage) ElementExists(ctx context.Context, t *flow.Target) (bool, error) {
	out, err := p.resolveOnce(ctx, t, true, false)
	if err != nil {
		return false, err
	}
	return out.Count >= 1, nil
}

// jsString renders a Go string as a JS string literal.
func jsString(s string) string { return strconv.Quote(s) }
