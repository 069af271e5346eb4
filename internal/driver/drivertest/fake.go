// fake.go — A scripted in-memory driver for interpreter tests.
// The fake records every operation in order and answers reads from
// maps keyed by the target description, so tests assert on exactly
// what the interpreter asked the browser to do without a browser.
package drivertest

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/showrun/showrun/internal/capture"
	"github.com/showrun/showrun/internal/driver"
	"github.com/showrun/showrun/internal/flow"
	"github.com/showrun/showrun/internal/types"
)

// Fake implements driver.Driver.
type Fake struct {
	Session *Session

	// LaunchErr fails Launch when set.
	LaunchErr error

	// LastSettings records what the runner asked for.
	LastSettings driver.Settings
}

// New builds a fake driver with one empty tab.
func New() *Fake {
	page := NewPage()
	return &Fake{Session: &Session{tabs: []*Page{page}}}
}

func (f *Fake) Launch(ctx context.Context, settings driver.Settings) (driver.Session, error) {
	f.LastSettings = settings
	if f.LaunchErr != nil {
		return nil, f.LaunchErr
	}
	return f.Session, nil
}

// Session implements driver.Session.
type Session struct {
	mu     sync.Mutex
	tabs   []*Page
	active int

	// Doer serves HTTPDoer; defaults to http.DefaultClient.
	Doer capture.Doer

	Closed bool
}

func (s *Session) Page() driver.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabs[s.active]
}

// ActivePage returns the active tab as the concrete fake for asserts.
func (s *Session) ActivePage() *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tabs[s.active]
}

func (s *Session) NewTab(ctx context.Context, url string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := NewPage()
	page.URL = url
	page.record("new_tab %s", url)
	s.tabs = append(s.tabs, page)
	s.active = len(s.tabs) - 1
	return s.active, nil
}

func (s *Session) SwitchTab(ctx context.Context, index int, closeCurrent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.tabs) || s.tabs[index] == nil {
		return types.Errorf(types.KindValidation, "no tab at index %d", index)
	}
	if closeCurrent && index != s.active {
		s.tabs[s.active] = nil
	}
	s.active = index
	return nil
}

func (s *Session) HTTPDoer(ctx context.Context) (capture.Doer, error) {
	if s.Doer != nil {
		return s.Doer, nil
	}
	return http.DefaultClient, nil
}

func (s *Session) Close() error {
	s.Closed = true
	return nil
}

// Page implements driver.Page. Zero value maps are lazily created.
type Page struct {
	mu sync.Mutex

	// Calls is the ordered operation log, one line per call.
	Calls []string

	// URL is the current location; Navigate overwrites it.
	URL string

	// TitleText answers extract_title.
	TitleText string

	// Texts, Attrs answer reads, keyed by Target.Describe (Attrs by
	// "describe@attr").
	Texts map[string]string
	Attrs map[string]string

	// Existing and Hidden drive resolution: a target exists when its
	// description is in Existing (or it has a Texts entry); Hidden marks
	// it invisible.
	Existing map[string]bool
	Hidden   map[string]bool

	// Errs injects one error per operation name ("click", "fill",
	// "navigate", ...); consumed on first use unless Sticky.
	Errs   map[string]error
	Sticky bool

	cap *capture.Capture
}

// NewPage builds an empty page with its own capture buffer.
func NewPage() *Page {
	return &Page{
		Texts:    make(map[string]string),
		Attrs:    make(map[string]string),
		Existing: make(map[string]bool),
		Hidden:   make(map[string]bool),
		Errs:     make(map[string]error),
		cap:      capture.New(),
	}
}

func (p *Page) Capture() *capture.Capture { return p.cap }

func (p *Page) record(format string, args ...any) {
	p.Calls = append(p.Calls, fmt.Sprintf(format, args...))
}

// takeErr pops the injected error for op, if any.
func (p *Page) takeErr(op string) error {
	err, ok := p.Errs[op]
	if !ok {
		return nil
	}
	if !p.Sticky {
		delete(p.Errs, op)
	}
	return err
}

// SetExists marks a target resolvable.
func (p *Page) SetExists(t *flow.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Existing[t.Describe()] = true
}

// CallsMatching returns log lines containing substr.
func (p *Page) CallsMatching(substr string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, c := range p.Calls {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

func (p *Page) Navigate(ctx context.Context, url, waitUntil string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("navigate %s", url)
	if err := p.takeErr("navigate"); err != nil {
		return err
	}
	p.URL = url
	return nil
}

func (p *Page) WaitFor(ctx context.Context, spec driver.WaitSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case spec.Target != nil:
		p.record("wait_for %s", spec.Target.Describe())
	case spec.URL != "":
		p.record("wait_for url %s", spec.URL)
	default:
		p.record("wait_for state %s", spec.LoadState)
	}
	if err := p.takeErr("wait_for"); err != nil {
		return err
	}
	if spec.Target != nil && !p.knownLocked(spec.Target) {
		return types.Errorf(types.KindWaitTimeout, "timed out waiting for %s", spec.Target.Describe())
	}
	if spec.URL != "" && !strings.Contains(p.URL, spec.URL) {
		return types.Errorf(types.KindWaitTimeout, "timed out waiting for URL containing %q", spec.URL)
	}
	return nil
}

func (p *Page) knownLocked(t *flow.Target) bool {
	key := t.Describe()
	if p.Existing[key] {
		return true
	}
	_, ok := p.Texts[key]
	return ok
}

func (p *Page) resolveLocked(op string, t *flow.Target) error {
	if err := p.takeErr(op); err != nil {
		return err
	}
	if !p.knownLocked(t) {
		return types.Errorf(types.KindTargetNotFound, "%s not found", t.Describe())
	}
	return nil
}

func (p *Page) Click(ctx context.Context, t *flow.Target, opts driver.InteractOpts) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("click %s", t.Describe())
	return p.resolveLocked("click", t)
}

func (p *Page) Fill(ctx context.Context, t *flow.Target, value string, clear bool, opts driver.InteractOpts) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("fill %s = %s", t.Describe(), value)
	return p.resolveLocked("fill", t)
}

func (p *Page) SelectOption(ctx context.Context, t *flow.Target, value string, opts driver.InteractOpts) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("select %s = %s", t.Describe(), value)
	return p.resolveLocked("select_option", t)
}

func (p *Page) PressKey(ctx context.Context, key string, t *flow.Target, times, delayMs int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("press %s", key)
	return p.takeErr("press_key")
}

func (p *Page) UploadFile(ctx context.Context, t *flow.Target, files []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("upload %s %v", t.Describe(), files)
	return p.resolveLocked("upload_file", t)
}

func (p *Page) EnterFrame(ctx context.Context, frame string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("enter_frame %s", frame)
	return p.takeErr("frame")
}

func (p *Page) ExitFrame(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("exit_frame")
	return p.takeErr("frame")
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("title")
	if err := p.takeErr("extract_title"); err != nil {
		return "", err
	}
	return p.TitleText, nil
}

func (p *Page) Text(ctx context.Context, t *flow.Target, first bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("text %s", t.Describe())
	if err := p.takeErr("extract_text"); err != nil {
		return "", err
	}
	text, ok := p.Texts[t.Describe()]
	if !ok {
		return "", types.Errorf(types.KindTargetNotFound, "%s not found", t.Describe())
	}
	return text, nil
}

func (p *Page) Attribute(ctx context.Context, t *flow.Target, attribute string, first bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("attr %s@%s", t.Describe(), attribute)
	if err := p.takeErr("extract_attribute"); err != nil {
		return "", err
	}
	value, ok := p.Attrs[t.Describe()+"@"+attribute]
	if !ok {
		return "", types.Errorf(types.KindTargetNotFound, "%s not found", t.Describe())
	}
	return value, nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URL, nil
}

func (p *Page) ElementVisible(ctx context.Context, t *flow.Target) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := t.Describe()
	return p.knownLocked(t) && !p.Hidden[key], nil
}

func (p *Page) ElementExists(ctx context.Context, t *flow.Target) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.knownLocked(t), nil
}
