// driver.go — The browser adapter boundary.
// The interpreter consumes only these interfaces; the chromedp
// implementation lives behind them, and tests substitute a scripted
// fake. Engine and persistence are selected per run from the pack
// manifest plus run options.
package driver

import (
	"context"

	"github.com/showrun/showrun/internal/capture"
	"github.com/showrun/showrun/internal/flow"
	"github.com/showrun/showrun/internal/types"
)

// Engine selects the launch profile.
const (
	EngineDefault = "default"
	EngineStealth = "stealth"
)

// Persistence selects where browser state lives between runs.
const (
	PersistenceNone    = "none"
	PersistenceSession = "session"
	PersistenceProfile = "profile"
)

// DefaultTimeoutMs is the implicit wait on interactions and waits.
const DefaultTimeoutMs = 30_000

// Settings configures one browser session.
type Settings struct {
	Engine      string
	Persistence string
	Headless    bool

	// CDPURL attaches to an already-running browser instead of
	// launching one. Persistence is ignored when set.
	CDPURL string

	// UserDataDir backs the session and profile persistence modes.
	UserDataDir string
}

// Normalize fills defaults and rejects unknown values.
func (s *Settings) Normalize() error {
	if s.Engine == "" {
		s.Engine = EngineDefault
	}
	if s.Persistence == "" {
		s.Persistence = PersistenceNone
	}
	switch s.Engine {
	case EngineDefault, EngineStealth:
	default:
		return types.Errorf(types.KindValidation, "unknown browser engine %q", s.Engine)
	}
	switch s.Persistence {
	case PersistenceNone, PersistenceSession, PersistenceProfile:
	default:
		return types.Errorf(types.KindValidation, "unknown persistence mode %q", s.Persistence)
	}
	if s.Persistence != PersistenceNone && s.CDPURL == "" && s.UserDataDir == "" {
		return types.Errorf(types.KindValidation, "persistence %q needs a user data directory", s.Persistence)
	}
	return nil
}

// Driver launches browser sessions.
type Driver interface {
	Launch(ctx context.Context, settings Settings) (Session, error)
}

// Session is one isolated browser context with its tabs.
type Session interface {
	// Page returns the active tab.
	Page() Page

	// NewTab opens a tab at url and makes it active, returning its index.
	NewTab(ctx context.Context, url string) (int, error)

	// SwitchTab activates the tab at index, optionally closing the one
	// that was active.
	SwitchTab(ctx context.Context, index int, closeCurrent bool) error

	// HTTPDoer returns an HTTP client that shares the browser's cookie
	// state, used for request replay with auth=browser_context.
	HTTPDoer(ctx context.Context) (capture.Doer, error)

	Close() error
}

// WaitSpec is one wait_for condition.
type WaitSpec struct {
	Target    *flow.Target
	URL       string // substring of the page URL
	LoadState string // load | domcontentloaded | networkidle
	Visible   bool
	TimeoutMs int
}

// InteractOpts tunes element interactions.
type InteractOpts struct {
	// First takes the first match instead of failing on ambiguity.
	First bool
	// TimeoutMs bounds the implicit interactability wait; zero means
	// DefaultTimeoutMs.
	TimeoutMs int
}

// Page is one tab. Interactions resolve their target with the
// human-stable priority order and include an implicit
// visibility-and-enabled wait. Page also satisfies flow.Prober.
type Page interface {
	flow.Prober

	Navigate(ctx context.Context, url, waitUntil string) error
	WaitFor(ctx context.Context, spec WaitSpec) error

	Click(ctx context.Context, t *flow.Target, opts InteractOpts) error
	Fill(ctx context.Context, t *flow.Target, value string, clear bool, opts InteractOpts) error
	SelectOption(ctx context.Context, t *flow.Target, value string, opts InteractOpts) error
	PressKey(ctx context.Context, key string, t *flow.Target, times, delayMs int) error
	UploadFile(ctx context.Context, t *flow.Target, files []string) error

	EnterFrame(ctx context.Context, frame string) error
	ExitFrame(ctx context.Context) error

	Title(ctx context.Context) (string, error)
	Text(ctx context.Context, t *flow.Target, first bool) (string, error)
	Attribute(ctx context.Context, t *flow.Target, attribute string, first bool) (string, error)

	// Capture is this tab's network record.
	Capture() *capture.Capture
}
