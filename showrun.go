// showrun.go — Public embedding surface.
// Hosts load a pack once, then run it as many times as they like with
// different inputs. Run never returns a Go error for flow failures;
// everything that happens after validation is folded into the RunResult.
package showrun

import (
	"context"
	"time"

	"github.com/showrun/showrun/internal/pack"
	"github.com/showrun/showrun/internal/runner"
	"github.com/showrun/showrun/internal/state"
	"github.com/showrun/showrun/internal/types"
)

// Re-exported types so embedders never import internal packages.
type (
	Pack      = pack.Pack
	RunResult = types.RunResult
	Meta      = types.Meta
	Event     = types.Event
	EventType = types.EventType
	Sink      = types.Sink
)

// Built-in sinks.
type (
	NopSink    = types.NopSink
	SlogSink   = types.SlogSink
	MemorySink = types.MemorySink
)

// Options tune one run.
type Options struct {
	// RunDir is the working directory for run artifacts such as
	// profile-persistence browser state; empty keeps everything inside
	// the pack directory.
	RunDir string

	Headless  bool
	SessionID string
	ProfileID string

	// SkipHTTPReplay forces browser mode even when every replay step has
	// a fresh snapshot.
	SkipHTTPReplay bool

	// CDPURL attaches to an already-running browser over the DevTools
	// protocol instead of launching one.
	CDPURL string

	// SnapshotTTL applies to snapshots recorded during this run; zero
	// means no expiry.
	SnapshotTTL time.Duration

	// Events receives the run narration; nil discards it.
	Events Sink
}

// LoadPack reads and validates a pack directory. Errors here are the
// exit-code-2 class: malformed manifest, invalid flow, missing required
// secrets.
func LoadPack(dir string) (*Pack, error) {
	return pack.Load(dir)
}

// TaskpacksDir resolves the default pack search directory, honoring
// SHOWRUN_TASKPACKS_DIR.
func TaskpacksDir() (string, error) {
	return state.TaskpacksDir()
}

// Run executes the pack's flow with the given inputs. Cancellation
// travels through ctx; the result carries success, collectibles,
// metadata, and diagnostics.
func Run(ctx context.Context, p *Pack, inputs map[string]any, opts Options) RunResult {
	r := runner.New()
	r.Events = opts.Events
	return r.Run(ctx, p, inputs, runner.Options{
		RunDir:         opts.RunDir,
		Headless:       opts.Headless,
		SessionID:      opts.SessionID,
		ProfileID:      opts.ProfileID,
		SkipHTTPReplay: opts.SkipHTTPReplay,
		CDPURL:         opts.CDPURL,
		SnapshotTTL:    opts.SnapshotTTL,
	})
}
