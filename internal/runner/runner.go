// runner.go — Run orchestration.
// Run never returns an error: every failure is folded into the
// RunResult with a scrubbed one-line note and the failed step id.
// Pre-flight decides between HTTP-only and browser mode; an HTTP-only
// attempt that trips response validation falls back to a fresh browser
// run.
package runner

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/showrun/showrun/internal/authguard"
	"github.com/showrun/showrun/internal/driver"
	"github.com/showrun/showrun/internal/pack"
	"github.com/showrun/showrun/internal/snapshot"
	"github.com/showrun/showrun/internal/state"
	"github.com/showrun/showrun/internal/types"
)

// profileDirName is where profile-persistence browser state lives
// inside the pack directory.
const profileDirName = ".browser-profile"

// Options tune one run.
type Options struct {
	// RunDir is the working directory for run artifacts such as
	// profile-persistence browser state; empty keeps everything in the
	// pack directory.
	RunDir string

	Headless  bool
	SessionID string
	ProfileID string

	// SkipHTTPReplay forces browser mode even when the pre-flight check
	// would allow HTTP-only execution.
	SkipHTTPReplay bool

	// CDPURL attaches to a running browser instead of launching one.
	CDPURL string

	// SnapshotTTL applies to snapshots recorded during this run; zero
	// means no expiry.
	SnapshotTTL time.Duration
}

// Runner executes task packs.
type Runner struct {
	Driver driver.Driver
	Events types.Sink
	Tracer trace.Tracer

	// Sessions defaults to the process-wide registry.
	Sessions *SessionRegistry
}

// New builds a runner on the production chromedp driver.
func New() *Runner {
	return &Runner{Driver: driver.NewChromeDriver()}
}

func (r *Runner) events() types.Sink {
	if r.Events != nil {
		return r.Events
	}
	return types.NopSink{}
}

func (r *Runner) tracer() trace.Tracer {
	if r.Tracer != nil {
		return r.Tracer
	}
	return otel.Tracer("showrun/runner")
}

func (r *Runner) sessions() *SessionRegistry {
	if r.Sessions != nil {
		return r.Sessions
	}
	return DefaultRegistry
}

// Run executes the pack's flow with the given inputs. The result is
// always returned by value; the error channel is the result itself.
func (r *Runner) Run(ctx context.Context, p *pack.Pack, inputs map[string]any, opts Options) types.RunResult {
	started := time.Now()
	events := r.events()

	ctx, span := r.tracer().Start(ctx, "flow.run",
		trace.WithAttributes(attribute.String("pack.id", p.Manifest.ID)))
	defer span.End()

	events.Emit(types.Event{Type: types.EventRunStarted, PackID: p.Manifest.ID, Time: started})
	finish := func(res types.RunResult) types.RunResult {
		res.Meta.DurationMs = time.Since(started).Milliseconds()
		span.SetAttributes(attribute.Bool("run.success", res.Success))
		events.Emit(types.Event{
			Type: types.EventRunFinished, PackID: p.Manifest.ID, Time: time.Now(),
			Success: res.Success, DurationMs: res.Meta.DurationMs,
		})
		return res
	}

	resolvedInputs, err := p.ApplyInputs(inputs)
	if err != nil {
		return finish(failResult(NewRunState(nil, p.Secrets), "", err))
	}

	store, err := snapshot.Open(filepath.Join(p.Dir, pack.SnapshotsFile))
	if err != nil {
		return finish(failResult(NewRunState(resolvedInputs, p.Secrets), "", err))
	}

	// HTTP-only pre-flight. A response-validation mismatch mid-run
	// declines gracefully into a fresh browser attempt.
	if !opts.SkipHTTPReplay && opts.CDPURL == "" {
		if compat := snapshot.CheckCompat(p.Doc.Flow, store, time.Now()); compat.OK {
			res, fallBack := r.runHTTPOnly(ctx, p, resolvedInputs, store, opts)
			if !fallBack {
				return finish(res)
			}
		}
	}

	return finish(r.runBrowser(ctx, p, resolvedInputs, store, opts))
}

// runHTTPOnly drives the flow through the snapshot replayer. The
// second return value asks for a browser fallback.
func (r *Runner) runHTTPOnly(ctx context.Context, p *pack.Pack, inputs map[string]any, store *snapshot.Store, opts Options) (types.RunResult, bool) {
	st := NewRunState(inputs, p.Secrets)
	ctrl, err := authguard.New(p.Manifest.Auth, r.events())
	if err != nil {
		return failResult(st, "", err), false
	}
	e := &exec{
		pack:        p,
		state:       st,
		events:      r.events(),
		tracer:      r.tracer(),
		ctrl:        ctrl,
		once:        r.sessions().Once(p.Manifest.ID, opts.SessionID),
		store:       store,
		replayer:    &snapshot.Replayer{},
		snapshotTTL: opts.SnapshotTTL,
		httpOnly:    true,
	}
	if err := e.runSteps(ctx, p.Doc.Flow, false); err != nil {
		if types.IsKind(err, types.KindResponseValidation) {
			return types.RunResult{}, true
		}
		return failResult(st, failedStepID(err), err), false
	}
	return successResult(p, st, ""), false
}

// runBrowser launches (or attaches to) a browser and drives the flow
// live.
func (r *Runner) runBrowser(ctx context.Context, p *pack.Pack, inputs map[string]any, store *snapshot.Store, opts Options) types.RunResult {
	st := NewRunState(inputs, p.Secrets)
	ctrl, err := authguard.New(p.Manifest.Auth, r.events())
	if err != nil {
		return failResult(st, "", err)
	}

	settings, err := r.browserSettings(p, opts)
	if err != nil {
		return failResult(st, "", err)
	}
	sess, err := r.Driver.Launch(ctx, settings)
	if err != nil {
		return failResult(st, "", err)
	}
	defer sess.Close()

	e := &exec{
		pack:        p,
		state:       st,
		events:      r.events(),
		tracer:      r.tracer(),
		ctrl:        ctrl,
		once:        r.sessions().Once(p.Manifest.ID, opts.SessionID),
		store:       store,
		replayer:    &snapshot.Replayer{},
		snapshotTTL: opts.SnapshotTTL,
		session:     sess,
	}
	runErr := e.runSteps(ctx, p.Doc.Flow, false)

	var res types.RunResult
	if runErr != nil {
		res = failResult(st, failedStepID(runErr), runErr)
	} else {
		finalURL, _ := sess.Page().CurrentURL(ctx)
		res = successResult(p, st, finalURL)
	}

	// Snapshot writes land only after the step loop is done.
	if err := store.Save(); err != nil {
		st.AddHint("snapshot file not saved: " + err.Error())
		res.Hints = st.Hints
	}
	return res
}

// browserSettings merges the manifest's browser block with run options
// and resolves the persistence directory.
func (r *Runner) browserSettings(p *pack.Pack, opts Options) (driver.Settings, error) {
	settings := driver.Settings{
		Headless: opts.Headless,
		CDPURL:   opts.CDPURL,
	}
	if b := p.Manifest.Browser; b != nil {
		settings.Engine = b.Engine
		settings.Persistence = b.Persistence
	}

	switch settings.Persistence {
	case driver.PersistenceProfile:
		profile := opts.ProfileID
		if profile == "" {
			profile = profileDirName
		}
		base := p.Dir
		if opts.RunDir != "" {
			base = opts.RunDir
		}
		settings.UserDataDir = filepath.Join(base, profile)
	case driver.PersistenceSession:
		if err := state.ReclaimStaleProfiles(time.Now()); err != nil {
			return settings, err
		}
		sessionID := opts.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		dir, err := state.SessionProfileDir(sessionID)
		if err != nil {
			return settings, err
		}
		settings.UserDataDir = dir
	}
	return settings, nil
}

// ============================================
// Result Shaping
// ============================================

// successResult filters collectibles to the declared names.
func successResult(p *pack.Pack, st *RunState, finalURL string) types.RunResult {
	declared := p.DeclaredCollectibles()
	collectibles := make(map[string]any, len(st.Collectibles))
	for k, v := range st.Collectibles {
		if _, ok := declared[k]; ok {
			collectibles[k] = v
		}
	}
	return types.RunResult{
		Success:      true,
		Collectibles: collectibles,
		Meta:         types.Meta{URL: finalURL},
		Hints:        st.Hints,
	}
}

// failResult folds an error into a value result with partial
// collectibles and a scrubbed note.
func failResult(st *RunState, stepID string, err error) types.RunResult {
	return types.RunResult{
		Success:      false,
		Collectibles: copyScope(st.Collectibles),
		Meta:         types.Meta{Notes: "Error: " + st.Scrubber.ScrubError(err)},
		Hints:        st.Hints,
		FailedStepID: stepID,
	}
}

// failedStepID pulls the step id out of an interpreter error chain.
func failedStepID(err error) string {
	for err != nil {
		if se, ok := err.(*stepError); ok {
			return se.stepID
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
