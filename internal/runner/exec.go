// exec.go — The step loop.
// One exec drives one run in either browser or HTTP-only mode. Per
// step: skip_if, once-cache, template resolution, dispatch, retry with
// scope rollback, auth recovery, once recording. Recovery sub-flows
// re-enter the same loop with a clean local var scope and are exempt
// from the once-cache.
package runner

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/showrun/showrun/internal/authguard"
	"github.com/showrun/showrun/internal/capture"
	"github.com/showrun/showrun/internal/driver"
	"github.com/showrun/showrun/internal/flow"
	"github.com/showrun/showrun/internal/pack"
	"github.com/showrun/showrun/internal/snapshot"
	"github.com/showrun/showrun/internal/types"
)

type exec struct {
	pack   *pack.Pack
	state  *RunState
	events types.Sink
	tracer trace.Tracer
	ctrl   *authguard.Controller
	once   OnceCache

	store       *snapshot.Store
	replayer    *snapshot.Replayer
	snapshotTTL time.Duration

	// session is nil in HTTP-only mode.
	session  driver.Session
	httpOnly bool

	// guardChecked flips after the proactive assertion ran once, right
	// after the first successful top-level navigation.
	guardChecked bool

	// authWatermark fences reactive classification of captured
	// responses: entries older than it were already consumed by a
	// recovery, so one stale 401 cannot re-trigger.
	authWatermark time.Time
}

func (e *exec) page() driver.Page {
	if e.session == nil {
		return nil
	}
	return e.session.Page()
}

func (e *exec) capture() *capture.Capture {
	if page := e.page(); page != nil {
		return page.Capture()
	}
	return nil
}

// probe answers skip_if page questions. HTTP-only runs have no page;
// element probes answer false and the URL is empty.
func (e *exec) probe() flow.Prober {
	if page := e.page(); page != nil {
		return page
	}
	return noPage{}
}

type noPage struct{}

func (noPage) CurrentURL(context.Context) (string, error)                 { return "", nil }
func (noPage) ElementVisible(context.Context, *flow.Target) (bool, error) { return false, nil }
func (noPage) ElementExists(context.Context, *flow.Target) (bool, error)  { return false, nil }

// runSteps executes a step list sequentially. recovery marks the
// auth-recovery sub-flow, which skips once-cache handling and never
// re-enters recovery.
func (e *exec) runSteps(ctx context.Context, steps []flow.Step, recovery bool) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return types.Wrap(types.KindCancelled, err, "run cancelled")
		}
		if err := e.runStep(ctx, &steps[i], recovery); err != nil {
			return err
		}
	}
	return nil
}

// recoveryRunner executes the recovery sub-flow with a clean local var
// scope. Session cookies are shared because the same browser session
// drives it; the main flow's vars are untouched by recovery writes.
func (e *exec) recoveryRunner() authguard.RecoveryRunner {
	return func(ctx context.Context, steps []flow.Step) error {
		savedVars := e.state.Vars
		e.state.Vars = map[string]any{}
		defer func() { e.state.Vars = savedVars }()
		return e.runSteps(ctx, steps, true)
	}
}

func (e *exec) runStep(ctx context.Context, step *flow.Step, recovery bool) error {
	// skip_if first; a skipped once-step restores its recorded writes.
	if step.SkipIf != nil {
		skip, err := step.SkipIf.Eval(ctx, e.probe(), e.state)
		if err != nil {
			return e.enrich(step, err)
		}
		if skip {
			e.skipWithRestore(step, types.SkipConditionMet)
			return nil
		}
	}

	if step.Once && !recovery {
		if _, done := e.once[step.ID]; done {
			e.skipWithRestore(step, types.SkipOnceAlreadyExecuted)
			return nil
		}
	}

	e.events.Emit(types.Event{
		Type: types.EventStepStarted, PackID: e.pack.Manifest.ID, StepID: step.ID, Time: time.Now(),
	})
	started := time.Now()
	entrySnap := e.state.snapshot()

	ctx, span := e.tracer.Start(ctx, "flow.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(step.Type)),
	))
	defer span.End()

	err := e.attemptWithRetry(ctx, step, recovery)

	// Reactive auth recovery: bounded by the controller, then the step
	// is re-driven. Never from inside recovery itself.
	if err != nil && !recovery && e.isAuthFailure(err) {
		if recErr := e.ctrl.Recover(ctx, step.ID, e.recoveryRunner()); recErr == nil {
			for attempt := 0; attempt < e.ctrl.MaxStepRetry(); attempt++ {
				err = e.attemptWithRetry(ctx, step, recovery)
				if err == nil || !e.isAuthFailure(err) {
					break
				}
				if recErr := e.ctrl.Recover(ctx, step.ID, e.recoveryRunner()); recErr != nil {
					break
				}
			}
		}
	}

	if err != nil {
		span.SetAttributes(attribute.String("failure.kind", string(types.KindOf(err))))
		e.events.Emit(types.Event{
			Type: types.EventError, PackID: e.pack.Manifest.ID, StepID: step.ID,
			Time: time.Now(), Message: e.state.Scrubber.ScrubError(err),
		})
		return e.enrich(step, err)
	}

	if step.Once && !recovery {
		e.once[step.ID] = e.state.diff(entrySnap)
	}
	e.events.Emit(types.Event{
		Type: types.EventStepFinished, PackID: e.pack.Manifest.ID, StepID: step.ID,
		Time: time.Now(), DurationMs: time.Since(started).Milliseconds(),
	})
	return nil
}

// isAuthFailure classifies a failed step. Replay steps report auth
// failures directly; DOM steps surface auth loss as a timeout or a
// missing target, so the policy also watches the responses the page
// captured while the step ran (a login redirect's 401 document fetch,
// an XHR behind a click). Matched entries are fenced off so they only
// fund one recovery.
func (e *exec) isAuthFailure(err error) bool {
	if types.IsKind(err, types.KindAuthFailure) {
		return true
	}
	if types.IsKind(err, types.KindCancelled) {
		return false
	}
	buf := e.capture()
	if buf == nil {
		return false
	}
	policy := e.ctrl.Policy()
	matched := false
	for _, s := range buf.List(0, types.ListAll) {
		if s.Status == 0 || s.Ts.Before(e.authWatermark) {
			continue
		}
		if policy.IsAuthFailure(s.URL, s.Status) {
			matched = true
			break
		}
	}
	if matched {
		e.authWatermark = time.Now()
	}
	return matched
}

// skipWithRestore emits step_skipped after replaying any once-cache
// record for the step.
func (e *exec) skipWithRestore(step *flow.Step, reason string) {
	var restoredVars, restoredCollectibles []string
	if rec, ok := e.once[step.ID]; ok {
		restoredVars, restoredCollectibles = e.state.apply(rec)
	}
	e.events.Emit(types.Event{
		Type: types.EventStepSkipped, PackID: e.pack.Manifest.ID, StepID: step.ID,
		Time: time.Now(), Reason: reason,
		RestoredVars: restoredVars, RestoredCollectibles: restoredCollectibles,
	})
}

// attemptWithRetry dispatches the step, rolling the scopes back and
// re-dispatching per the step's retry spec. Cancellation never retries.
func (e *exec) attemptWithRetry(ctx context.Context, step *flow.Step, recovery bool) error {
	attempts := 1
	var delay time.Duration
	if step.Retry != nil {
		attempts += step.Retry.Times
		delay = time.Duration(step.Retry.DelayMs) * time.Millisecond
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		before := e.state.snapshot()
		err = e.dispatch(ctx, step, recovery)
		if err == nil {
			return nil
		}
		e.state.restore(before)

		if types.IsKind(err, types.KindCancelled) {
			return err
		}
		last := attempt == attempts-1
		if step.Retry == nil || last || !step.Retry.Matches(types.KindOf(err)) {
			return err
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
			case <-time.After(delay):
			}
		}
	}
	return err
}

// enrich tags a propagating error with the step it came from.
func (e *exec) enrich(step *flow.Step, err error) error {
	return &stepError{stepID: step.ID, err: err}
}

// stepError carries the failed step id to the run boundary.
type stepError struct {
	stepID string
	err    error
}

func (s *stepError) Error() string { return "step " + s.stepID + ": " + s.err.Error() }
func (s *stepError) Unwrap() error { return s.err }
