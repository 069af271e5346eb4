// authguard.go — Auth-failure detection and bounded recovery.
// Two orthogonal features share this package: the proactive guard (a
// logged-in assertion checked once after the initial navigation, off
// unless configured) and the reactive policy (a response classifier,
// on by default). The controller owns the recovery budget and the
// events; actually running the recovery sub-flow is delegated back to
// the interpreter through a callback so this package stays free of the
// dispatch loop.
package authguard

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/showrun/showrun/internal/flow"
	"github.com/showrun/showrun/internal/pack"
	"github.com/showrun/showrun/internal/types"
)

// Defaults for the recovery budget.
const (
	DefaultMaxRecoveriesPerRun       = 1
	DefaultMaxStepRetryAfterRecovery = 1
)

// defaultStatusCodes classify a response as an auth failure when no
// explicit list is configured.
var defaultStatusCodes = []int{401, 403}

// ============================================
// Policy
// ============================================

// Policy is the compiled reactive classifier.
type Policy struct {
	urlIncludes []string
	urlRegex    []*regexp.Regexp
	statusCodes map[int]bool
	disabled    bool
}

// CompilePolicy builds a Policy from the pack config. A nil config
// yields the default-on policy (status 401/403, any URL).
func CompilePolicy(cfg *pack.AuthPolicy) (*Policy, error) {
	p := &Policy{statusCodes: make(map[int]bool)}
	codes := defaultStatusCodes
	if cfg != nil {
		p.disabled = cfg.Disabled
		p.urlIncludes = cfg.URLIncludes
		for _, pattern := range cfg.URLRegex {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, types.Wrap(types.KindValidation, err, "bad auth policy urlRegex")
			}
			p.urlRegex = append(p.urlRegex, re)
		}
		if len(cfg.StatusCodes) > 0 {
			codes = cfg.StatusCodes
		}
	}
	for _, c := range codes {
		p.statusCodes[c] = true
	}
	return p, nil
}

// IsAuthFailure classifies one response. When URL patterns are
// configured the URL must match one of them; otherwise status alone
// decides.
func (p *Policy) IsAuthFailure(url string, status int) bool {
	if p.disabled || !p.statusCodes[status] {
		return false
	}
	if len(p.urlIncludes) == 0 && len(p.urlRegex) == 0 {
		return true
	}
	for _, s := range p.urlIncludes {
		if strings.Contains(url, s) {
			return true
		}
	}
	for _, re := range p.urlRegex {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// ============================================
// Guard
// ============================================

// Guard is the proactive logged-in assertion.
type Guard struct {
	target      *flow.Target
	urlIncludes string
}

// CompileGuard returns nil when the pack configures no guard.
func CompileGuard(cfg *pack.AuthGuard) *Guard {
	if cfg == nil || (cfg.Selector == "" && cfg.URLIncludes == "") {
		return nil
	}
	g := &Guard{urlIncludes: cfg.URLIncludes}
	if cfg.Selector != "" {
		g.target = flow.FromSelector(cfg.Selector)
	}
	return g
}

// Check asserts the logged-in state once. Either condition passing is
// enough.
func (g *Guard) Check(ctx context.Context, probe flow.Prober) (bool, error) {
	if g.target != nil {
		visible, err := probe.ElementVisible(ctx, g.target)
		if err != nil {
			return false, err
		}
		if visible {
			return true, nil
		}
	}
	if g.urlIncludes != "" {
		url, err := probe.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		if strings.Contains(url, g.urlIncludes) {
			return true, nil
		}
	}
	return false, nil
}

// ============================================
// Controller
// ============================================

// RecoveryRunner executes the recovery sub-flow with a clean local var
// scope. The interpreter provides it.
type RecoveryRunner func(ctx context.Context, steps []flow.Step) error

// Controller owns the per-run recovery budget.
type Controller struct {
	policy *Policy
	guard  *Guard

	recovery      []flow.Step
	maxRecoveries int
	maxStepRetry  int
	cooldown      time.Duration

	events types.Sink

	recoveriesUsed int
	inRecovery     bool
}

// New builds the controller for one run.
func New(cfg *pack.AuthConfig, events types.Sink) (*Controller, error) {
	if events == nil {
		events = types.NopSink{}
	}
	c := &Controller{
		maxRecoveries: DefaultMaxRecoveriesPerRun,
		maxStepRetry:  DefaultMaxStepRetryAfterRecovery,
		events:        events,
	}
	var policyCfg *pack.AuthPolicy
	if cfg != nil {
		policyCfg = cfg.Policy
		c.guard = CompileGuard(cfg.Guard)
		c.recovery = cfg.Recovery
		if cfg.MaxRecoveriesPerRun > 0 {
			c.maxRecoveries = cfg.MaxRecoveriesPerRun
		}
		if cfg.MaxStepRetryAfterRecovery > 0 {
			c.maxStepRetry = cfg.MaxStepRetryAfterRecovery
		}
		if cfg.CooldownMs > 0 {
			c.cooldown = time.Duration(cfg.CooldownMs) * time.Millisecond
		}
	}
	policy, err := CompilePolicy(policyCfg)
	if err != nil {
		return nil, err
	}
	c.policy = policy
	return c, nil
}

// Policy exposes the classifier for response watching.
func (c *Controller) Policy() *Policy { return c.policy }

// MaxStepRetry is how many times a failed step may be re-driven after
// one successful recovery.
func (c *Controller) MaxStepRetry() int { return c.maxStepRetry }

// CheckGuard runs the proactive assertion, recovering once on failure.
// A run without a configured guard passes trivially.
func (c *Controller) CheckGuard(ctx context.Context, probe flow.Prober, run RecoveryRunner) error {
	if c.guard == nil {
		return nil
	}
	ok, err := c.guard.Check(ctx, probe)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	authErr := types.Errorf(types.KindAuthFailure, "logged-in assertion failed before the flow")
	if recErr := c.Recover(ctx, "", run); recErr != nil {
		return authErr
	}
	ok, err = c.guard.Check(ctx, probe)
	if err != nil {
		return err
	}
	if !ok {
		return authErr
	}
	return nil
}

// Recover runs the recovery sub-flow if budget remains. stepID names
// the failed step for the event stream; empty for the guard. Returns
// nil when recovery completed and the step may be re-driven, or an
// error carrying why recovery was not attempted or failed.
func (c *Controller) Recover(ctx context.Context, stepID string, run RecoveryRunner) error {
	c.events.Emit(types.Event{Type: types.EventAuthFailureDetected, StepID: stepID})

	// A failure during the recovery sub-flow itself never re-enters.
	if c.inRecovery {
		return types.Errorf(types.KindAuthFailure, "auth failure during recovery")
	}
	if c.recoveriesUsed >= c.maxRecoveries || len(c.recovery) == 0 {
		c.events.Emit(types.Event{Type: types.EventAuthRecoveryExhausted, StepID: stepID})
		return types.Errorf(types.KindAuthFailure, "auth recovery exhausted")
	}
	c.recoveriesUsed++

	c.events.Emit(types.Event{Type: types.EventAuthRecoveryStarted, StepID: stepID})
	c.inRecovery = true
	err := run(ctx, c.recovery)
	c.inRecovery = false

	c.events.Emit(types.Event{
		Type:    types.EventAuthRecoveryFinished,
		StepID:  stepID,
		Success: err == nil,
	})
	if err != nil {
		return types.Wrap(types.KindAuthFailure, err, "recovery sub-flow failed")
	}

	if c.cooldown > 0 {
		select {
		case <-ctx.Done():
			return types.Wrap(types.KindCancelled, ctx.Err(), "run cancelled")
		case <-time.After(c.cooldown):
		}
	}
	return nil
}

// InRecovery reports whether the recovery sub-flow is currently
// executing; the interpreter uses it to exempt recovery steps from the
// once-cache and from reactive classification.
func (c *Controller) InRecovery() bool { return c.inRecovery }
