package ota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/st-keller/ota-client/clock"
	"github.com/st-keller/ota-client/manifest"
	"github.com/st-keller/ota-client/standard"
)

// Default provisioning timings.
const (
	DefaultMaxCheckAttempts      = 10
	DefaultBackoffBase           = 10 * time.Second
	DefaultMaxActivationAttempts = 10
	DefaultPendingDelay          = 3 * time.Second
	DefaultFailureDelay          = 10 * time.Second
)

// ErrRetriesExhausted is returned when every version check attempt failed.
var ErrRetriesExhausted = errors.New("version check retries exhausted")

// State is a provisioning state.
type State int

const (
	StateIdle State = iota
	StateChecking
	StateBackoff
	StateActivating
	StateDone
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateBackoff:
		return "backoff"
	case StateActivating:
		return "activating"
	case StateDone:
		return "done"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateChange is passed to ProvisionerConfig.OnState on every transition.
type StateChange struct {
	State State
	// Attempt is the 1-based attempt number for Checking, Backoff and
	// Activating.
	Attempt int
	// Delay is the wait that follows, for Backoff.
	Delay time.Duration
}

// VersionChecker is the server side of provisioning. *Client implements it.
type VersionChecker interface {
	CheckVersion(ctx context.Context) (*manifest.Manifest, error)
	Activate(ctx context.Context, m *manifest.Manifest) (ActivationResult, error)
}

// ProvisionerConfig configures a Provisioner. Zero values take the
// defaults.
type ProvisionerConfig struct {
	MaxCheckAttempts      int
	BackoffBase           time.Duration
	MaxActivationAttempts int
	PendingDelay          time.Duration
	FailureDelay          time.Duration

	Clock clock.Clock
	Logs  *standard.RecentLogs

	// Upgrade installs the firmware at url. Returning nil means the device
	// will boot the new image and provisioning stops.
	Upgrade func(ctx context.Context, url string) error
	// MarkValid confirms the running firmware after a check that did not
	// lead to an upgrade.
	MarkValid func() error

	OnState          func(StateChange)
	OnError          func(error)
	OnActivationCode func(code, message string)
}

// Outcome summarizes a completed Run.
type Outcome struct {
	// Manifest is the last successfully checked manifest.
	Manifest  *manifest.Manifest
	Upgraded  bool
	Activated bool
	Checks    int
}

// Provisioner runs the startup check/activate loop.
type Provisioner struct {
	checker VersionChecker
	config  ProvisionerConfig
	wake    chan struct{}
}

// NewProvisioner returns a Provisioner for checker.
func NewProvisioner(checker VersionChecker, config ProvisionerConfig) *Provisioner {
	if config.MaxCheckAttempts <= 0 {
		config.MaxCheckAttempts = DefaultMaxCheckAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultBackoffBase
	}
	if config.MaxActivationAttempts <= 0 {
		config.MaxActivationAttempts = DefaultMaxActivationAttempts
	}
	if config.PendingDelay <= 0 {
		config.PendingDelay = DefaultPendingDelay
	}
	if config.FailureDelay <= 0 {
		config.FailureDelay = DefaultFailureDelay
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logs == nil {
		config.Logs = standard.Discard()
	}
	return &Provisioner{checker: checker, config: config, wake: make(chan struct{}, 1)}
}

// BackoffDelay is the wait after the nth consecutive check failure with the
// default base: 10s, 20s, 40s and so on.
func BackoffDelay(n int) time.Duration { return backoffDelay(DefaultBackoffBase, n) }

func backoffDelay(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return base << (n - 1)
}

// Wake ends the current backoff or activation wait early. It is called
// when the application becomes idle and the user can see the result. A
// Wake while no wait is pending has no effect.
func (p *Provisioner) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run loops until provisioning is done, the check retries are exhausted or
// ctx is cancelled.
func (p *Provisioner) Run(ctx context.Context) (Outcome, error) {
	var out Outcome
	p.enter(StateChange{State: StateIdle})

	failures := 0
	for {
		p.enter(StateChange{State: StateChecking, Attempt: failures + 1})
		m, err := p.checker.CheckVersion(ctx)
		out.Checks++
		if err != nil {
			if ctx.Err() != nil {
				return p.fatal(out, ctx.Err())
			}
			failures++
			p.failed(err)
			if failures >= p.config.MaxCheckAttempts {
				return p.fatal(out, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err))
			}

			delay := backoffDelay(p.config.BackoffBase, failures)
			p.config.Logs.WarnNoTrigger("Version check failed, retrying", map[string]any{
				"attempt":  failures,
				"max":      p.config.MaxCheckAttempts,
				"retry_in": delay.String(),
				"error":    err.Error(),
			})
			p.enter(StateChange{State: StateBackoff, Attempt: failures, Delay: delay})
			if err := p.sleep(ctx, delay); err != nil {
				return p.fatal(out, err)
			}
			continue
		}
		failures = 0
		out.Manifest = m

		if m.HasNewVersion() && p.config.Upgrade != nil {
			err := p.config.Upgrade(ctx, m.Firmware.URL)
			if err == nil {
				out.Upgraded = true
				p.enter(StateChange{State: StateDone})
				return out, nil
			}
			p.failed(err)
			p.config.Logs.Error("Firmware upgrade failed, continuing with running firmware", map[string]any{
				"version": m.Firmware.Version,
				"error":   err.Error(),
			})
		}

		if p.config.MarkValid != nil {
			if err := p.config.MarkValid(); err != nil {
				p.config.Logs.Warn("Confirming running firmware failed", map[string]any{"error": err.Error()})
			}
		}

		if !m.HasActivationCode() && !m.HasActivationChallenge() {
			p.enter(StateChange{State: StateDone})
			return out, nil
		}

		if m.HasActivationCode() && p.config.OnActivationCode != nil {
			p.config.OnActivationCode(m.Activation.Code, m.Activation.Message)
		}

		if !m.HasActivationChallenge() {
			// Nothing to sign: the server confirms by dropping the section.
			if err := p.sleep(ctx, p.config.PendingDelay); err != nil {
				return p.fatal(out, err)
			}
			continue
		}

		activated, err := p.activate(ctx, m)
		if err != nil {
			return p.fatal(out, err)
		}
		if activated {
			// The manifest of an activated device can differ; check again
			// before finishing.
			out.Activated = true
		}
	}
}

// activate polls Activate until it succeeds, the attempts or the
// manifest's activation timeout run out, or Wake is called. It returns an
// error only when ctx ends.
func (p *Provisioner) activate(ctx context.Context, m *manifest.Manifest) (bool, error) {
	var deadline time.Time
	if m.Activation.Timeout > 0 {
		deadline = p.config.Clock.Now().Add(m.Activation.Timeout)
	}
	for attempt := 1; attempt <= p.config.MaxActivationAttempts; attempt++ {
		p.enter(StateChange{State: StateActivating, Attempt: attempt})
		result, err := p.checker.Activate(ctx, m)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		var delay time.Duration
		switch result {
		case Activated:
			return true, nil
		case ActivationPending:
			delay = p.config.PendingDelay
		default:
			if err != nil {
				p.failed(err)
			}
			delay = p.config.FailureDelay
		}

		if !deadline.IsZero() && p.config.Clock.Now().Add(delay).After(deadline) {
			p.config.Logs.WarnNoTrigger("Activation window elapsed, checking again", map[string]any{
				"attempts": attempt,
				"timeout":  m.Activation.Timeout.String(),
			})
			return false, nil
		}
		p.drainWake()
		select {
		case <-p.wake:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		case <-p.config.Clock.After(delay):
		}
	}
	p.config.Logs.WarnNoTrigger("Activation attempts exhausted, checking again", map[string]any{
		"attempts": p.config.MaxActivationAttempts,
	})
	return false, nil
}

// sleep waits for d, returning early on a Wake that arrives during the
// wait.
func (p *Provisioner) sleep(ctx context.Context, d time.Duration) error {
	p.drainWake()
	select {
	case <-p.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.config.Clock.After(d):
		return nil
	}
}

// drainWake discards a Wake that arrived while no wait was pending.
func (p *Provisioner) drainWake() {
	select {
	case <-p.wake:
	default:
	}
}

func (p *Provisioner) enter(change StateChange) {
	if p.config.OnState != nil {
		p.config.OnState(change)
	}
}

func (p *Provisioner) failed(err error) {
	if p.config.OnError != nil {
		p.config.OnError(err)
	}
}

func (p *Provisioner) fatal(out Outcome, err error) (Outcome, error) {
	p.config.Logs.ErrorNoTrigger("Provisioning stopped", map[string]any{"error": err.Error(), "checks": out.Checks})
	p.enter(StateChange{State: StateFatal})
	return out, err
}
