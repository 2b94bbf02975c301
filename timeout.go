// SPDX-License-Identifier: GPL-3.0-or-later

package httpcore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Default values used by [NewConfig] for the [TimeoutPolicy].
const (
	DefaultConnectTimeout   = 60 * time.Second
	DefaultOperationTimeout = 60 * time.Second
)

// TimeoutPolicy contains the time budgets of a connection attempt.
//
// A zero field means "not set" when merging and "unbounded" when enforcing.
type TimeoutPolicy struct {
	// Connect bounds the initial connection attempt (including TLS).
	Connect time.Duration

	// Operation bounds each I/O-waiting phase after connecting.
	Operation time.Duration

	// Total is the overall budget consumed across the connection lifetime.
	Total time.Duration
}

// DefaultTimeoutPolicy returns the default [TimeoutPolicy].
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Connect:   DefaultConnectTimeout,
		Operation: DefaultOperationTimeout,
	}
}

// Merge returns a copy of p where each field set in other replaces
// the corresponding field of p.
func (p TimeoutPolicy) Merge(other TimeoutPolicy) TimeoutPolicy {
	if other.Connect > 0 {
		p.Connect = other.Connect
	}
	if other.Operation > 0 {
		p.Operation = other.Operation
	}
	if other.Total > 0 {
		p.Total = other.Total
	}
	return p
}

// NewTimeoutPolicy coerces loosely-typed configuration into a [TimeoutPolicy].
//
// Recognized keys are "connect", "operation", and "total". Values may be
// a [time.Duration], an integer or floating point number of seconds, or
// a string accepted by [time.ParseDuration] or [strconv.ParseFloat]. Any
// other key or value type causes an error. Missing keys are left unset so
// that the result is suitable for [TimeoutPolicy.Merge].
func NewTimeoutPolicy(values map[string]any) (TimeoutPolicy, error) {
	var policy TimeoutPolicy
	for key, value := range values {
		d, err := coerceDuration(value)
		if err != nil {
			return TimeoutPolicy{}, fmt.Errorf("httpcore: timeout %q: %w", key, err)
		}
		switch key {
		case "connect":
			policy.Connect = d
		case "operation":
			policy.Operation = d
		case "total":
			policy.Total = d
		default:
			return TimeoutPolicy{}, fmt.Errorf("httpcore: unknown timeout %q", key)
		}
	}
	return policy, nil
}

func coerceDuration(value any) (time.Duration, error) {
	var d time.Duration
	switch v := value.(type) {
	case time.Duration:
		d = v
	case int:
		d = time.Duration(v) * time.Second
	case int64:
		d = time.Duration(v) * time.Second
	case float64:
		d = time.Duration(v * float64(time.Second))
	case string:
		if parsed, err := time.ParseDuration(v); err == nil {
			d = parsed
			break
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot parse %q as a duration", v)
		}
		d = time.Duration(secs * float64(time.Second))
	default:
		return 0, fmt.Errorf("cannot use %T as a duration", value)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}

type timeoutPolicyKey struct{}

// ContextWithTimeoutPolicy returns a context carrying per-request timeout
// overrides that [*Client] merges over [Config.Timeouts].
func ContextWithTimeoutPolicy(ctx context.Context, policy TimeoutPolicy) context.Context {
	return context.WithValue(ctx, timeoutPolicyKey{}, policy)
}

// TimeoutPolicyFromContext returns the overrides set by [ContextWithTimeoutPolicy].
func TimeoutPolicyFromContext(ctx context.Context) (TimeoutPolicy, bool) {
	policy, ok := ctx.Value(timeoutPolicyKey{}).(TimeoutPolicy)
	return policy, ok
}

// timeoutState is the state of the [*Timeout] state machine.
type timeoutState int

const (
	timeoutIdle timeoutState = iota
	timeoutOpen
)

func (s timeoutState) String() string {
	if s == timeoutOpen {
		return "open"
	}
	return "idle"
}

// Timeout tracks the time budgets of a single connection attempt.
//
// While idle the active timeout is [TimeoutPolicy.Connect]; once opened it
// becomes [TimeoutPolicy.Operation]. The transition happens once. The total
// budget is consumed on every call to [*Timeout.Active].
//
// Construct using [NewTimeout].
type Timeout struct {
	active   time.Duration
	logger   SLogger
	policy   TimeoutPolicy
	started  time.Time
	state    timeoutState
	timeLeft time.Duration
	timeNow  func() time.Time
}

// NewTimeout creates a new idle [*Timeout].
func NewTimeout(cfg *Config, policy TimeoutPolicy, logger SLogger) *Timeout {
	return &Timeout{
		active:   policy.Connect,
		logger:   logger,
		policy:   policy,
		state:    timeoutIdle,
		timeLeft: policy.Total,
		timeNow:  cfg.TimeNow,
	}
}

// Policy returns the [TimeoutPolicy] in use.
func (t *Timeout) Policy() TimeoutPolicy {
	return t.policy
}

// Open moves the state machine from idle to open. Calling Open more
// than once has no further effect.
func (t *Timeout) Open() {
	if t.state == timeoutOpen {
		return
	}
	t.logger.Debug(
		"timeoutTransition",
		slog.String("from", t.state.String()),
		slog.String("to", timeoutOpen.String()),
		slog.Duration("timeout", t.policy.Operation),
	)
	t.state = timeoutOpen
	t.active = t.policy.Operation
}

// Op returns the name of the current phase, "connect" or "operation",
// for use in [*TimeoutError].
func (t *Timeout) Op() string {
	if t.state == timeoutOpen {
		return "operation"
	}
	return "connect"
}

// Phase returns the timeout of the current phase or zero when unbounded.
func (t *Timeout) Phase() time.Duration {
	return t.active
}

// TimeLeft returns the remaining total budget or zero when unbounded.
func (t *Timeout) TimeLeft() time.Duration {
	return t.timeLeft
}

// Active returns the timeout of the current phase, falling back to the
// total budget when the phase is unbounded. A zero return value means
// that no timeout applies.
//
// Each call charges the time elapsed since the previous call against the
// total budget and returns a [*TimeoutError] once the budget is exhausted.
func (t *Timeout) Active() (time.Duration, error) {
	if err := t.account(); err != nil {
		return 0, err
	}
	if t.active > 0 {
		return t.active, nil
	}
	return t.timeLeft, nil
}

func (t *Timeout) account() error {
	if t.policy.Total <= 0 {
		return nil
	}
	now := t.timeNow()
	if t.started.IsZero() {
		t.started = now
		return nil
	}
	t.timeLeft -= now.Sub(t.started)
	t.started = now
	if t.timeLeft <= 0 {
		t.timeLeft = 0
		return &TimeoutError{Op: "total", Duration: t.policy.Total}
	}
	return nil
}
