package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/SichengYang/Worthier-Desktop-sub000/internal/metrics"
)

// Permission is the tri-state probing capability of a suppression check.
type Permission int

const (
	// PermissionUnknown means the environment has not been probed yet.
	PermissionUnknown Permission = iota
	// PermissionGranted means the probe works and is consulted live.
	PermissionGranted
	// PermissionDenied means probing failed; the check fails open.
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	}
	return "unknown"
}

// Probe inspects the user's environment for a blocking context. It returns
// true when the context is active (fullscreen app, ongoing meeting) and
// interruption should be suppressed. Probing may require OS permissions the
// user can deny, so a probe is allowed to fail.
type Probe interface {
	Probe(ctx context.Context) (bool, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (bool, error)

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) (bool, error) {
	return f(ctx)
}

type check struct {
	probe      Probe
	enabled    bool
	permission Permission
}

// Engine decides whether interrupting the user is currently permissible.
// Each enabled check follows probe-once-then-live semantics, and every
// ambiguous failure resolves to "allow": a missed break is worse than a
// spurious one.
type Engine struct {
	mu     sync.Mutex
	checks map[string]*check
	order  []string
	logger zerolog.Logger
}

// NewEngine creates an empty decision engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		checks: make(map[string]*check),
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// Register adds a named suppression check.
func (e *Engine) Register(name string, probe Probe, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.checks[name] = &check{probe: probe, enabled: enabled}
	e.order = append(e.order, name)
}

// SetEnabled toggles a check. Disabling resets its permission to unknown, so
// re-enabling performs a fresh probe rather than trusting a stale denial.
func (e *Engine) SetEnabled(name string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.checks[name]
	if !ok {
		return
	}
	if c.enabled && !enabled {
		c.permission = PermissionUnknown
	}
	c.enabled = enabled

	e.logger.Debug().Str("check", name).Bool("enabled", enabled).Msg("Suppression check toggled")
}

// Permissions reports the current permission state of every check.
func (e *Engine) Permissions() map[string]Permission {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]Permission, len(e.checks))
	for name, c := range e.checks {
		out[name] = c.permission
	}
	return out
}

// ShouldShowNotification reports whether all enabled checks currently permit
// an interruption. A disabled check always passes.
func (e *Engine) ShouldShowNotification(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, name := range e.order {
		c := e.checks[name]
		if !c.enabled {
			continue
		}
		if !e.checkAllows(ctx, name, c) {
			metrics.NotificationsSuppressed.WithLabelValues(name).Inc()
			return false
		}
	}

	metrics.NotificationsAllowed.Inc()
	return true
}

// checkAllows runs one suppression check. Must be called with the lock held.
func (e *Engine) checkAllows(ctx context.Context, name string, c *check) bool {
	switch c.permission {
	case PermissionDenied:
		// Probing capability was lost; never suppress on its account.
		return true

	case PermissionUnknown, PermissionGranted:
		blocking, err := c.probe.Probe(ctx)
		if err != nil {
			// A failed probe must not silently suppress future
			// notifications: degrade and allow this call.
			c.permission = PermissionDenied
			metrics.ProbeFailures.WithLabelValues(name).Inc()
			e.logger.Warn().Err(err).Str("check", name).Msg("Probe failed, check degraded to fail-open")
			return true
		}
		c.permission = PermissionGranted
		return !blocking
	}

	return true
}
