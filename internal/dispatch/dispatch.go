// Package dispatch routes action names to registered capabilities and
// normalizes their results. It is a pure routing layer: it never persists
// anything, and it never lets a capability panic or hang past its timeout.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrUnknownAction is returned when no capability is registered for an
// action name. Callers treat it as an ordinary step failure.
var ErrUnknownAction = errors.New("dispatch: unknown action")

// Result is the normalized outcome of a capability invocation. URI is set
// when the capability produced a durable artifact.
type Result struct {
	URI     string
	Summary string
	Meta    map[string]any
}

// Capability is one invokable tool. Implementations must honor ctx
// cancellation; the dispatcher enforces the deadline.
type Capability interface {
	Invoke(ctx context.Context, args map[string]any) (Result, error)
}

// CapabilityFunc adapts a function to the Capability interface.
type CapabilityFunc func(ctx context.Context, args map[string]any) (Result, error)

func (f CapabilityFunc) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	return f(ctx, args)
}

// Dispatcher maps action names to capabilities.
type Dispatcher struct {
	mu      sync.RWMutex
	caps    map[string]Capability
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a dispatcher. timeout bounds every invocation; zero means
// no per-call deadline beyond the caller's context.
func New(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		caps:    make(map[string]Capability),
		timeout: timeout,
		logger:  logger,
	}
}

// Register binds a capability to an action name, replacing any previous
// binding.
func (d *Dispatcher) Register(name string, c Capability) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps[name] = c
}

// Actions returns the registered action names, sorted.
func (d *Dispatcher) Actions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.caps))
	for name := range d.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch invokes the capability registered for name. Unknown names,
// timeouts, and panics all come back as ordinary errors so the caller
// needs exactly one failure path per step.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (res Result, err error) {
	d.mu.RLock()
	cap, ok := d.caps[name]
	d.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("capability panicked", "action", name, "panic", r)
			res, err = Result{}, fmt.Errorf("dispatch: %s panicked: %v", name, r)
		}
	}()

	start := time.Now()
	res, err = cap.Invoke(ctx, args)
	if err != nil {
		d.logger.Warn("capability failed", "action", name, "duration", time.Since(start), "error", err)
		return Result{}, fmt.Errorf("dispatch: %s: %w", name, err)
	}
	d.logger.Debug("capability completed", "action", name, "duration", time.Since(start), "has_uri", res.URI != "")
	return res, nil
}
