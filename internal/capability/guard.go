package capability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/postforge/postforge/pkg/schema"
)

// Guard wraps capability calls with a per-capability timeout and circuit
// breaker. Every stage invokes capabilities through the guard so that a
// misbehaving external service fails fast instead of hanging the pipeline.
type Guard struct {
	breakers *BreakerRegistry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewGuard creates a guard with the given call timeout and breaker config.
func NewGuard(timeout time.Duration, config BreakerConfig, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		breakers: NewBreakerRegistry(config),
		timeout:  timeout,
		logger:   logger,
	}
}

// Do runs fn under the named capability's circuit breaker with the guard's
// timeout applied to the context. Failures are classified: a deadline hit
// becomes TIMEOUT_ERROR, anything else a CAPABILITY_ERROR, both retryable.
func (g *Guard) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return schema.NewErrorf(schema.ErrCodeCancelled, "capability %q cancelled", name).WithCause(err)
	}
	if err := g.breakers.AllowRequest(name); err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if g.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err == nil {
		g.breakers.RecordSuccess(name)
		return nil
	}

	state := g.breakers.RecordFailure(name)
	g.logger.WarnContext(ctx, "capability call failed",
		"capability", name,
		"circuit_state", state.String(),
		"error", err)

	// Caller-level cancellation is not a capability fault.
	if ctx.Err() != nil && callCtx.Err() == ctx.Err() {
		return schema.NewErrorf(schema.ErrCodeCancelled, "capability %q cancelled", name).WithCause(ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout,
			"capability %q timed out after %s", name, g.timeout).WithCause(err)
	}

	var perr *schema.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	return schema.NewErrorf(schema.ErrCodeCapability,
		"capability %q failed: %s", name, err.Error()).WithCause(err)
}

// State reports the circuit state for a capability, for status output.
func (g *Guard) State(name string) CircuitState {
	return g.breakers.GetState(name)
}
