package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Hideous-Monster/voxclaw/internal/observe"
	"github.com/Hideous-Monster/voxclaw/pkg/voice"
)

// stateWaitTimeout bounds each awaited connection-state transition during
// reconnection.
const stateWaitTimeout = 15 * time.Second

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Connection is the voice connection to nurse back to Ready.
	Connection voice.Connection

	// MaxAttempts bounds the reconnection loop.
	MaxAttempts int

	// Backoff is the initial delay before the first attempt; it doubles per
	// attempt up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// OnReconnected runs after the connection is Ready again.
	OnReconnected func()

	// OnExhausted runs when every attempt failed.
	OnExhausted func()

	Metrics *observe.Metrics
}

// Reconnector nurses a dropped voice connection back to Ready with
// exponential backoff. Each attempt sleeps, then waits for the connection
// to progress through Signalling and Ready.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	cfg ReconnectorConfig

	mu           sync.Mutex
	reconnecting bool

	done     chan struct{}
	stopOnce sync.Once

	waitTimeout time.Duration
}

// NewReconnector creates a Reconnector for the given connection.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	return &Reconnector{cfg: cfg, done: make(chan struct{}), waitTimeout: stateWaitTimeout}
}

// NotifyDisconnect starts a reconnection cycle unless one is already
// running or the reconnector was stopped. Safe to call repeatedly.
func (r *Reconnector) NotifyDisconnect() {
	r.mu.Lock()
	if r.reconnecting {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.done:
		r.mu.Unlock()
		return
	default:
	}
	r.reconnecting = true
	r.mu.Unlock()

	go r.attemptReconnect()
}

// Stop cancels any in-flight reconnection cycle. Safe to call more than
// once.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// attemptReconnect runs the backoff loop.
func (r *Reconnector) attemptReconnect() {
	defer func() {
		r.mu.Lock()
		r.reconnecting = false
		r.mu.Unlock()
	}()

	backoff := r.cfg.Backoff
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		r.cfg.Metrics.Inc(observe.CounterReconnects)
		slog.Info("attempting reconnection",
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
			"backoff", backoff,
		)

		select {
		case <-r.done:
			return
		case <-time.After(backoff):
		}

		if r.waitReady() {
			r.cfg.Metrics.Inc(observe.CounterReconnectSuccess)
			slog.Info("reconnection successful", "attempt", attempt)
			if r.cfg.OnReconnected != nil {
				r.cfg.OnReconnected()
			}
			return
		}
		slog.Warn("reconnection attempt failed", "attempt", attempt)

		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	slog.Error("reconnection failed after max attempts", "max_attempts", r.cfg.MaxAttempts)
	if r.cfg.OnExhausted != nil {
		r.cfg.OnExhausted()
	}
}

// waitReady waits for the connection to progress through Signalling and
// then Ready, each within the state-wait timeout. A connection that
// recovered during the backoff sleep counts as success immediately.
func (r *Reconnector) waitReady() bool {
	if r.cfg.Connection.State() == voice.StateReady {
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := r.cfg.Connection.WaitForState(ctx, voice.StateSignalling, r.waitTimeout); err != nil {
		slog.Debug("signalling wait failed", "err", err)
		return false
	}
	if err := r.cfg.Connection.WaitForState(ctx, voice.StateReady, r.waitTimeout); err != nil {
		slog.Debug("ready wait failed", "err", err)
		return false
	}
	return true
}
