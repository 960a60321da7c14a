// Package monitor tracks whether the automation backend is reachable. It
// probes the backend periodically, retries with exponential backoff after a
// failure, and switches the controller into fallback mode once the retry
// budget is spent.
//
// The Monitor is the only writer of domain.ConnectionState. Other
// components read copies through State.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/clock"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/config"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/domain"
)

// Prober sends a lightweight request to the backend. A nil error means the
// backend answered.
type Prober interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// Notifier receives connectivity events.
type Notifier interface {
	Notify(ev domain.Event)
}

// Reconciler re-reads backend state after the backend comes back. A
// restarted backend has forgotten any session the controller still holds.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Monitor is the Healthy / Degraded / Fallback state machine.
type Monitor struct {
	prober   Prober
	policy   config.RetryPolicy
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger

	mu         sync.Mutex
	health     domain.HealthState
	state      domain.ConnectionState
	reconciler Reconciler

	inFlight atomic.Bool
	kick     chan struct{}
}

// New creates a Monitor in the Healthy state. The connection is reported
// as not connected until the first successful round trip.
func New(prober Prober, policy config.RetryPolicy, notifier Notifier, clk clock.Clock, logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		policy:   policy,
		notifier: notifier,
		clock:    clk,
		logger:   logger.With("component", "monitor"),
		health:   domain.HealthHealthy,
		kick:     make(chan struct{}, 1),
	}
}

// SetReconciler registers the component to reconcile whenever the backend
// is reachable again after an outage or a reopened channel.
func (m *Monitor) SetReconciler(r Reconciler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciler = r
}

// Run checks once immediately, then at every health check interval and
// whenever a dispatch failure is reported, until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.policy.HealthCheckInterval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-m.kick:
		}
		m.Check(ctx)
	}
}

// Check probes the backend and drives the state machine. It returns false
// without probing when another check is already in flight.
func (m *Monitor) Check(ctx context.Context) bool {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug("health check already in flight")
		return false
	}
	defer m.inFlight.Store(false)

	err := m.probe(ctx)
	if err == nil {
		m.restore(ctx)
		return true
	}
	if ctx.Err() != nil {
		return true
	}

	m.mu.Lock()
	if m.health == domain.HealthFallback {
		m.state.LastError = err.Error()
		m.mu.Unlock()
		m.logger.Debug("backend still unreachable", "error", err)
		return true
	}
	m.health = domain.HealthDegraded
	m.state.IsConnected = false
	m.state.LastError = err.Error()
	m.mu.Unlock()
	m.logger.Warn("backend probe failed, retrying", "error", err, "max_retries", m.policy.MaxRetries)

	for attempt := 1; attempt <= m.policy.MaxRetries; attempt++ {
		delay := m.policy.Delay(attempt)
		select {
		case <-ctx.Done():
			return true
		case <-m.clock.After(delay):
		}

		if err = m.probe(ctx); err == nil {
			m.restore(ctx)
			return true
		}
		if ctx.Err() != nil {
			return true
		}
		m.logger.Debug("retry failed", "attempt", attempt, "delay", delay, "error", err)
	}

	m.enterFallback(err)
	return true
}

func (m *Monitor) probe(ctx context.Context) error {
	err := m.prober.Ping(ctx, m.policy.HealthCheckTimeout)
	if err != nil && errors.Is(err, domain.ErrBackend) {
		return nil
	}
	return err
}

func (m *Monitor) restore(ctx context.Context) {
	m.mu.Lock()
	prev := m.health
	wasConnected := m.state.IsConnected
	m.health = domain.HealthHealthy
	m.state = domain.ConnectionState{IsConnected: true}
	m.mu.Unlock()

	switch prev {
	case domain.HealthDegraded:
		m.logger.Info("backend connection restored")
	case domain.HealthFallback:
		m.logger.Info("leaving fallback mode")
		m.broadcast(false, "")
	}
	if prev != domain.HealthHealthy || !wasConnected {
		m.reconcile(ctx)
	}
}

func (m *Monitor) reconcile(ctx context.Context) {
	m.mu.Lock()
	r := m.reconciler
	m.mu.Unlock()
	if r == nil {
		return
	}
	if err := r.Reconcile(ctx); err != nil {
		m.logger.Warn("reconcile after reconnect failed", "error", err)
	}
}

func (m *Monitor) enterFallback(cause error) {
	reason := fmt.Sprintf("backend unreachable after %d retries: %v", m.policy.MaxRetries, cause)

	m.mu.Lock()
	if m.health == domain.HealthFallback {
		m.mu.Unlock()
		return
	}
	m.health = domain.HealthFallback
	m.state = domain.ConnectionState{
		IsConnected:    false,
		LastError:      cause.Error(),
		FallbackMode:   true,
		FallbackReason: reason,
	}
	m.mu.Unlock()

	m.logger.Error("entering fallback mode", "reason", reason)
	m.broadcast(true, reason)
}

func (m *Monitor) broadcast(fallback bool, reason string) {
	if m.notifier == nil {
		return
	}
	data := map[string]any{"fallback_mode": fallback}
	if reason != "" {
		data["reason"] = reason
	}
	m.notifier.Notify(domain.Event{
		Type: domain.EventFallbackModeChange,
		Ts:   m.clock.Now().UnixMilli(),
		Data: data,
	})
}

// RecordSuccess notes a completed round trip. Leaving fallback is left to
// the probe.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.health == domain.HealthFallback {
		return
	}
	m.state.IsConnected = true
	m.state.LastError = ""
}

// RecordFailure notes a transport-level failure and schedules an immediate
// check when the monitor still believes the backend is healthy.
func (m *Monitor) RecordFailure(err error) {
	m.mu.Lock()
	m.state.IsConnected = false
	if err != nil {
		m.state.LastError = err.Error()
	}
	healthy := m.health == domain.HealthHealthy
	m.mu.Unlock()

	if !healthy || m.inFlight.Load() {
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// RecordReconnect notes that the transport opened a fresh channel to the
// backend. The new process may not know the session the controller holds,
// so state is reconciled in the background.
func (m *Monitor) RecordReconnect() {
	go m.reconcile(context.Background())
}

// State returns a copy of the connection state.
func (m *Monitor) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Health returns the current state machine position.
func (m *Monitor) Health() domain.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}
