// Package recovery drives the guided restoration flow for locked-down
// sessions.
//
// Recovery is a linear state machine: verifying → identity_confirmed →
// restoring_services → complete, with a fixed pause between steps so
// callers can surface progress. Identity verification fails open: a
// verifier error or timeout never strands the user in lockdown. At most
// one recovery runs per session, and the terminal step atomically
// restores the session's trusted baselines through SessionControl.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/traces"
)

// Step is a stage of the recovery flow.
type Step string

const (
	StepIdle              Step = "idle"
	StepVerifying         Step = "verifying"
	StepIdentityConfirmed Step = "identity_confirmed"
	StepRestoringServices Step = "restoring_services"
	StepComplete          Step = "complete"
)

var (
	// ErrUnknownSession is returned when no session has the given ID.
	ErrUnknownSession = errors.New("recovery: unknown session")

	// ErrNotLockedDown is returned when recovery is requested for a
	// session that is not locked down.
	ErrNotLockedDown = errors.New("recovery: session not locked down")

	// ErrAlreadyRunning is returned when a recovery is already in
	// flight for the session.
	ErrAlreadyRunning = errors.New("recovery: already in progress")
)

// Clock abstracts time for the state machine so tests can fast-forward
// the between-step pauses.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Verifier checks the user's identity during the verifying step.
type Verifier interface {
	VerifyIdentity(ctx context.Context, sessionID string) (bool, error)
}

// SessionControl is the slice of the session manager the state machine
// needs: lockdown inspection and the atomic baseline restore.
type SessionControl interface {
	Locked(sessionID string) (locked bool, ok bool)
	CompleteRecovery(ctx context.Context, sessionID string) error
}

// Emitter broadcasts recovery progress to real-time subscribers.
type Emitter interface {
	EmitRecoveryStep(sessionID string, step string)
	EmitSessionReset(sessionID string)
}

type run struct {
	step      Step
	startedAt time.Time
}

// Machine runs recoveries. One per process; safe for concurrent use.
type Machine struct {
	mu     sync.Mutex
	active map[string]*run

	sessions SessionControl
	verifier Verifier // optional; nil skips straight to confirmed
	emitter  Emitter  // optional
	clock    Clock
	logger   *slog.Logger

	stepDelay     time.Duration
	verifyTimeout time.Duration
}

// Option configures the Machine.
type Option func(*Machine)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Machine) { m.clock = c }
}

// WithVerifier sets the identity verifier.
func WithVerifier(v Verifier) Option {
	return func(m *Machine) { m.verifier = v }
}

// WithEmitter sets the progress broadcaster.
func WithEmitter(e Emitter) Option {
	return func(m *Machine) { m.emitter = e }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// NewMachine creates a recovery state machine. stepDelay is the pause
// between steps; verifyTimeout bounds the identity check.
func NewMachine(sessions SessionControl, stepDelay, verifyTimeout time.Duration, opts ...Option) *Machine {
	m := &Machine{
		active:        make(map[string]*run),
		sessions:      sessions,
		clock:         systemClock{},
		logger:        slog.Default(),
		stepDelay:     stepDelay,
		verifyTimeout: verifyTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a recovery for the session. It rejects sessions that are
// unknown, not locked down, or already recovering. The flow itself runs
// asynchronously; poll Status or subscribe to the emitter for progress.
func (m *Machine) Begin(ctx context.Context, sessionID string) (Step, error) {
	locked, ok := m.sessions.Locked(sessionID)
	if !ok {
		return StepIdle, ErrUnknownSession
	}
	if !locked {
		return StepIdle, ErrNotLockedDown
	}

	m.mu.Lock()
	if _, running := m.active[sessionID]; running {
		m.mu.Unlock()
		return StepIdle, ErrAlreadyRunning
	}
	r := &run{step: StepVerifying, startedAt: m.clock.Now()}
	m.active[sessionID] = r
	m.mu.Unlock()

	metrics.ActiveRecoveries.Inc()
	m.logger.Info("recovery started", "session_id", sessionID)
	m.emitStep(sessionID, StepVerifying)

	go m.runFlow(sessionID)
	return StepVerifying, nil
}

// Status returns the current step and whether a recovery is in flight.
// Idle sessions report StepIdle.
func (m *Machine) Status(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.active[sessionID]; ok {
		return string(r.step), true
	}
	return string(StepIdle), false
}

func (m *Machine) runFlow(sessionID string) {
	_, span := traces.StartSpan(context.Background(), "recovery.flow",
		traces.SessionID(sessionID))
	defer span.End()
	advance := func(step Step) {
		m.setStep(sessionID, step)
		span.SetAttributes(traces.RecoveryStep(string(step)))
	}

	m.verify(sessionID)
	advance(StepIdentityConfirmed)

	<-m.clock.After(m.stepDelay)
	advance(StepRestoringServices)

	<-m.clock.After(m.stepDelay)
	advance(StepComplete)

	// Hold the terminal step so pollers observe it; the session stays
	// locked until the flow returns to idle. The baseline restore is
	// the complete → idle transition's side effect.
	<-m.clock.After(m.stepDelay)
	outcome := "completed"
	if err := m.sessions.CompleteRecovery(context.Background(), sessionID); err != nil {
		outcome = "failed"
		m.logger.Error("baseline restore failed",
			"session_id", sessionID, "error", err)
	}
	if outcome == "completed" && m.emitter != nil {
		m.emitter.EmitSessionReset(sessionID)
	}
	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()

	metrics.ActiveRecoveries.Dec()
	metrics.RecoveriesTotal.WithLabelValues(outcome).Inc()
	m.logger.Info("recovery finished", "session_id", sessionID, "outcome", outcome)
}

// verify runs the identity check, failing open on error or timeout.
func (m *Machine) verify(sessionID string) {
	if m.verifier == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		confirmed bool
		err       error
	}
	ch := make(chan result, 1)
	go func() {
		confirmed, err := m.verifier.VerifyIdentity(ctx, sessionID)
		ch <- result{confirmed, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			m.logger.Warn("identity verification failed open",
				"session_id", sessionID, "error", res.err)
		} else if !res.confirmed {
			m.logger.Warn("identity not confirmed, proceeding anyway",
				"session_id", sessionID)
		}
	case <-m.clock.After(m.verifyTimeout):
		m.logger.Warn("identity verification timed out, failing open",
			"session_id", sessionID)
	}
}

func (m *Machine) setStep(sessionID string, step Step) {
	m.mu.Lock()
	if r, ok := m.active[sessionID]; ok {
		r.step = step
	}
	m.mu.Unlock()

	m.logger.Info("recovery step", "session_id", sessionID, "step", string(step))
	m.emitStep(sessionID, step)
}

func (m *Machine) emitStep(sessionID string, step Step) {
	if m.emitter != nil {
		m.emitter.EmitRecoveryStep(sessionID, string(step))
	}
}
