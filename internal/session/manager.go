package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/event"
	"github.com/mbd888/sentinel/internal/geo"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/scoring"
	"github.com/mbd888/sentinel/internal/traces"
)

var (
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrLockdownActive is returned when a signal is reported while the
	// session is locked down. Signals are no-ops while locked; only the
	// recovery path may proceed.
	ErrLockdownActive = errors.New("session: lockdown active")
)

// maxOTPActivity bounds the per-session OTP activity buffer.
const maxOTPActivity = 50

// Signal is a normalized security observation from a collaborator.
type Signal struct {
	Type        event.Type     `json:"type"`
	Description string         `json:"description"`
	Severity    event.Severity `json:"severity"`

	// Fingerprint carries the observed device fingerprint for
	// deviceMismatch / simSwap signals.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Location carries the anomalous fix for locationAnomaly signals.
	Location *LocationFix `json:"location,omitempty"`
}

// LockdownAlert is the one-shot critical alert emitted when a session
// crosses the lockdown threshold.
type LockdownAlert struct {
	SessionID   string       `json:"sessionId"`
	Score       int          `json:"score"`
	Tier        scoring.Tier `json:"tier"`
	TriggeredAt time.Time    `json:"triggeredAt"`
}

// Notifier receives engine emissions: every recorded signal with its
// resulting score, plus the lockdown alert. The alert fires exactly
// once per lockdown activation (edge-triggered, not level-triggered).
type Notifier interface {
	NotifySignal(e *event.SecurityEvent, score int)
	NotifyLockdown(alert *LockdownAlert)
}

// Manager owns all sessions and is the trust-state / lockdown controller.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store    event.Store // audit trail, best-effort
	notifier Notifier
	logger   *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithNotifier sets the signal/lockdown notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// NewManager creates a session manager backed by the given audit store.
func NewManager(store event.Store, opts ...Option) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		store:    store,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a session and captures the trusted device baseline. The
// fingerprint supplied here is the restoration target for recovery.
func (m *Manager) Create(ctx context.Context, fingerprint string, meta DeviceMetadata) *Session {
	s := &Session{
		ID:        idgen.WithPrefix("ses_"),
		CreatedAt: time.Now(),
		device: DeviceProfile{
			Fingerprint: fingerprint,
			Trusted:     true,
			Metadata:    meta,
		},
		trustedFingerprint: fingerprint,
		trustedMetadata:    meta,
		log:                event.NewLog(),
		risk:               scoring.Evaluate(nil),
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	m.logger.Info("session opened", "session_id", s.ID, "platform", meta.Platform)
	return s
}

// Get returns the session with the given ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ReportLocation records a location fix. The first successful fix of the
// session becomes the immutable trusted-location baseline; later fixes
// update the current location only.
func (m *Manager) ReportLocation(ctx context.Context, id string, fix LocationFix) (*LocationProfile, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	profile := &LocationProfile{
		Trusted:     s.location == nil || s.location.Trusted,
		Coordinates: &Coordinates{Lat: fix.Lat, Lon: fix.Lon},
		City:        fix.City,
		Timezone:    fix.Timezone,
		AccuracyM:   fix.AccuracyM,
	}
	s.location = profile

	if s.trustedLocation == nil {
		s.trustedLocation = cloneLocation(profile)
		s.trustedLocation.Trusted = true
		m.logger.Info("trusted location captured",
			"session_id", s.ID, "city", fix.City, "timezone", fix.Timezone)
	}

	return cloneLocation(profile), nil
}

// ApplySignal records a security signal: appends to the event log,
// applies trust side effects, recomputes the risk state, and activates
// lockdown when the score first crosses the threshold.
//
// While the session is locked down every signal is rejected with
// ErrLockdownActive, leaving the log and score untouched.
func (m *Manager) ApplySignal(ctx context.Context, id string, sig Signal) (*event.SecurityEvent, error) {
	_, span := traces.StartSpan(ctx, "session.apply_signal",
		traces.SessionID(id), traces.SignalType(string(sig.Type)))
	defer span.End()

	s, ok := m.Get(id)
	if !ok {
		metrics.SignalsRejectedTotal.WithLabelValues("unknown_session").Inc()
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()

	if s.lockdown {
		s.mu.Unlock()
		metrics.SignalsRejectedTotal.WithLabelValues("lockdown_active").Inc()
		m.logger.Warn("signal rejected, lockdown active",
			"session_id", s.ID, "type", string(sig.Type))
		return nil, ErrLockdownActive
	}

	description := m.applyTrustEffects(s, &sig)
	e := s.log.Record(s.ID, sig.Type, description, sig.Severity)
	s.risk = scoring.Evaluate(s.log.Snapshot())

	var alert *LockdownAlert
	if s.risk.Score >= scoring.LockdownThreshold && !s.lockdown {
		s.lockdown = true
		alert = &LockdownAlert{
			SessionID:   s.ID,
			Score:       s.risk.Score,
			Tier:        s.risk.Tier,
			TriggeredAt: time.Now(),
		}
	}
	score, tier := s.risk.Score, s.risk.Tier

	s.mu.Unlock()

	span.SetAttributes(traces.RiskScore(score))
	metrics.SignalsTotal.WithLabelValues(string(sig.Type)).Inc()
	m.logger.Info("signal recorded",
		"session_id", s.ID, "type", string(sig.Type),
		"score", score, "tier", string(tier))

	if m.notifier != nil {
		m.notifier.NotifySignal(e, score)
	}

	if alert != nil {
		metrics.LockdownsTotal.Inc()
		m.logger.Error("lockdown activated",
			"session_id", s.ID, "score", alert.Score)
		if m.notifier != nil {
			m.notifier.NotifyLockdown(alert)
		}
	}

	m.recordAudit(e)

	return e, nil
}

// recordAudit persists an event to the audit store asynchronously with
// bounded retries. Best-effort: failures are logged, never surfaced.
func (m *Manager) recordAudit(e *event.SecurityEvent) {
	if m.store == nil {
		return
	}
	go func() {
		if err := retry.Do(context.Background(), 3, 100*time.Millisecond, func() error {
			return m.store.Record(context.Background(), e)
		}); err != nil {
			m.logger.Warn("audit write failed", "session_id", e.SessionID, "error", err)
		}
	}()
}

// applyTrustEffects mutates device/location trust for the signal and
// returns the (possibly annotated) event description. Caller holds s.mu.
func (m *Manager) applyTrustEffects(s *Session, sig *Signal) string {
	description := sig.Description

	switch sig.Type {
	case event.TypeDeviceMismatch, event.TypeSimSwap:
		if sig.Fingerprint != "" {
			s.device.Fingerprint = sig.Fingerprint
		}
		s.device.Trusted = false

	case event.TypeLocationAnomaly:
		if sig.Location != nil {
			anomalous := &LocationProfile{
				Coordinates: &Coordinates{Lat: sig.Location.Lat, Lon: sig.Location.Lon},
				City:        sig.Location.City,
				Timezone:    sig.Location.Timezone,
				AccuracyM:   sig.Location.AccuracyM,
			}
			// Annotate with the jump distance for audit value; the
			// magnitude never feeds the score.
			if s.trustedLocation != nil && s.trustedLocation.Coordinates != nil {
				km := geo.DistanceKm(
					s.trustedLocation.Coordinates.Lat, s.trustedLocation.Coordinates.Lon,
					anomalous.Coordinates.Lat, anomalous.Coordinates.Lon,
				)
				description = fmt.Sprintf("%s (%.0f km from trusted location)", description, km)
			}
			s.location = anomalous
		}
		if s.location != nil {
			s.location.Trusted = false
		}

	case event.TypeOTPBurst:
		s.otp = append(s.otp, OTPActivity{
			Description: sig.Description,
			ObservedAt:  time.Now(),
		})
		if len(s.otp) > maxOTPActivity {
			s.otp = s.otp[len(s.otp)-maxOTPActivity:]
		}
	}

	return description
}

// Locked reports the lockdown flag; ok is false for unknown sessions.
func (m *Manager) Locked(id string) (locked bool, ok bool) {
	s, found := m.Get(id)
	if !found {
		return false, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockdown, true
}

// CompleteRecovery atomically restores the session to its trusted
// baselines: lifts lockdown, clears the event log and OTP buffer,
// restores the trusted device fingerprint, restores the trusted
// location snapshot if one was captured, and resets the score to the
// resting baseline. Only the recovery state machine calls this.
func (m *Manager) CompleteRecovery(ctx context.Context, id string) error {
	s, ok := m.Get(id)
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	s.lockdown = false
	s.log.Clear()
	s.otp = nil
	s.device = DeviceProfile{
		Fingerprint: s.trustedFingerprint,
		Trusted:     true,
		Metadata:    s.trustedMetadata,
	}
	if s.trustedLocation != nil {
		s.location = cloneLocation(s.trustedLocation)
		s.location.Trusted = true
	}
	s.risk = scoring.Evaluate(nil)
	score := s.risk.Score
	s.mu.Unlock()

	m.logger.Info("session restored",
		"session_id", s.ID, "score", score)

	// The live log is gone; the audit trail records the reset itself.
	m.recordAudit(&event.SecurityEvent{
		ID:          idgen.WithPrefix("evt_"),
		SessionID:   s.ID,
		Type:        event.TypeSessionReset,
		Description: "recovery complete, trusted baselines restored",
		Severity:    event.SeverityHigh,
		ObservedAt:  time.Now(),
	})
	return nil
}

// View returns a read-only snapshot of the session.
func (m *Manager) View(id string) (*View, bool) {
	s, ok := m.Get(id)
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return &View{
		ID:              s.ID,
		CreatedAt:       s.CreatedAt,
		Risk:            s.risk,
		RiskColor:       s.risk.Tier.Color(),
		Device:          s.device,
		Location:        cloneLocation(s.location),
		TrustedLocation: cloneLocation(s.trustedLocation),
		Lockdown:        s.lockdown,
		EventCount:      s.log.Len(),
	}, true
}

// Events returns the session's event log, most recent first.
func (m *Manager) Events(id string) ([]*event.SecurityEvent, bool) {
	s, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Snapshot(), true
}

// OTPActivity returns the session's OTP activity buffer.
func (m *Manager) OTPActivity(id string) ([]OTPActivity, bool) {
	s, ok := m.Get(id)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OTPActivity, len(s.otp))
	copy(out, s.otp)
	return out, true
}

// Audit returns persisted audit events for the session, most recent
// first. Unlike Events, the audit trail survives recovery resets.
func (m *Manager) Audit(ctx context.Context, id string, limit int) ([]*event.SecurityEvent, error) {
	if _, ok := m.Get(id); !ok {
		return nil, ErrSessionNotFound
	}
	if m.store == nil {
		return nil, nil
	}
	return m.store.ListBySession(ctx, id, limit)
}
