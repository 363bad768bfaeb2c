// Package event defines security events and the per-session event log.
//
// The log is the single source of truth for risk scoring: events are only
// ever appended (most recent first) and only ever removed all at once when
// a recovery completes. Individual events are immutable after creation.
package event

import (
	"context"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
)

// Type identifies the kind of security signal that produced an event.
type Type string

// Known signal types. Unknown types are accepted and contribute zero
// weight to the risk score, so new collaborators can ship new signals
// without a lockstep engine upgrade.
const (
	TypeSimSwap          Type = "simSwap"
	TypeDeviceMismatch   Type = "deviceMismatch"
	TypeLocationAnomaly  Type = "locationAnomaly"
	TypeOTPBurst         Type = "otpBurst"
	TypeUnusualTime      Type = "unusualTime"
	TypeVPNDetected      Type = "vpnDetected"
	TypeTimezoneMismatch Type = "timezoneMismatch"
)

// TypeSessionReset marks a completed recovery in the audit trail. It is
// engine-generated, never reported by collaborators, and carries no
// score weight.
const TypeSessionReset Type = "sessionReset"

// Severity classifies how serious the reporting collaborator considers
// the signal. It is informational; scoring depends only on Type.
type Severity string

const (
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is a single observed security signal. Immutable once created.
type SecurityEvent struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Type        Type      `json:"type"`
	Description string    `json:"description"`
	Severity    Severity  `json:"severity"`
	ObservedAt  time.Time `json:"observedAt"`
}

// Log is an append-only, most-recent-first event log for one session.
//
// Log is not safe for concurrent use; the owning session serializes all
// access under its own mutex.
type Log struct {
	events []*SecurityEvent
}

// NewLog creates an empty event log.
func NewLog() *Log {
	return &Log{}
}

// Record creates an event and prepends it to the log.
func (l *Log) Record(sessionID string, t Type, description string, sev Severity) *SecurityEvent {
	e := &SecurityEvent{
		ID:          idgen.WithPrefix("evt_"),
		SessionID:   sessionID,
		Type:        t,
		Description: description,
		Severity:    sev,
		ObservedAt:  time.Now(),
	}
	l.events = append([]*SecurityEvent{e}, l.events...)
	return e
}

// Clear empties the log in one step. Only recovery completion calls this.
func (l *Log) Clear() {
	l.events = nil
}

// Len returns the number of events in the log.
func (l *Log) Len() int {
	return len(l.events)
}

// Snapshot returns a copy of the log, most recent first. Callers may not
// mutate the returned events.
func (l *Log) Snapshot() []*SecurityEvent {
	out := make([]*SecurityEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Store persists events for the audit trail. The audit trail outlives the
// in-session log: a recovery clears the log but never the store.
type Store interface {
	Record(ctx context.Context, e *SecurityEvent) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*SecurityEvent, error)
}
