// Package session owns per-session trust state for the risk engine.
//
// A session tracks the device and location trust baselines captured at
// session start, the append-only event log, the derived risk state, and
// the lockdown flag. All mutation goes through the Manager, which is the
// only component allowed to flip lockdown on or mark a device or location
// untrusted; every mutation for one session is serialized under that
// session's mutex so the score visible after a signal always reflects
// every event recorded up to and including it.
package session

import (
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/event"
	"github.com/mbd888/sentinel/internal/scoring"
)

// DeviceMetadata describes the device a fingerprint was derived from.
type DeviceMetadata struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Cores    int    `json:"cores"`
	MemoryGB int    `json:"memoryGb"`
	Screen   string `json:"screen"`
}

// DeviceProfile is the device currently under evaluation for a session.
type DeviceProfile struct {
	Fingerprint string         `json:"fingerprint"`
	Trusted     bool           `json:"trusted"`
	Metadata    DeviceMetadata `json:"metadata"`
}

// Coordinates is a lat/lon pair in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// LocationProfile is a location observation with its trust flag.
type LocationProfile struct {
	Trusted     bool         `json:"trusted"`
	Coordinates *Coordinates `json:"coordinates"`
	City        string       `json:"city"`
	Timezone    string       `json:"timezone"`
	AccuracyM   float64      `json:"accuracyM"`
}

// LocationFix is a normalized location reading from a collaborator.
type LocationFix struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	City      string  `json:"city"`
	Timezone  string  `json:"timezone"`
	AccuracyM float64 `json:"accuracyM"`
}

// OTPActivity is one entry in the session's OTP activity buffer. The
// buffer exists for observation only; it is cleared by recovery.
type OTPActivity struct {
	Description string    `json:"description"`
	ObservedAt  time.Time `json:"observedAt"`
}

// Session is the mutable state for one monitored session. Fields are
// guarded by mu; only Manager touches them.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu sync.Mutex

	device             DeviceProfile
	trustedFingerprint string         // captured once at session start
	trustedMetadata    DeviceMetadata // restoration target for recovery

	location        *LocationProfile // current; nil until first fix
	trustedLocation *LocationProfile // immutable snapshot of the first fix

	lockdown bool

	log  *event.Log
	otp  []OTPActivity
	risk scoring.RiskState
}

// View is a read-only snapshot of a session for observers. Observers
// never mutate engine state through it.
type View struct {
	ID              string             `json:"id"`
	CreatedAt       time.Time          `json:"createdAt"`
	Risk            scoring.RiskState  `json:"risk"`
	RiskColor       string             `json:"riskColor"`
	Device          DeviceProfile      `json:"device"`
	Location        *LocationProfile   `json:"location,omitempty"`
	TrustedLocation *LocationProfile   `json:"trustedLocation,omitempty"`
	Lockdown        bool               `json:"lockdown"`
	EventCount      int                `json:"eventCount"`
}

func cloneLocation(p *LocationProfile) *LocationProfile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Coordinates != nil {
		c := *p.Coordinates
		cp.Coordinates = &c
	}
	return &cp
}
