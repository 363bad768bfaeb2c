// Package scoring maps the event log to a bounded risk score and a tier.
//
// Scoring is a pure function of the full log: every recorded event counts
// for the life of the session, with no decay, deduplication, or time
// windowing. The score is recomputed from scratch on every log mutation so
// it can never drift from the log contents.
package scoring

import "github.com/mbd888/sentinel/internal/event"

const (
	// BaselineScore is the resting score of a session with an empty log.
	BaselineScore = 5

	// MaxScore bounds the score from above.
	MaxScore = 100

	// LockdownThreshold is the score at which sensitive capabilities are
	// suspended.
	LockdownThreshold = 70
)

// weights maps each known signal type to its fixed score contribution.
// Unknown types contribute zero, never an error.
var weights = map[event.Type]int{
	event.TypeSimSwap:          45,
	event.TypeDeviceMismatch:   25,
	event.TypeLocationAnomaly:  20,
	event.TypeOTPBurst:         15,
	event.TypeVPNDetected:      15,
	event.TypeTimezoneMismatch: 12,
	event.TypeUnusualTime:      10,
}

// Weight returns the score contribution of a signal type. Unknown → 0.
func Weight(t event.Type) int {
	return weights[t]
}

// Score computes the session risk score from the event log:
// clamp(baseline + Σ weight(type), 0, 100). Order-independent.
func Score(events []*event.SecurityEvent) int {
	score := BaselineScore
	for _, e := range events {
		score += weights[e.Type]
	}
	if score > MaxScore {
		return MaxScore
	}
	if score < 0 {
		return 0
	}
	return score
}

// Tier is the discretized risk level derived from the numeric score.
type Tier string

const (
	TierLow      Tier = "LOW"
	TierMedium   Tier = "MEDIUM"
	TierHigh     Tier = "HIGH"
	TierCritical Tier = "CRITICAL"
)

// TierFor maps a score to its tier. Bands are non-overlapping and
// evaluated high to low.
func TierFor(score int) Tier {
	switch {
	case score >= 70:
		return TierCritical
	case score >= 40:
		return TierHigh
	case score >= 20:
		return TierMedium
	default:
		return TierLow
	}
}

// Color returns the display color for a tier. Purely presentational; the
// observation API passes it through so renderers don't hardcode the bands.
func (t Tier) Color() string {
	switch t {
	case TierCritical:
		return "#ef4444"
	case TierHigh:
		return "#f97316"
	case TierMedium:
		return "#eab308"
	default:
		return "#22c55e"
	}
}

// RiskState is the derived score + tier pair exposed to observers.
type RiskState struct {
	Score int  `json:"score"`
	Tier  Tier `json:"tier"`
}

// Evaluate computes the full risk state for an event log.
func Evaluate(events []*event.SecurityEvent) RiskState {
	score := Score(events)
	return RiskState{Score: score, Tier: TierFor(score)}
}
