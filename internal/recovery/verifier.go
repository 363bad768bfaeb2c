package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/security"
)

// HTTPVerifier asks an external identity service to confirm the user
// behind a locked-down session. The state machine treats any transport
// or service failure as fail-open, so this only needs to report what the
// service said.
type HTTPVerifier struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPVerifier validates the endpoint (SSRF guard) and returns a
// verifier with a sane default client.
func NewHTTPVerifier(endpoint string) (*HTTPVerifier, error) {
	if err := security.ValidateEndpointURL(endpoint); err != nil {
		return nil, fmt.Errorf("verifier endpoint: %w", err)
	}
	return &HTTPVerifier{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type verifyRequest struct {
	SessionID string `json:"sessionId"`
}

type verifyResponse struct {
	Confirmed bool `json:"confirmed"`
}

// VerifyIdentity posts the session ID to the verifier endpoint and
// returns its confirmed flag.
func (v *HTTPVerifier) VerifyIdentity(ctx context.Context, sessionID string) (bool, error) {
	body, err := json.Marshal(verifyRequest{SessionID: sessionID})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.Endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("verifier returned status %d", resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Confirmed, nil
}

// ErrVerifierUnavailable is returned when the circuit to the verifier
// service is open. The state machine fails open on it like any other
// verifier error.
var ErrVerifierUnavailable = fmt.Errorf("identity verifier unavailable")

const verifierBreakerKey = "identity-verifier"

// GuardedVerifier wraps a Verifier with a circuit breaker so a down
// verifier service is not hammered on every recovery attempt.
type GuardedVerifier struct {
	inner   Verifier
	breaker *circuitbreaker.Breaker
}

// NewGuardedVerifier wraps v with a breaker that opens after 3
// consecutive failures and probes again after 30 seconds.
func NewGuardedVerifier(v Verifier) *GuardedVerifier {
	return &GuardedVerifier{
		inner:   v,
		breaker: circuitbreaker.New(3, 30*time.Second),
	}
}

// VerifyIdentity delegates to the wrapped verifier unless the circuit
// is open, in which case it fails fast with ErrVerifierUnavailable.
func (g *GuardedVerifier) VerifyIdentity(ctx context.Context, sessionID string) (bool, error) {
	if !g.breaker.Allow(verifierBreakerKey) {
		return false, ErrVerifierUnavailable
	}
	confirmed, err := g.inner.VerifyIdentity(ctx, sessionID)
	if err != nil {
		g.breaker.RecordFailure(verifierBreakerKey)
		return false, err
	}
	g.breaker.RecordSuccess(verifierBreakerKey)
	return confirmed, nil
}
