package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventSignal, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventLockdown, EventSessionReset},
	}}

	lockdownEvent := &Event{Type: EventLockdown}
	resetEvent := &Event{Type: EventSessionReset}
	signalEvent := &Event{Type: EventSignal}

	if !h.shouldSend(client, lockdownEvent) {
		t.Error("Should receive lockdown events")
	}
	if !h.shouldSend(client, resetEvent) {
		t.Error("Should receive session_reset events")
	}
	if h.shouldSend(client, signalEvent) {
		t.Error("Should NOT receive signal events")
	}
}

func TestShouldSend_SessionFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		SessionIDs: []string{"ses_watched"},
	}}

	matching := &Event{
		Type: EventSignal,
		Data: map[string]interface{}{"sessionId": "ses_watched", "score": 50},
	}
	notMatching := &Event{
		Type: EventSignal,
		Data: map[string]interface{}{"sessionId": "ses_other", "score": 50},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on sessionId")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated sessions")
	}
}

func TestShouldSend_MinScoreFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinScore: 40,
	}}

	high := &Event{
		Type: EventSignal,
		Data: map[string]interface{}{"score": 75},
	}
	low := &Event{
		Type: EventSignal,
		Data: map[string]interface{}{"score": 20},
	}
	lowFromJSON := &Event{
		Type: EventSignal,
		Data: map[string]interface{}{"score": float64(20)},
	}
	recoveryStep := &Event{
		Type: EventRecoveryStep,
		Data: map[string]interface{}{"step": "verifying"},
	}

	if !h.shouldSend(client, high) {
		t.Error("Should receive high-score signal")
	}
	if h.shouldSend(client, low) {
		t.Error("Should NOT receive low-score signal")
	}
	if h.shouldSend(client, lowFromJSON) {
		t.Error("Should NOT receive low-score signal with float score")
	}
	if !h.shouldSend(client, recoveryStep) {
		t.Error("MinScore filter should only apply to signals and lockdowns")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	event := &Event{Type: EventSignal}
	if !h.shouldSend(client, event) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

func TestShouldSend_NonMapData(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		SessionIDs: []string{"ses_watched"},
	}}

	// Event with non-map data should not crash
	event := &Event{
		Type: EventSessionReset,
		Data: "string data not a map",
	}

	// Session filter skips non-map data (can't extract the ID), so event passes through
	if !h.shouldSend(client, event) {
		t.Error("Non-map data should pass through when session filter can't extract the ID")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Broadcast an event
	h.Broadcast(&Event{Type: EventSignal, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_BroadcastToClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.BroadcastSignal(map[string]interface{}{
		"sessionId": "ses_1", "type": "simSwap", "score": 50,
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHub_EmitRecoveryStep(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventRecoveryStep}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.EmitRecoveryStep("ses_1", "restoring_services")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for recovery step event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants session resets
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []EventType{EventSessionReset}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	// Send a signal event (should be filtered out)
	h.Broadcast(&Event{Type: EventSignal, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive signal event")
	default:
		// Good - filtered out
	}

	// Send a session reset (should be received)
	h.EmitSessionReset("ses_1")

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive session_reset event")
	}
}
