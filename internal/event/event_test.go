package event

import (
	"context"
	"testing"
)

func TestLogRecordPrepends(t *testing.T) {
	l := NewLog()

	first := l.Record("ses_1", TypeOTPBurst, "3 OTP requests in 60s", SeverityHigh)
	second := l.Record("ses_1", TypeSimSwap, "carrier change detected", SeverityCritical)

	if l.Len() != 2 {
		t.Fatalf("expected 2 events, got %d", l.Len())
	}

	snap := l.Snapshot()
	if snap[0].ID != second.ID {
		t.Errorf("most recent event should be first, got %s", snap[0].ID)
	}
	if snap[1].ID != first.ID {
		t.Errorf("oldest event should be last, got %s", snap[1].ID)
	}
}

func TestLogRecordAssignsUniqueIDs(t *testing.T) {
	l := NewLog()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		e := l.Record("ses_1", TypeUnusualTime, "login at 03:12", SeverityHigh)
		if e.ID == "" {
			t.Fatal("event ID should not be empty")
		}
		if seen[e.ID] {
			t.Fatalf("duplicate event ID %s", e.ID)
		}
		seen[e.ID] = true
	}
}

func TestLogClearEmptiesAtomically(t *testing.T) {
	l := NewLog()
	l.Record("ses_1", TypeSimSwap, "carrier change detected", SeverityCritical)
	l.Record("ses_1", TypeDeviceMismatch, "fingerprint drift", SeverityHigh)

	l.Clear()

	if l.Len() != 0 {
		t.Errorf("expected empty log after clear, got %d events", l.Len())
	}
	if len(l.Snapshot()) != 0 {
		t.Error("snapshot of cleared log should be empty")
	}
}

func TestLogSnapshotIsACopy(t *testing.T) {
	l := NewLog()
	l.Record("ses_1", TypeVPNDetected, "exit node in unusual region", SeverityHigh)

	snap := l.Snapshot()
	snap[0] = nil

	if l.Snapshot()[0] == nil {
		t.Error("mutating a snapshot should not affect the log")
	}
}

func TestMemoryStoreRecordAndList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	l := NewLog()
	for i := 0; i < 5; i++ {
		e := l.Record("ses_1", TypeOTPBurst, "burst", SeverityHigh)
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := s.ListBySession(ctx, "ses_1", 3)
	if err != nil {
		t.Fatalf("ListBySession failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}

	// Most recent first: the last recorded event leads the list.
	last := l.Snapshot()[0]
	if got[0].ID != last.ID {
		t.Errorf("expected most recent event %s first, got %s", last.ID, got[0].ID)
	}
}

func TestMemoryStoreUnknownSession(t *testing.T) {
	s := NewMemoryStore()

	got, err := s.ListBySession(context.Background(), "ses_missing", 10)
	if err != nil {
		t.Fatalf("ListBySession failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown session, got %d events", len(got))
	}
}

func TestMemoryStoreSurvivesLogClear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	l := NewLog()
	e := l.Record("ses_1", TypeSimSwap, "carrier change detected", SeverityCritical)
	_ = s.Record(ctx, e)

	l.Clear()

	got, _ := s.ListBySession(ctx, "ses_1", 10)
	if len(got) != 1 {
		t.Errorf("audit store should retain events after log clear, got %d", len(got))
	}
}
