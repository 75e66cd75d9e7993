package affinity

import (
	"testing"
	"time"
)

func TestStore_SetAndLookup(t *testing.T) {
	s := New(Config{SlidingTTL: time.Hour, AbsoluteTTL: time.Hour, JanitorEvery: time.Hour})
	defer s.Close()

	s.Set("sess-1", "up-1", 100, 50)
	e, ok := s.Lookup("sess-1")
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if e.UpstreamID != "up-1" || e.ContentLength != 100 || e.CumulativeInputTokens != 50 {
		t.Errorf("got %+v", e)
	}
}

func TestStore_SlidingTTLExpiry(t *testing.T) {
	s := New(Config{SlidingTTL: 10 * time.Millisecond, AbsoluteTTL: time.Hour, JanitorEvery: time.Hour})
	defer s.Close()

	s.Set("sess-1", "up-1", 10, 5)
	time.Sleep(20 * time.Millisecond)

	if _, ok := s.Lookup("sess-1"); ok {
		t.Error("expected entry to have expired under sliding TTL")
	}
}

func TestStore_AbsoluteTTLExpiryDespiteAccess(t *testing.T) {
	s := New(Config{SlidingTTL: time.Hour, AbsoluteTTL: 20 * time.Millisecond, JanitorEvery: time.Hour})
	defer s.Close()

	s.Set("sess-1", "up-1", 10, 5)
	deadline := time.Now().Add(30 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.Lookup("sess-1") // keep refreshing the sliding window
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := s.Lookup("sess-1"); ok {
		t.Error("expected absolute TTL to expire the entry regardless of access")
	}
}

func TestStore_JanitorSweepsExpiredEntries(t *testing.T) {
	s := New(Config{SlidingTTL: 5 * time.Millisecond, AbsoluteTTL: time.Hour, JanitorEvery: 10 * time.Millisecond})
	defer s.Close()

	s.Set("sess-1", "up-1", 10, 5)
	time.Sleep(50 * time.Millisecond)

	if s.Len() != 0 {
		t.Errorf("expected janitor to have swept expired entry, got Len()=%d", s.Len())
	}
}

func TestStore_AddCumulativeInputTokens(t *testing.T) {
	s := New(Config{SlidingTTL: time.Hour, AbsoluteTTL: time.Hour, JanitorEvery: time.Hour})
	defer s.Close()

	s.Set("sess-1", "up-1", 10, 100)
	s.AddCumulativeInputTokens("sess-1", 50)

	e, _ := s.Lookup("sess-1")
	if e.CumulativeInputTokens != 150 {
		t.Errorf("got %d, want 150", e.CumulativeInputTokens)
	}
}

func TestStore_MigrationPreservesCreatedAt(t *testing.T) {
	s := New(Config{SlidingTTL: time.Hour, AbsoluteTTL: time.Hour, JanitorEvery: time.Hour})
	defer s.Close()

	s.Set("sess-1", "up-1", 10, 100)
	e1, _ := s.Lookup("sess-1")

	time.Sleep(5 * time.Millisecond)
	s.Set("sess-1", "up-2", 20, 0) // migrate to a different upstream

	e2, _ := s.Lookup("sess-1")
	if e2.UpstreamID != "up-2" {
		t.Errorf("expected migrated upstream, got %q", e2.UpstreamID)
	}
	if !e2.CreatedAt.Equal(e1.CreatedAt) {
		t.Error("expected CreatedAt to be preserved across migration")
	}
}
