package quota

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTracker(client)
}

func TestTracker_UnlimitedNeverExceeds(t *testing.T) {
	tr := newTestTracker(t)
	exceeded, err := tr.RecordSpend(context.Background(), "up-1", 1000, 0, 0)
	if err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}
	if exceeded {
		t.Error("expected no limit to never exceed")
	}
}

func TestTracker_DailyLimitExceeded(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	exceeded, err := tr.RecordSpend(ctx, "up-1", 5.0, 10.0, 0)
	if err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}
	if exceeded {
		t.Fatal("expected not exceeded after first 5.0 of 10.0")
	}

	exceeded, err = tr.RecordSpend(ctx, "up-1", 6.0, 10.0, 0)
	if err != nil {
		t.Fatalf("RecordSpend: %v", err)
	}
	if !exceeded {
		t.Error("expected daily limit exceeded after cumulative 11.0 of 10.0")
	}
}

func TestTracker_NilClientDegradesGracefully(t *testing.T) {
	tr := NewTracker(nil)
	exceeded, err := tr.RecordSpend(context.Background(), "up-1", 1e9, 1.0, 1.0)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if exceeded {
		t.Error("expected nil-client tracker to never report exceeded")
	}
}

func TestTracker_CurrentlyExceededDoesNotDoubleCount(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	tr.RecordSpend(ctx, "up-1", 9.0, 10.0, 0)

	exceeded, err := tr.CurrentlyExceeded(ctx, "up-1", 10.0, 0)
	if err != nil {
		t.Fatalf("CurrentlyExceeded: %v", err)
	}
	if exceeded {
		t.Error("9.0 of 10.0 should not be exceeded")
	}

	exceeded2, _ := tr.CurrentlyExceeded(ctx, "up-1", 10.0, 0)
	if exceeded2 {
		t.Error("checking again with zero additional cost should still read 9.0")
	}
}
