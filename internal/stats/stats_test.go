package stats

import (
	"context"
	"testing"
	"time"

	"marketbot/internal/eventbus"
	"marketbot/internal/store"
	logx "marketbot/pkg/logx"
)

func testTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	mem := store.NewMemory()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	mem.Now = func() time.Time { return now }
	tr := New(mem, logx.Nop())
	tr.now = func() time.Time { return now }
	return tr, &now
}

func TestSummaryAggregatesDays(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, now := testTracker(t)

	tr.TrackEvent(ctx, "search")
	tr.TrackEvent(ctx, "search")
	tr.TrackEvent(ctx, "items_found")

	day, err := tr.Summary(ctx, "day")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if day["search"] != 2 || day["items_found"] != 1 {
		t.Fatalf("day summary = %v", day)
	}

	// Move to the next day; the daily view is empty, the weekly view is not.
	*now = now.AddDate(0, 0, 1)
	day, _ = tr.Summary(ctx, "day")
	if len(day) != 0 {
		t.Fatalf("next-day summary = %v, want empty", day)
	}
	week, _ := tr.Summary(ctx, "week")
	if week["search"] != 2 {
		t.Fatalf("week summary = %v", week)
	}
}

func TestDeliveryStatsFromBus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _ := testTracker(t)

	bus := eventbus.New()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Run(runCtx, bus)
	}()

	for i := 0; i < 3; i++ {
		bus.Publish(eventbus.Event{Type: "notify.sent", Subject: "1"})
	}
	bus.Publish(eventbus.Event{Type: "notify.failed", Subject: "1"})

	// Wait for the subscriber to drain.
	deadline := time.Now().Add(2 * time.Second)
	for {
		d, err := tr.DeliveryStats(ctx)
		if err != nil {
			t.Fatalf("DeliveryStats: %v", err)
		}
		if d.Sent == 4 && d.Failed == 1 {
			if d.SuccessRate != 75 {
				t.Fatalf("success rate = %v, want 75", d.SuccessRate)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivery stats never converged: %+v", d)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}
