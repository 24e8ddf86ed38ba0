package tracker

import (
	"context"
	"testing"
	"time"

	"marketbot/internal/store"
	logx "marketbot/pkg/logx"
)

func testTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	mem := store.NewMemory()
	now := time.Unix(50_000, 0)
	mem.Now = func() time.Time { return now }
	tr := New(mem, DefaultTTL, logx.Nop())
	tr.now = func() time.Time { return now }
	return tr, &now
}

func items(ids ...int64) []Item {
	out := make([]Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, Item{ID: id, Title: "listing", Price: 12.5, URL: "https://example.test/items"})
	}
	return out
}

func TestIsNewThenTrack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _ := testTracker(t)

	fresh, err := tr.IsNew(ctx, 42)
	if err != nil || !fresh {
		t.Fatalf("IsNew before track = %v, %v", fresh, err)
	}
	if err := tr.Track(ctx, Item{ID: 42, Title: "x"}); err != nil {
		t.Fatalf("Track: %v", err)
	}
	fresh, err = tr.IsNew(ctx, 42)
	if err != nil || fresh {
		t.Fatalf("IsNew after track = %v, %v; want false", fresh, err)
	}
}

func TestFilterNewTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _ := testTracker(t)
	batch := items(1, 2, 3)

	first, err := tr.FilterNew(ctx, batch)
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first pass = %d items, want 3", len(first))
	}

	second, err := tr.FilterNew(ctx, batch)
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second pass = %d items, want 0", len(second))
	}
}

func TestFilterNewDuplicateWithinBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, _ := testTracker(t)

	fresh, err := tr.FilterNew(ctx, items(101, 102, 101, 103))
	if err != nil {
		t.Fatalf("FilterNew: %v", err)
	}
	got := make([]int64, 0, len(fresh))
	for _, it := range fresh {
		got = append(got, it.ID)
	}
	if len(got) != 3 || got[0] != 101 || got[1] != 102 || got[2] != 103 {
		t.Fatalf("fresh ids = %v, want [101 102 103]", got)
	}

	if seen, _ := tr.IsNew(ctx, 101); seen {
		t.Fatal("IsNew(101) should be false after filter")
	}
	if fresh, _ := tr.IsNew(ctx, 104); !fresh {
		t.Fatal("IsNew(104) should be true")
	}
}

func TestListRecentOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, now := testTracker(t)

	_ = tr.Track(ctx, Item{ID: 1})
	*now = now.Add(time.Second)
	_ = tr.Track(ctx, Item{ID: 2})
	*now = now.Add(time.Second)
	_ = tr.Track(ctx, Item{ID: 3})

	got, err := tr.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 2 {
		t.Fatalf("ListRecent = %+v, want ids [3 2]", got)
	}
}

func TestCleanupMaxAge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tr, now := testTracker(t)

	_ = tr.Track(ctx, Item{ID: 1}) // tracked 2s before the sweep
	*now = now.Add(1900 * time.Millisecond)
	_ = tr.Track(ctx, Item{ID: 2}) // tracked 100ms before the sweep
	*now = now.Add(100 * time.Millisecond)

	removed, err := tr.Cleanup(ctx, time.Second)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if fresh, _ := tr.IsNew(ctx, 1); !fresh {
		t.Fatal("old item should be gone")
	}
	if fresh, _ := tr.IsNew(ctx, 2); fresh {
		t.Fatal("young item should survive")
	}
}
