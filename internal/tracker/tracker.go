// Package tracker maintains the set of marketplace item ids that have
// already been notified, so each listing is pushed at most once.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"marketbot/internal/store"
	logx "marketbot/pkg/logx"
)

// DefaultTTL bounds how long a tracked item stays in the store.
const DefaultTTL = 7 * 24 * time.Hour

// Item is a marketplace listing as the tracker records it.
// FirstSeen is epoch milliseconds; records are never mutated after creation.
type Item struct {
	ID        int64   `json:"id"`
	Title     string  `json:"title"`
	Price     float64 `json:"price"`
	URL       string  `json:"url"`
	FirstSeen int64   `json:"timestamp"`
}

type Tracker struct {
	store store.Store
	ttl   time.Duration
	log   logx.Logger

	// now is the clock used for first-seen stamps and the cleanup sweep.
	now func() time.Time
}

func New(st store.Store, ttl time.Duration, log logx.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{store: st, ttl: ttl, log: log, now: time.Now}
}

func itemKey(id int64) string { return fmt.Sprintf("item:%d", id) }

// IsNew reports whether no tracked record exists for id.
func (t *Tracker) IsNew(ctx context.Context, id int64) (bool, error) {
	_, ok, err := t.store.Get(ctx, itemKey(id))
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Track unconditionally records the item with a fresh first-seen stamp.
func (t *Tracker) Track(ctx context.Context, item Item) error {
	item.FirstSeen = t.now().UnixMilli()
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return t.store.Set(ctx, itemKey(item.ID), string(b), t.ttl)
}

// FilterNew returns, in input order, the items not seen before and marks
// them seen. Acceptance is a single atomic set-if-absent per id, so a
// duplicate later in the batch or in a concurrently racing batch loses the
// claim and is excluded.
func (t *Tracker) FilterNew(ctx context.Context, items []Item) ([]Item, error) {
	fresh := make([]Item, 0, len(items))
	for _, item := range items {
		item.FirstSeen = t.now().UnixMilli()
		b, err := json.Marshal(item)
		if err != nil {
			return fresh, err
		}
		claimed, err := t.store.SetNX(ctx, itemKey(item.ID), string(b), t.ttl)
		if err != nil {
			return fresh, err
		}
		if claimed {
			fresh = append(fresh, item)
		}
	}
	return fresh, nil
}

// ListRecent returns up to limit tracked items, most recently seen first.
// Single snapshot read; not a resumable cursor.
func (t *Tracker) ListRecent(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	keys, err := t.store.Keys(ctx, "item:")
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(keys))
	for _, k := range keys {
		v, ok, err := t.store.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // expired between scan and read
		}
		var it Item
		if err := json.Unmarshal([]byte(v), &it); err != nil {
			t.log.Warn("corrupt tracked item", logx.String("key", k), logx.Err(err))
			continue
		}
		items = append(items, it)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].FirstSeen > items[j].FirstSeen })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Cleanup deletes tracked items older than maxAge. It backstops the per-key
// TTL: the sweep is authoritative even if the expiry never applied.
func (t *Tracker) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := t.store.Keys(ctx, "item:")
	if err != nil {
		return 0, err
	}

	now := t.now().UnixMilli()
	removed := 0
	for _, k := range keys {
		v, ok, err := t.store.Get(ctx, k)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		var it Item
		if err := json.Unmarshal([]byte(v), &it); err != nil {
			// Unreadable records are stale by definition.
			if err := t.store.Delete(ctx, k); err == nil {
				removed++
			}
			continue
		}
		if now-it.FirstSeen > maxAge.Milliseconds() {
			if err := t.store.Delete(ctx, k); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// CountTracked returns the number of live tracked items (engine logging).
func (t *Tracker) CountTracked(ctx context.Context) (int64, error) {
	return t.store.Count(ctx, "item:")
}
