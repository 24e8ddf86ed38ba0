// Package stats keeps daily event counters and notification delivery
// statistics in the shared store.
package stats

import (
	"context"
	"strconv"
	"strings"
	"time"

	"marketbot/internal/eventbus"
	"marketbot/internal/store"
	logx "marketbot/pkg/logx"
)

const (
	dailyPrefix = "stats:daily:"
	sentKey     = "notification_stats:sent"
	failedKey   = "notification_stats:failed"
)

// Delivery is the aggregate notification outcome view.
type Delivery struct {
	Sent        int64
	Failed      int64
	SuccessRate float64
}

type Tracker struct {
	store store.Store
	log   logx.Logger
	now   func() time.Time
}

func New(st store.Store, log logx.Logger) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{store: st, log: log, now: time.Now}
}

func dayKey(t time.Time, event string) string {
	return dailyPrefix + t.UTC().Format("2006-01-02") + ":" + event
}

// TrackEvent bumps today's counter for event. Telemetry is fail-open: errors
// are logged, never propagated.
func (t *Tracker) TrackEvent(ctx context.Context, event string) {
	if _, err := t.store.Incr(ctx, dayKey(t.now(), event)); err != nil {
		t.log.Debug("stats increment failed", logx.String("event", event), logx.Err(err))
	}
}

// Summary aggregates daily counters over "day", "week" or "month".
func (t *Tracker) Summary(ctx context.Context, period string) (map[string]int64, error) {
	days := 1
	switch period {
	case "", "day":
	case "week":
		days = 7
	case "month":
		days = daysInMonth(t.now())
	}

	out := map[string]int64{}
	for i := 0; i < days; i++ {
		day := t.now().UTC().AddDate(0, 0, -i).Format("2006-01-02")
		prefix := dailyPrefix + day + ":"
		keys, err := t.store.Keys(ctx, prefix)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			v, ok, err := t.store.Get(ctx, k)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			n, _ := strconv.ParseInt(v, 10, 64)
			out[strings.TrimPrefix(k, prefix)] += n
		}
	}
	return out, nil
}

// DeliveryStats returns the lifetime notification delivery counters.
func (t *Tracker) DeliveryStats(ctx context.Context) (Delivery, error) {
	sent, err := t.counter(ctx, sentKey)
	if err != nil {
		return Delivery{}, err
	}
	failed, err := t.counter(ctx, failedKey)
	if err != nil {
		return Delivery{}, err
	}
	d := Delivery{Sent: sent, Failed: failed}
	if sent > 0 {
		d.SuccessRate = float64(sent-failed) / float64(sent) * 100
	}
	return d, nil
}

func (t *Tracker) counter(ctx context.Context, key string) (int64, error) {
	v, ok, err := t.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

// Run consumes dispatch events from the bus until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, bus *eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			t.consume(ctx, e)
		}
	}
}

func (t *Tracker) consume(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case "notify.sent":
		t.TrackEvent(ctx, "notification_success")
		if _, err := t.store.Incr(ctx, sentKey); err != nil {
			t.log.Debug("delivery counter failed", logx.Err(err))
		}
	case "notify.failed":
		t.TrackEvent(ctx, "notification_failure")
		if _, err := t.store.Incr(ctx, sentKey); err != nil {
			t.log.Debug("delivery counter failed", logx.Err(err))
		}
		if _, err := t.store.Incr(ctx, failedKey); err != nil {
			t.log.Debug("delivery counter failed", logx.Err(err))
		}
	case "notify.limited":
		t.TrackEvent(ctx, "notification_limited")
	}
}

func daysInMonth(t time.Time) int {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
