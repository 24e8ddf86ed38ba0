// Package ratelimit tracks request counts per (subject, category) in fixed
// windows backed by the shared store, and escalates bans on repeat
// violations.
//
// Windows reset only by natural key expiry: the first increment of a fresh
// window arms the expiry, later increments ride it. This keeps the limiter
// lock-free on top of the store's atomic increment.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketbot/internal/store"
	logx "marketbot/pkg/logx"
)

// Category names a class of rate-limited operation.
type Category string

const (
	CategorySearch        Category = "search"
	CategoryNotifications Category = "notifications"
	CategoryAPI           Category = "api"
)

// SubjectSystem is the subject used for system-wide (non-user) limits.
const SubjectSystem = "system"

var ErrUnknownCategory = errors.New("unknown rate limit category")

// Limit is a fixed window: at most MaxRequests per Window.
type Limit struct {
	Window      time.Duration
	MaxRequests int64
}

// BanPolicy controls escalation. The Nth violation computes
// min(Initial * Multiplier^(N-1), Max).
type BanPolicy struct {
	Initial    time.Duration
	Multiplier int64
	Max        time.Duration
}

type Config struct {
	Limits map[Category]Limit
	Bans   BanPolicy
}

// DefaultConfig mirrors the marketplace bot's production limits.
func DefaultConfig() Config {
	return Config{
		Limits: map[Category]Limit{
			CategorySearch:        {Window: time.Minute, MaxRequests: 30},
			CategoryNotifications: {Window: time.Hour, MaxRequests: 100},
			CategoryAPI:           {Window: 24 * time.Hour, MaxRequests: 1000},
		},
		Bans: BanPolicy{Initial: time.Minute, Multiplier: 2, Max: 24 * time.Hour},
	}
}

// Result is the outcome of a single Check.
type Result struct {
	Allowed   bool
	Remaining int64
	Reset     time.Duration
}

// CategoryStatus is the per-category view returned by Status.
type CategoryStatus struct {
	Used      int64
	Remaining int64
	Reset     time.Duration
	Max       int64
	Window    time.Duration
}

type Limiter struct {
	store store.Store
	cfg   Config
	log   logx.Logger
}

func New(st store.Store, cfg Config, log logx.Logger) *Limiter {
	if cfg.Limits == nil {
		cfg = DefaultConfig()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{store: st, cfg: cfg, log: log}
}

func windowKey(subject string, cat Category) string {
	return fmt.Sprintf("rate_limit:%s:%s", subject, cat)
}

func violationsKey(subject string) string {
	return fmt.Sprintf("rate_limit:%s:violations", subject)
}

func banKey(subject string) string {
	return fmt.Sprintf("rate_limit:%s:ban", subject)
}

// Check counts one request against the (subject, category) window and
// reports whether it is allowed. The first request of a window arms the
// window expiry; an over-limit request records a violation.
//
// Store failures surface as store.ErrUnavailable; callers on safety-critical
// paths must treat that as deny.
func (l *Limiter) Check(ctx context.Context, subject string, cat Category) (Result, error) {
	limit, ok := l.cfg.Limits[cat]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
	}

	key := windowKey(subject, cat)
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, limit.Window); err != nil {
			return Result{}, err
		}
	}

	reset, _, err := l.store.TTL(ctx, key)
	if err != nil {
		return Result{}, err
	}

	if count > limit.MaxRequests {
		if err := l.RecordViolation(ctx, subject, cat); err != nil {
			l.log.Warn("violation record failed", logx.String("subject", subject), logx.Err(err))
		}
		return Result{Allowed: false, Remaining: 0, Reset: reset}, nil
	}
	return Result{Allowed: true, Remaining: limit.MaxRequests - count, Reset: reset}, nil
}

// RecordViolation bumps the subject's lifetime violation counter and arms a
// ban if none is active. An active ban is never extended; the counter keeps
// growing so the next ban after expiry escalates.
func (l *Limiter) RecordViolation(ctx context.Context, subject string, cat Category) error {
	violations, err := l.store.Incr(ctx, violationsKey(subject))
	if err != nil {
		return err
	}

	dur := banDuration(l.cfg.Bans, violations)

	_, banned, err := l.store.TTL(ctx, banKey(subject))
	if err != nil {
		return err
	}
	if !banned {
		if err := l.store.Set(ctx, banKey(subject), "banned", dur); err != nil {
			return err
		}
	}

	l.log.Warn("rate limit violation",
		logx.String("subject", subject),
		logx.String("category", string(cat)),
		logx.Int64("violations", violations),
		logx.Duration("ban", dur),
	)
	return nil
}

// IsBanned reports whether a non-expired ban entry exists for subject.
func (l *Limiter) IsBanned(ctx context.Context, subject string) (bool, error) {
	_, ok, err := l.store.TTL(ctx, banKey(subject))
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Status returns the current usage for every configured category.
func (l *Limiter) Status(ctx context.Context, subject string) (map[Category]CategoryStatus, error) {
	out := make(map[Category]CategoryStatus, len(l.cfg.Limits))
	for cat, limit := range l.cfg.Limits {
		key := windowKey(subject, cat)

		var used int64
		if v, ok, err := l.store.Get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			fmt.Sscan(v, &used)
		}
		reset, _, err := l.store.TTL(ctx, key)
		if err != nil {
			return nil, err
		}

		out[cat] = CategoryStatus{
			Used:      used,
			Remaining: limit.MaxRequests - used,
			Reset:     reset,
			Max:       limit.MaxRequests,
			Window:    limit.Window,
		}
	}
	return out, nil
}

// banDuration computes the ban for the nth violation, capped at policy max.
func banDuration(p BanPolicy, n int64) time.Duration {
	if p.Initial <= 0 || n <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := p.Initial
	for i := int64(1); i < n; i++ {
		d *= time.Duration(mult)
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}
