// Package engine runs the background jobs: the periodic item check against
// the marketplace and the daily tracker cleanup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"marketbot/internal/market"
	"marketbot/internal/ratelimit"
	"marketbot/internal/stats"
	"marketbot/internal/tracker"
	logx "marketbot/pkg/logx"
)

// ErrBudgetExhausted means the system search budget denied this check; the
// next scheduled tick will try again.
var ErrBudgetExhausted = errors.New("search budget exhausted")

const (
	defaultItemCheckSchedule = "*/5 * * * *"
	defaultCleanupSchedule   = "0 3 * * *"
	defaultPerPage           = 20
	defaultDigestLimit       = 10
)

// Provider is the marketplace search surface the engine polls.
type Provider interface {
	Search(ctx context.Context, params market.SearchParams, page, perPage int) (market.SearchResponse, error)
}

// Dispatcher delivers the new-item digest.
type Dispatcher interface {
	Send(ctx context.Context, subject, message string) error
}

type Config struct {
	ItemCheckSchedule string // five-field cron; default "*/5 * * * *"
	CleanupSchedule   string // five-field cron; default "0 3 * * *"
	Timezone          string

	// AdminSubject receives the digest of newly found items. Empty disables
	// digest delivery; items are still tracked.
	AdminSubject string

	// Params are the search filters applied on every check.
	Params   market.SearchParams
	PerPage  int
	MaxPages int

	// MaxAge bounds how old a tracked item may get before the cleanup sweep
	// removes it; default tracker.DefaultTTL.
	MaxAge time.Duration
}

type Engine struct {
	cfg      Config
	provider Provider
	tracker  *tracker.Tracker
	limiter  *ratelimit.Limiter
	dispatch Dispatcher
	stats    *stats.Tracker
	log      logx.Logger

	itemCheck cron.Schedule
	cleanup   cron.Schedule

	mu      sync.Mutex
	c       *cron.Cron
	running bool
}

func New(
	cfg Config,
	provider Provider,
	tr *tracker.Tracker,
	limiter *ratelimit.Limiter,
	dispatch Dispatcher,
	st *stats.Tracker,
	log logx.Logger,
) (*Engine, error) {
	if strings.TrimSpace(cfg.ItemCheckSchedule) == "" {
		cfg.ItemCheckSchedule = defaultItemCheckSchedule
	}
	if strings.TrimSpace(cfg.CleanupSchedule) == "" {
		cfg.CleanupSchedule = defaultCleanupSchedule
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = tracker.DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	itemCheck, err := parser.Parse(cfg.ItemCheckSchedule)
	if err != nil {
		return nil, fmt.Errorf("item check schedule: %w", err)
	}
	cleanup, err := parser.Parse(cfg.CleanupSchedule)
	if err != nil {
		return nil, fmt.Errorf("cleanup schedule: %w", err)
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
	}

	return &Engine{
		cfg:       cfg,
		provider:  provider,
		tracker:   tr,
		limiter:   limiter,
		dispatch:  dispatch,
		stats:     st,
		log:       log,
		itemCheck: itemCheck,
		cleanup:   cleanup,
		c:         cron.New(cron.WithLocation(loc)),
	}, nil
}

// Start registers the jobs and begins ticking. Idempotent.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}

	e.c.Schedule(e.itemCheck, cron.FuncJob(func() { e.tick("item check", e.runItemCheck) }))
	e.c.Schedule(e.cleanup, cron.FuncJob(func() { e.tick("cleanup", e.runCleanup) }))
	e.c.Start()
	e.running = true
	e.log.Info("execution engine started",
		logx.String("item_check", e.cfg.ItemCheckSchedule),
		logx.String("cleanup", e.cfg.CleanupSchedule),
	)
}

// Stop halts the jobs; an in-flight tick runs to completion. Idempotent.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	c := e.c
	e.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	e.log.Info("execution engine stopped")
}

// Running reports whether the jobs are ticking.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// tick bounds one job run and logs its failure instead of letting it
// propagate; a bad cycle never stops the schedule.
func (e *Engine) tick(name string, run func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := run(ctx); err != nil {
		e.log.Error(name+" failed", logx.Err(err))
	}
}

func (e *Engine) runItemCheck(ctx context.Context) error {
	_, err := e.CheckNewItems(ctx)
	return err
}

func (e *Engine) runCleanup(ctx context.Context) error {
	removed, err := e.tracker.Cleanup(ctx, e.cfg.MaxAge)
	if err != nil {
		return err
	}
	e.trackEvent(ctx, "cleanup")
	e.log.Info("daily cleanup completed", logx.Int("removed", removed))
	return nil
}

// CheckNewItems performs one search cycle: gate on the system search budget,
// fetch listings, keep the never-seen ones and deliver the digest. Returns
// the number of new items accepted.
//
// A store failure on the budget check denies the cycle rather than running
// unmetered.
func (e *Engine) CheckNewItems(ctx context.Context) (int, error) {
	banned, err := e.limiter.IsBanned(ctx, ratelimit.SubjectSystem)
	if err != nil {
		return 0, err
	}
	if banned {
		return 0, fmt.Errorf("%w: system subject banned", ErrBudgetExhausted)
	}
	res, err := e.limiter.Check(ctx, ratelimit.SubjectSystem, ratelimit.CategorySearch)
	if err != nil {
		return 0, err
	}
	if !res.Allowed {
		e.trackEvent(ctx, "search_limited")
		return 0, ErrBudgetExhausted
	}

	e.trackEvent(ctx, "search")

	var found []tracker.Item
	for page := 1; page <= e.cfg.MaxPages; page++ {
		resp, err := e.provider.Search(ctx, e.cfg.Params, page, e.cfg.PerPage)
		if err != nil {
			return 0, fmt.Errorf("marketplace search: %w", err)
		}
		for _, it := range resp.Items {
			found = append(found, tracker.Item{
				ID:    it.ID,
				Title: it.Title,
				Price: it.Price,
				URL:   it.URL,
			})
		}
		if !resp.Pagination.HasMore() {
			break
		}
	}

	fresh, err := e.tracker.FilterNew(ctx, found)
	if err != nil {
		return len(fresh), err
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	e.log.Info("new items found", logx.Int("count", len(fresh)))
	for range fresh {
		e.trackEvent(ctx, "items_found")
	}

	if e.cfg.AdminSubject != "" && e.dispatch != nil {
		if err := e.dispatch.Send(ctx, e.cfg.AdminSubject, digest(fresh)); err != nil {
			// The items are already claimed; losing one digest is better than
			// re-announcing the batch next cycle.
			e.log.Error("digest delivery failed", logx.Err(err))
		}
	}
	return len(fresh), nil
}

// digest renders the new-item summary, capped to keep messages readable.
func digest(items []tracker.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d new item(s):\n", len(items))
	for i, it := range items {
		if i == defaultDigestLimit {
			fmt.Fprintf(&b, "… and %d more\n", len(items)-defaultDigestLimit)
			break
		}
		fmt.Fprintf(&b, "• %s — %.2f\n%s\n", it.Title, it.Price, it.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) trackEvent(ctx context.Context, event string) {
	if e.stats != nil {
		e.stats.TrackEvent(ctx, event)
	}
}
