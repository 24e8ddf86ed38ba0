// Package app wires the services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"marketbot/internal/config"
	"marketbot/internal/engine"
	"marketbot/internal/eventbus"
	"marketbot/internal/market"
	"marketbot/internal/notify"
	"marketbot/internal/ratelimit"
	"marketbot/internal/schedule"
	"marketbot/internal/stats"
	"marketbot/internal/store"
	"marketbot/internal/tracker"
	"marketbot/internal/transport/telegram"
	"marketbot/internal/userconfig"
	logx "marketbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	st       store.Store
	bus      *eventbus.Bus
	limiter  *ratelimit.Limiter
	track    *tracker.Tracker
	users    *userconfig.Service
	statsT   *stats.Tracker
	sched    *schedule.Service
	dispat   *notify.Service
	bot      *telegram.Bot
	provider telegram.Provider
	root     logx.Logger
	trackTTL time.Duration

	// engMu guards eng, which config reloads may swap while running.
	engMu sync.Mutex
	eng   *engine.Engine

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	a := &App{cfgPath: cfgPath, cfgm: cfgm, logs: logSvc, log: log}
	if err := a.build(cfg, logSvc.Logger()); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	st, err := openStore(cfg, root.With(logx.String("comp", "store")))
	if err != nil {
		return err
	}
	a.st = st

	a.bus = eventbus.New()

	limCfg, err := mapRateLimitConfig(cfg.RateLimit)
	if err != nil {
		return err
	}
	a.limiter = ratelimit.New(st, limCfg, root.With(logx.String("comp", "ratelimit")))

	trackTTL, err := config.ParseDurationOrDefault("tracker.ttl", cfg.Tracker.TTL, tracker.DefaultTTL)
	if err != nil {
		return err
	}
	a.track = tracker.New(st, trackTTL, root.With(logx.String("comp", "tracker")))

	a.users = userconfig.New(st, root.With(logx.String("comp", "userconfig")))
	a.statsT = stats.New(st, root.With(logx.String("comp", "stats")))

	a.root = root
	a.trackTTL = trackTTL

	provider, err := buildProvider(cfg, root.With(logx.String("comp", "market")))
	if err != nil {
		return err
	}
	a.provider = provider

	bot, err := buildBot(cfg, telegram.Deps{
		Limiter:   a.limiter,
		Users:     a.users,
		Schedules: nil, // set after the scheduler exists
		Stats:     a.statsT,
		Provider:  provider,
	}, root)
	if err != nil {
		return err
	}
	a.bot = bot

	sendTimeout, err := config.ParseDurationField("notify.send_timeout", cfg.Notify.SendTimeout)
	if err != nil {
		return err
	}
	a.dispat = notify.New(notify.Config{
		RatePerSec:  cfg.Notify.RatePerSec,
		SendTimeout: sendTimeout,
	}, bot, a.limiter, a.bus, root.With(logx.String("comp", "notify")))

	a.sched = schedule.New(st, a.dispat, root.With(logx.String("comp", "schedule")))
	bot.SetSchedules(a.sched)

	if cfg.Engine.Enabled {
		eng, err := a.buildEngine(cfg)
		if err != nil {
			return err
		}
		a.eng = eng
	}
	return nil
}

func (a *App) buildEngine(cfg *config.Config) (*engine.Engine, error) {
	adminSubject := ""
	if cfg.Telegram.AdminChatID != 0 {
		adminSubject = strconv.FormatInt(cfg.Telegram.AdminChatID, 10)
	}
	return engine.New(engine.Config{
		ItemCheckSchedule: cfg.Engine.ItemCheckSchedule,
		CleanupSchedule:   cfg.Engine.CleanupSchedule,
		Timezone:          cfg.Engine.Timezone,
		AdminSubject:      adminSubject,
		Params:            market.SearchParams{Currency: cfg.Market.Currency},
		PerPage:           cfg.Engine.PerPage,
		MaxPages:          cfg.Engine.MaxPages,
		MaxAge:            a.trackTTL,
	}, a.provider, a.track, a.limiter, a.dispat, a.statsT, a.root.With(logx.String("comp", "engine")))
}

// Start brings the services up: store is already open, so the order is
// scheduler rehydrate, engine, transport, then the background loops.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	if err := a.sched.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate schedules: %w", err)
	}
	a.sched.Start()
	a.engMu.Lock()
	if a.eng != nil {
		a.eng.Start()
	}
	a.engMu.Unlock()
	a.bot.Start()

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.statsT.Run(runCtx, a.bus)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.followConfig(runCtx)
	}()

	a.started = true
	a.log.Info("application started")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	return nil
}

// Stop shuts down in reverse start order. Idempotent.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.started = false

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.bot.Stop(ctx)
	a.engMu.Lock()
	if a.eng != nil {
		a.eng.Stop(ctx)
	}
	a.engMu.Unlock()
	a.sched.Stop(ctx)

	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	var errs []error
	if err := a.st.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	a.log.Info("application stopped")
	if err := a.logs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close logging: %w", err))
	}
	return errors.Join(errs...)
}

// followConfig applies hot-reloadable settings from config file edits.
// Logging and engine changes take effect live; the rest are logged as
// needing a restart so an edit is never silently ignored.
func (a *App) followConfig(ctx context.Context) {
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)

	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeConfigChange(prev, cfg)
			if len(changed) == 0 {
				continue
			}
			a.log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)

			for _, section := range changed {
				switch section {
				case "logging":
					a.logs.Apply(logx.Config{
						Level:   cfg.Logging.Level,
						Console: cfg.Logging.Console,
						File: logx.FileConfig{
							Enabled: cfg.Logging.File.Enabled,
							Path:    cfg.Logging.File.Path,
						},
					})
				case "engine":
					a.swapEngine(ctx, cfg)
				default:
					a.log.Warn("config section changed; restart required",
						logx.String("section", section))
				}
			}
			prev = cfg
		}
	}
}

// swapEngine replaces the running engine with one built from cfg. The config
// was already validated by the watcher, so a build failure here only loses
// the background jobs, never the process.
func (a *App) swapEngine(ctx context.Context, cfg *config.Config) {
	a.engMu.Lock()
	defer a.engMu.Unlock()

	if a.eng != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		a.eng.Stop(stopCtx)
		cancel()
		a.eng = nil
	}
	if !cfg.Engine.Enabled {
		a.log.Info("engine disabled by config reload")
		return
	}
	eng, err := a.buildEngine(cfg)
	if err != nil {
		a.log.Error("engine rebuild failed; background jobs stopped", logx.Err(err))
		return
	}
	a.eng = eng
	eng.Start()
}

func openStore(cfg *config.Config, log logx.Logger) (store.Store, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	return store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log)
}

func mapRateLimitConfig(rl *config.RateLimitConfig) (ratelimit.Config, error) {
	cfg := ratelimit.DefaultConfig()
	if rl == nil {
		return cfg, nil
	}

	for cat, over := range map[ratelimit.Category]*config.RateLimitCategory{
		ratelimit.CategorySearch:        rl.Search,
		ratelimit.CategoryNotifications: rl.Notifications,
		ratelimit.CategoryAPI:           rl.API,
	} {
		if over == nil {
			continue
		}
		w, err := config.ParseDurationField("rate_limit."+string(cat)+".window", over.Window)
		if err != nil {
			return ratelimit.Config{}, err
		}
		cfg.Limits[cat] = ratelimit.Limit{Window: w, MaxRequests: int64(over.Limit)}
	}

	base, err := config.ParseDurationOrDefault("rate_limit.ban_base", rl.BanBase, cfg.Bans.Initial)
	if err != nil {
		return ratelimit.Config{}, err
	}
	banCap, err := config.ParseDurationOrDefault("rate_limit.ban_cap", rl.BanCap, cfg.Bans.Max)
	if err != nil {
		return ratelimit.Config{}, err
	}
	cfg.Bans.Initial = base
	cfg.Bans.Max = banCap
	return cfg, nil
}

func buildProvider(cfg *config.Config, log logx.Logger) (telegram.Provider, error) {
	if cfg.Market.BaseURL == "" {
		return unconfiguredProvider{}, nil
	}
	timeout, err := config.ParseDurationField("market.timeout", cfg.Market.Timeout)
	if err != nil {
		return nil, err
	}
	return market.NewClient(market.Config{
		BaseURL:       cfg.Market.BaseURL,
		Timeout:       timeout,
		RequestsPerMn: cfg.Market.RequestsPerMinute,
		UserAgent:     cfg.Market.UserAgent,
	}, log)
}

func buildBot(cfg *config.Config, deps telegram.Deps, root logx.Logger) (*telegram.Bot, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  pollTimeout,
		AdminChatID:  cfg.Telegram.AdminChatID,
		OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
	}, deps, root.With(logx.String("comp", "telegram")))
}

// unconfiguredProvider stands in when market.base_url is not set, so /search
// degrades to a clear error instead of a nil dereference.
type unconfiguredProvider struct{}

func (unconfiguredProvider) Search(context.Context, market.SearchParams, int, int) (market.SearchResponse, error) {
	return market.SearchResponse{}, errors.New("marketplace client is not configured")
}
