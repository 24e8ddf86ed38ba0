// Package telegram is the chat transport: it polls for commands and delivers
// outbound notifications.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"marketbot/internal/market"
	"marketbot/internal/notify"
	"marketbot/internal/ratelimit"
	"marketbot/internal/schedule"
	"marketbot/internal/stats"
	"marketbot/internal/userconfig"
	logx "marketbot/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token        string
	PollTimeout  time.Duration // default 10s
	AdminChatID  int64
	OwnerUserIDs []int64
}

// Provider is the marketplace search surface behind /search.
type Provider interface {
	Search(ctx context.Context, params market.SearchParams, page, perPage int) (market.SearchResponse, error)
}

// Deps are the services the command handlers drive.
type Deps struct {
	Limiter   *ratelimit.Limiter
	Users     *userconfig.Service
	Schedules *schedule.Service
	Stats     *stats.Tracker
	Provider  Provider
}

type Bot struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	bot *tele.Bot

	runMu   sync.Mutex
	running bool
}

func New(cfg Config, deps Deps, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}

	b := &Bot{cfg: cfg, deps: deps, log: log, bot: tb}
	b.registerHandlers()
	return b, nil
}

// SetSchedules installs the schedule service. The bot and the scheduler meet
// through the dispatch path, so this is wired after construction, before
// Start.
func (b *Bot) SetSchedules(s *schedule.Service) { b.deps.Schedules = s }

// Start begins long polling. Idempotent; polling runs until Stop.
func (b *Bot) Start() {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return
	}
	b.running = true
	go func() {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
	}()
}

// Stop halts polling. Idempotent. Never blocks past ctx: telebot's Stop can
// wait out a full long-poll round, so it runs detached under a grace window.
func (b *Bot) Stop(ctx context.Context) {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return
	}
	b.running = false
	b.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		b.bot.Stop()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	select {
	case <-done:
	case <-time.After(grace):
		b.log.Warn("telegram stop timed out")
	case <-ctx.Done():
	}
}

// SendText delivers text to a chat, splitting messages that exceed the
// Telegram size limit. A flood rejection is surfaced as a retry-after hint
// so the dispatch layer can hold off instead of hammering.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := b.bot.Send(chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			var flood tele.FloodError
			if errors.As(err, &flood) && flood.RetryAfter > 0 {
				return &notify.RetryAfterError{After: time.Duration(flood.RetryAfter) * time.Second}
			}
			return err
		}
	}
	return nil
}

// splitText chunks s at the limit, preferring newline boundaries so listings
// are not cut mid-line.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			out = append(out, strings.TrimRight(string(rs[start:]), "\n"))
			break
		}

		cut := -1
		for i := end - 1; i > start; i-- {
			if rs[i] == '\n' {
				// Avoid degenerate tiny chunks.
				if i-start >= limit/3 {
					cut = i + 1
				}
				break
			}
		}
		if cut != -1 {
			end = cut
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
