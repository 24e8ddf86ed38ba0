package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"marketbot/internal/market"
	"marketbot/internal/ratelimit"
	"marketbot/internal/schedule"
	"marketbot/internal/userconfig"
	logx "marketbot/pkg/logx"
)

const helpText = `Available commands:
/setconfig <json> - Configure your search preferences
/getconfig - View your current configuration
/resetconfig - Reset your configuration to defaults
/search - Execute a search with your current preferences
/setschedule {"cronExpression":"...","message":"..."} - Set a notification schedule
/updateschedule {"cronExpression":"...","message":"..."} - Update your notification schedule
/cancelschedule - Cancel your notification schedule
/getschedule - View your current notification schedule
/stats [day|week|month] - View bot usage statistics
/notifications - View notification delivery stats
/limits - View your rate limit status`

// handlerTimeout bounds the store and provider work behind one command.
const handlerTimeout = 15 * time.Second

func (b *Bot) registerHandlers() {
	b.bot.Handle("/start", func(c tele.Context) error {
		return c.Send("Welcome to the marketplace bot! Use /help to see available commands")
	})
	b.bot.Handle("/help", func(c tele.Context) error {
		return c.Send(helpText)
	})

	b.bot.Handle("/setconfig", b.gated(b.handleSetConfig))
	b.bot.Handle("/getconfig", b.gated(b.handleGetConfig))
	b.bot.Handle("/resetconfig", b.gated(b.handleResetConfig))
	b.bot.Handle("/search", b.gated(b.handleSearch))
	b.bot.Handle("/setschedule", b.gated(b.handleSetSchedule))
	b.bot.Handle("/updateschedule", b.gated(b.handleUpdateSchedule))
	b.bot.Handle("/cancelschedule", b.gated(b.handleCancelSchedule))
	b.bot.Handle("/getschedule", b.gated(b.handleGetSchedule))
	b.bot.Handle("/stats", b.gated(b.handleStats))
	b.bot.Handle("/notifications", b.gated(b.handleNotifications))
	b.bot.Handle("/limits", b.gated(b.handleLimits))

	b.bot.Handle(tele.OnText, func(c tele.Context) error {
		return c.Send("Command not recognized. Use /help for available commands")
	})
}

// gated wraps a handler with the per-user command budget and ban check.
// Store failures deny the command rather than bypassing the limiter.
func (b *Bot) gated(next func(ctx context.Context, c tele.Context, subject string) error) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil {
			return nil
		}
		subject := strconv.FormatInt(sender.ID, 10)

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		banned, err := b.deps.Limiter.IsBanned(ctx, subject)
		if err != nil {
			b.log.Error("ban check failed", logx.String("subject", subject), logx.Err(err))
			return c.Send("Service temporarily unavailable, try again later")
		}
		if banned {
			return c.Send("You are temporarily banned for exceeding rate limits")
		}
		res, err := b.deps.Limiter.Check(ctx, subject, ratelimit.CategoryAPI)
		if err != nil {
			b.log.Error("rate check failed", logx.String("subject", subject), logx.Err(err))
			return c.Send("Service temporarily unavailable, try again later")
		}
		if !res.Allowed {
			return c.Send(fmt.Sprintf("Rate limit exceeded. Try again in %s", res.Reset.Round(time.Second)))
		}

		if err := next(ctx, c, subject); err != nil {
			b.log.Warn("command failed",
				logx.String("command", firstWord(c.Text())),
				logx.String("subject", subject),
				logx.Err(err),
			)
			return c.Send("Error: " + err.Error())
		}
		return nil
	}
}

func (b *Bot) handleSetConfig(ctx context.Context, c tele.Context, subject string) error {
	payload := strings.TrimSpace(c.Message().Payload)
	if payload == "" {
		return errors.New("usage: /setconfig <json configuration>")
	}
	cfg, err := b.deps.Users.Update(ctx, subject, json.RawMessage(payload))
	if err != nil {
		return err
	}
	pretty, _ := json.MarshalIndent(cfg, "", "  ")
	return c.Send("Configuration updated successfully:\n" + string(pretty))
}

func (b *Bot) handleGetConfig(ctx context.Context, c tele.Context, subject string) error {
	cfg, ok, err := b.deps.Users.Get(ctx, subject)
	if err != nil {
		return err
	}
	if !ok {
		return c.Send("No configuration set; defaults apply. Use /setconfig to change them")
	}
	pretty, _ := json.MarshalIndent(cfg, "", "  ")
	return c.Send("Current configuration:\n" + string(pretty))
}

func (b *Bot) handleResetConfig(ctx context.Context, c tele.Context, subject string) error {
	if err := b.deps.Users.Delete(ctx, subject); err != nil {
		return err
	}
	return c.Send("Configuration reset to defaults")
}

func (b *Bot) handleSearch(ctx context.Context, c tele.Context, subject string) error {
	// Searches draw from their own budget on top of the command budget.
	res, err := b.deps.Limiter.Check(ctx, subject, ratelimit.CategorySearch)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return fmt.Errorf("search rate limit exceeded, try again in %s", res.Reset.Round(time.Second))
	}

	cfg, ok, err := b.deps.Users.Get(ctx, subject)
	if err != nil {
		return err
	}
	if !ok {
		cfg = userconfig.Default()
	}

	if b.deps.Stats != nil {
		b.deps.Stats.TrackEvent(ctx, "search")
	}
	resp, err := b.deps.Provider.Search(ctx, cfg.SearchParams(), 1, 10)
	if err != nil {
		return err
	}
	if len(resp.Items) == 0 {
		return c.Send("No results found for your search criteria")
	}
	return c.Send(formatResults(resp.Items))
}

func (b *Bot) handleSetSchedule(ctx context.Context, c tele.Context, subject string) error {
	expr, message, err := parseSchedulePayload(c.Message().Payload)
	if err != nil {
		return err
	}
	if err := b.deps.Schedules.Schedule(ctx, subject, expr, message); err != nil {
		if errors.Is(err, schedule.ErrDuplicateSchedule) {
			return errors.New("a schedule already exists; use /updateschedule to replace it")
		}
		return err
	}
	return c.Send("Notification schedule set successfully")
}

func (b *Bot) handleUpdateSchedule(ctx context.Context, c tele.Context, subject string) error {
	expr, message, err := parseSchedulePayload(c.Message().Payload)
	if err != nil {
		return err
	}
	if err := b.deps.Schedules.Update(ctx, subject, expr, message); err != nil {
		return err
	}
	return c.Send("Notification schedule updated successfully")
}

func (b *Bot) handleCancelSchedule(ctx context.Context, c tele.Context, subject string) error {
	if err := b.deps.Schedules.Cancel(ctx, subject); err != nil {
		return err
	}
	return c.Send("Notification schedule cancelled")
}

func (b *Bot) handleGetSchedule(ctx context.Context, c tele.Context, subject string) error {
	e, ok, err := b.deps.Schedules.Get(ctx, subject)
	if err != nil {
		return err
	}
	if !ok {
		return c.Send("No active notification schedule")
	}
	return c.Send(fmt.Sprintf("Current schedule:\nCron: %s\nMessage: %s", e.CronExpr, e.Message))
}

func (b *Bot) handleStats(ctx context.Context, c tele.Context, _ string) error {
	period := strings.TrimSpace(c.Message().Payload)
	switch period {
	case "":
		period = "day"
	case "day", "week", "month":
	default:
		return errors.New("usage: /stats [day|week|month]")
	}

	summary, err := b.deps.Stats.Summary(ctx, period)
	if err != nil {
		return err
	}
	if len(summary) == 0 {
		return c.Send("No statistics recorded for this period")
	}

	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Statistics (%s):\n", period)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %d\n", k, summary[k])
	}
	return c.Send(strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleNotifications(ctx context.Context, c tele.Context, _ string) error {
	d, err := b.deps.Stats.DeliveryStats(ctx)
	if err != nil {
		return err
	}
	return c.Send(fmt.Sprintf(
		"Notification Statistics:\nNotifications sent: %d\nNotifications failed: %d\nSuccess rate: %.2f%%",
		d.Sent, d.Failed, d.SuccessRate,
	))
}

func (b *Bot) handleLimits(ctx context.Context, c tele.Context, subject string) error {
	status, err := b.deps.Limiter.Status(ctx, subject)
	if err != nil {
		return err
	}

	cats := make([]string, 0, len(status))
	for cat := range status {
		cats = append(cats, string(cat))
	}
	sort.Strings(cats)

	var sb strings.Builder
	sb.WriteString("Rate limit status:\n")
	for _, cat := range cats {
		s := status[ratelimit.Category(cat)]
		fmt.Fprintf(&sb, "%s: %d/%d used, resets in %s\n", cat, s.Used, s.Max, s.Reset.Round(time.Second))
	}
	return c.Send(strings.TrimRight(sb.String(), "\n"))
}

// parseSchedulePayload accepts the JSON form {"cronExpression":"...","message":"..."}.
func parseSchedulePayload(payload string) (expr, message string, err error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", "", errors.New(`usage: /setschedule {"cronExpression":"0 9 * * *","message":"..."}`)
	}
	var req struct {
		CronExpression string `json:"cronExpression"`
		Message        string `json:"message"`
	}
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return "", "", fmt.Errorf("invalid schedule payload: %w", err)
	}
	if strings.TrimSpace(req.CronExpression) == "" || strings.TrimSpace(req.Message) == "" {
		return "", "", errors.New("cronExpression and message are both required")
	}
	return req.CronExpression, req.Message, nil
}

func formatResults(items []market.Item) string {
	var sb strings.Builder
	for i, it := range items {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%s\nPrice: %.2f\nLink: %s", it.Title, it.Price, it.URL)
	}
	return sb.String()
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
