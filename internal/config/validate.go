package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks the parts of cfg that would otherwise only fail at wiring
// time. It is installed as the Manager's validator so a bad edit never
// replaces a working config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token: required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required for sqlite driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}

	if cfg.Engine.Enabled {
		if strings.TrimSpace(cfg.Market.BaseURL) == "" {
			return fmt.Errorf("market.base_url: required when engine.enabled")
		}
	}
	for path, expr := range map[string]string{
		"engine.item_check_schedule": cfg.Engine.ItemCheckSchedule,
		"engine.cleanup_schedule":    cfg.Engine.CleanupSchedule,
	} {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return fmt.Errorf("%s: invalid cron expression %q: %w", path, expr, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Engine.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("engine.timezone: %w", err)
		}
	}

	if _, err := ParseDurationField("market.timeout", cfg.Market.Timeout); err != nil {
		return err
	}
	if cfg.Market.RequestsPerMinute < 0 {
		return fmt.Errorf("market.requests_per_minute: must be >= 0")
	}

	if rl := cfg.RateLimit; rl != nil {
		for path, cat := range map[string]*RateLimitCategory{
			"rate_limit.search":        rl.Search,
			"rate_limit.notifications": rl.Notifications,
			"rate_limit.api":           rl.API,
		} {
			if cat == nil {
				continue
			}
			if cat.Limit <= 0 {
				return fmt.Errorf("%s.limit: must be > 0", path)
			}
			d, err := ParseDurationField(path+".window", cat.Window)
			if err != nil {
				return err
			}
			if d <= 0 {
				return fmt.Errorf("%s.window: required", path)
			}
		}
		if _, err := ParseDurationField("rate_limit.ban_base", rl.BanBase); err != nil {
			return err
		}
		if _, err := ParseDurationField("rate_limit.ban_cap", rl.BanCap); err != nil {
			return err
		}
	}

	if _, err := ParseDurationField("notify.send_timeout", cfg.Notify.SendTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("tracker.ttl", cfg.Tracker.TTL); err != nil {
		return err
	}
	return nil
}
