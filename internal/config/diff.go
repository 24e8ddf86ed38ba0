package config

import (
	"reflect"
	"sort"
	"strings"

	logx "marketbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Secrets (the bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log the token itself)
	if (strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") ||
		oldCfg.Telegram.AdminChatID != newCfg.Telegram.AdminChatID ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.admin_chat_set", newCfg.Telegram.AdminChatID != 0),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.enabled", newCfg.Engine.Enabled),
			logx.String("engine.item_check", strings.TrimSpace(newCfg.Engine.ItemCheckSchedule)),
			logx.String("engine.cleanup", strings.TrimSpace(newCfg.Engine.CleanupSchedule)),
		)
	}

	if oldCfg.Market != newCfg.Market {
		changed = append(changed, "market")
		attrs = append(attrs,
			logx.String("market.base_url", strings.TrimSpace(newCfg.Market.BaseURL)),
			logx.Int("market.requests_per_minute", newCfg.Market.RequestsPerMinute),
		)
	}

	// Pointer section: nil means built-in defaults.
	oRL := derefRateLimit(oldCfg.RateLimit)
	nRL := derefRateLimit(newCfg.RateLimit)
	if !reflect.DeepEqual(oRL, nRL) {
		changed = append(changed, "rate_limit")
		attrs = append(attrs, logx.Bool("rate_limit.present", newCfg.RateLimit != nil))
	}

	if oldCfg.Notify != newCfg.Notify {
		changed = append(changed, "notify")
		attrs = append(attrs, logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec))
	}

	if oldCfg.Tracker != newCfg.Tracker {
		changed = append(changed, "tracker")
		attrs = append(attrs, logx.String("tracker.ttl", strings.TrimSpace(newCfg.Tracker.TTL)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefRateLimit(rl *RateLimitConfig) RateLimitConfig {
	if rl == nil {
		return RateLimitConfig{}
	}
	out := *rl
	if rl.Search != nil {
		c := *rl.Search
		out.Search = &c
	}
	if rl.Notifications != nil {
		c := *rl.Notifications
		out.Notifications = &c
	}
	if rl.API != nil {
		c := *rl.API
		out.API = &c
	}
	return out
}
