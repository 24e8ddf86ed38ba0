package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Engine controls the background item-check and cleanup jobs.
	Engine EngineConfig `json:"engine"`

	// Market configures the marketplace API client.
	Market MarketConfig `json:"market"`

	// RateLimit overrides the built-in per-category budgets. If the whole
	// section (or a category) is omitted, the defaults apply.
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty"`

	Notify  NotifyConfig  `json:"notify,omitempty"`
	Tracker TrackerConfig `json:"tracker,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminChatID receives the new-item digests from the engine.
	AdminChatID  int64   `json:"admin_chat_id"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the key-value store backing dedup, rate limiting,
// schedules and stats.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./marketbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls the execution engine.
//
// Schedules are five-field cron expressions. Defaults (when omitted):
//   - item_check_schedule: "*/5 * * * *"
//   - cleanup_schedule:    "0 3 * * *"
//   - per_page:            20
//   - max_pages:           1
type EngineConfig struct {
	Enabled           bool   `json:"enabled"`
	ItemCheckSchedule string `json:"item_check_schedule,omitempty"`
	CleanupSchedule   string `json:"cleanup_schedule,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
	PerPage           int    `json:"per_page,omitempty"`
	MaxPages          int    `json:"max_pages,omitempty"`
}

type MarketConfig struct {
	BaseURL string `json:"base_url"`
	// Timeout is a Go duration string; default "10s".
	Timeout           string `json:"timeout,omitempty"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	Currency          string `json:"currency,omitempty"`
}

// RateLimitCategory overrides one budget. Window is a Go duration string.
type RateLimitCategory struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

type RateLimitConfig struct {
	Search        *RateLimitCategory `json:"search,omitempty"`
	Notifications *RateLimitCategory `json:"notifications,omitempty"`
	API           *RateLimitCategory `json:"api,omitempty"`

	// BanBase and BanCap are Go duration strings; defaults "1m" and "24h".
	BanBase string `json:"ban_base,omitempty"`
	BanCap  string `json:"ban_cap,omitempty"`
}

type NotifyConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// SendTimeout is a Go duration string; default "10s".
	SendTimeout string `json:"send_timeout,omitempty"`
}

type TrackerConfig struct {
	// TTL is a Go duration string; default "168h" (seven days).
	TTL string `json:"ttl,omitempty"`
}
