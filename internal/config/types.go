package config

// Config is the on-disk configuration. JSON and YAML are both accepted; YAML
// is coerced to JSON so a single strict decoder (DisallowUnknownFields)
// validates either format. All durations are Go duration strings
// (e.g. "500ms", "30s", "10m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Database DatabaseConfig `json:"database"`
	Discord  DiscordConfig  `json:"discord"`

	Executor  ExecutorConfig  `json:"executor,omitempty"`
	Dedup     DedupConfig     `json:"dedup,omitempty"`
	Lifecycle LifecycleConfig `json:"lifecycle,omitempty"`
	Rating    RatingConfig    `json:"rating,omitempty"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
	Trigger   TriggerConfig   `json:"trigger,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

// PprofConfig controls the optional profiling listener. Same bind rules as
// the trigger server: loopback by default, token or allow_insecure otherwise.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
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

type DatabaseConfig struct {
	// URL is a pgx connection string (postgres://...).
	URL      string `json:"url"`
	MaxConns int    `json:"max_conns,omitempty"`
	// OpTimeout bounds every store call.
	OpTimeout string `json:"op_timeout,omitempty"`
}

type DiscordConfig struct {
	Token   string `json:"token"`
	GuildID string `json:"guild_id"`
	// ParentCategory is the category id session channels are created under.
	ParentCategory string `json:"parent_category,omitempty"`
	// BaseURL overrides the API endpoint (tests, proxies).
	BaseURL string `json:"base_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type ExecutorConfig struct {
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	MaxRetryWait string `json:"max_retry_wait,omitempty"`
	RatePerSec   int    `json:"rate_per_sec,omitempty"`
}

// DedupConfig selects the idempotency tracker backend.
//
// Driver "memory" (default) is process-local; "sqlite" additionally survives
// restarts for the window where an action ran but its flag write failed.
type DedupConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	TTL    string `json:"ttl,omitempty"`
}

type LifecycleConfig struct {
	ChannelInterval  string `json:"channel_interval,omitempty"`
	ReminderInterval string `json:"reminder_interval,omitempty"`
	WrapupInterval   string `json:"wrapup_interval,omitempty"`
	SweepInterval    string `json:"sweep_interval,omitempty"`

	UpcomingLookBehind string `json:"upcoming_look_behind,omitempty"`
	UpcomingLookAhead  string `json:"upcoming_look_ahead,omitempty"`
	WrapupLookBehind   string `json:"wrapup_look_behind,omitempty"`
	SweepLookBehind    string `json:"sweep_look_behind,omitempty"`
}

type RatingConfig struct {
	// Window is how long submissions stay open after the prompt.
	Window string `json:"window,omitempty"`
}

type NotifierConfig struct {
	// AdminChannelID receives session and rating summaries. Empty disables.
	AdminChannelID string `json:"admin_channel_id,omitempty"`
}

// TriggerConfig controls the control-plane HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8710").
//   - A non-loopback bind requires a token or explicit allow_insecure.
type TriggerConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
