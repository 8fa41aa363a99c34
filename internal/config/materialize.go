package config

import (
	"fmt"
	"strings"
	"time"

	"pairbot/internal/dedup"
	"pairbot/internal/executor"
	"pairbot/internal/lifecycle"
	obspprof "pairbot/internal/observability/pprof"
	"pairbot/internal/platform/discord"
	"pairbot/internal/rating"
	"pairbot/internal/store"
	"pairbot/internal/trigger"
	logx "pairbot/pkg/logx"
)

// ParseDurationField parses one of the config's Go-duration strings
// ("500ms", "30s", "10m"). Empty means unset and yields zero, which every
// component maps to its own default. Negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Validate parses every duration field and checks required sections, so a bad
// config is rejected before any component sees it (and before a hot reload
// commits it).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("database.url is required")
	}
	if strings.TrimSpace(c.Discord.Token) == "" {
		return fmt.Errorf("discord.token is required")
	}
	if strings.TrimSpace(c.Discord.GuildID) == "" {
		return fmt.Errorf("discord.guild_id is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"database.op_timeout", c.Database.OpTimeout},
		{"discord.timeout", c.Discord.Timeout},
		{"executor.max_retry_wait", c.Executor.MaxRetryWait},
		{"dedup.ttl", c.Dedup.TTL},
		{"lifecycle.channel_interval", c.Lifecycle.ChannelInterval},
		{"lifecycle.reminder_interval", c.Lifecycle.ReminderInterval},
		{"lifecycle.wrapup_interval", c.Lifecycle.WrapupInterval},
		{"lifecycle.sweep_interval", c.Lifecycle.SweepInterval},
		{"lifecycle.upcoming_look_behind", c.Lifecycle.UpcomingLookBehind},
		{"lifecycle.upcoming_look_ahead", c.Lifecycle.UpcomingLookAhead},
		{"lifecycle.wrapup_look_behind", c.Lifecycle.WrapupLookBehind},
		{"lifecycle.sweep_look_behind", c.Lifecycle.SweepLookBehind},
		{"rating.window", c.Rating.Window},
		{"trigger.read_timeout", c.Trigger.ReadTimeout},
		{"trigger.write_timeout", c.Trigger.WriteTimeout},
		{"trigger.idle_timeout", c.Trigger.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// The materializers below assume Validate passed; duration parse errors are
// ignored because they cannot happen on a committed config.

func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

func (c *Config) StoreConfig() store.Config {
	opTimeout, _ := ParseDurationField("database.op_timeout", c.Database.OpTimeout)
	return store.Config{
		URL:       c.Database.URL,
		MaxConns:  c.Database.MaxConns,
		OpTimeout: opTimeout,
	}
}

func (c *Config) DiscordConfig() discord.Config {
	timeout, _ := ParseDurationField("discord.timeout", c.Discord.Timeout)
	return discord.Config{
		Token:   c.Discord.Token,
		GuildID: c.Discord.GuildID,
		BaseURL: c.Discord.BaseURL,
		Timeout: timeout,
	}
}

func (c *Config) ExecutorConfig() executor.Config {
	maxWait, _ := ParseDurationField("executor.max_retry_wait", c.Executor.MaxRetryWait)
	return executor.Config{
		MaxAttempts:    c.Executor.MaxAttempts,
		MaxRetryWait:   maxWait,
		RatePerSec:     c.Executor.RatePerSec,
		ParentCategory: c.Discord.ParentCategory,
	}
}

func (c *Config) DedupConfig() dedup.Config {
	ttl, _ := ParseDurationField("dedup.ttl", c.Dedup.TTL)
	return dedup.Config{
		Driver: c.Dedup.Driver,
		Path:   c.Dedup.Path,
		TTL:    ttl,
	}
}

func (c *Config) LifecycleConfig() lifecycle.Config {
	d := func(path, raw string) time.Duration {
		v, _ := ParseDurationField(path, raw)
		return v
	}
	return lifecycle.Config{
		ChannelInterval:    d("lifecycle.channel_interval", c.Lifecycle.ChannelInterval),
		ReminderInterval:   d("lifecycle.reminder_interval", c.Lifecycle.ReminderInterval),
		WrapupInterval:     d("lifecycle.wrapup_interval", c.Lifecycle.WrapupInterval),
		SweepInterval:      d("lifecycle.sweep_interval", c.Lifecycle.SweepInterval),
		UpcomingLookBehind: d("lifecycle.upcoming_look_behind", c.Lifecycle.UpcomingLookBehind),
		UpcomingLookAhead:  d("lifecycle.upcoming_look_ahead", c.Lifecycle.UpcomingLookAhead),
		WrapupLookBehind:   d("lifecycle.wrapup_look_behind", c.Lifecycle.WrapupLookBehind),
		SweepLookBehind:    d("lifecycle.sweep_look_behind", c.Lifecycle.SweepLookBehind),
	}
}

func (c *Config) RatingConfig() rating.Config {
	window, _ := ParseDurationField("rating.window", c.Rating.Window)
	return rating.Config{Window: window}
}

func (c *Config) PprofConfig() obspprof.Config {
	return obspprof.Config{
		Enabled:       c.Pprof.Enabled,
		Addr:          c.Pprof.Addr,
		Token:         c.Pprof.Token,
		AllowInsecure: c.Pprof.AllowInsecure,
	}
}

func (c *Config) TriggerConfig() trigger.Config {
	d := func(path, raw string) time.Duration {
		v, _ := ParseDurationField(path, raw)
		return v
	}
	return trigger.Config{
		Enabled:       c.Trigger.Enabled,
		Addr:          c.Trigger.Addr,
		Token:         c.Trigger.Token,
		AllowInsecure: c.Trigger.AllowInsecure,
		ReadTimeout:   d("trigger.read_timeout", c.Trigger.ReadTimeout),
		WriteTimeout:  d("trigger.write_timeout", c.Trigger.WriteTimeout),
		IdleTimeout:   d("trigger.idle_timeout", c.Trigger.IdleTimeout),
	}
}
