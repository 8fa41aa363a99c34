package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pairbot/pkg/logx"
)

// SummarizeChange returns the list of changed sections plus safe structured
// attrs for logging. Secrets (tokens, database URL) are reported only as
// "set/changed" booleans, never as values.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Database, newCfg.Database) {
		changed = append(changed, "database")
		attrs = append(attrs,
			logx.Bool("database.url_changed", oldCfg.Database.URL != newCfg.Database.URL),
			logx.Int("database.max_conns", newCfg.Database.MaxConns),
			logx.String("database.op_timeout", strings.TrimSpace(newCfg.Database.OpTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Discord, newCfg.Discord) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Bool("discord.token_changed", oldCfg.Discord.Token != newCfg.Discord.Token),
			logx.String("discord.guild_id", newCfg.Discord.GuildID),
			logx.Bool("discord.category_set", strings.TrimSpace(newCfg.Discord.ParentCategory) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Executor, newCfg.Executor) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.max_attempts", newCfg.Executor.MaxAttempts),
			logx.Int("executor.rate_per_sec", newCfg.Executor.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dedup, newCfg.Dedup) {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.driver", strings.TrimSpace(newCfg.Dedup.Driver)),
			logx.Bool("dedup.path_set", strings.TrimSpace(newCfg.Dedup.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Lifecycle, newCfg.Lifecycle) {
		changed = append(changed, "lifecycle")
		attrs = append(attrs,
			logx.String("lifecycle.channel_interval", strings.TrimSpace(newCfg.Lifecycle.ChannelInterval)),
			logx.String("lifecycle.reminder_interval", strings.TrimSpace(newCfg.Lifecycle.ReminderInterval)),
			logx.String("lifecycle.wrapup_interval", strings.TrimSpace(newCfg.Lifecycle.WrapupInterval)),
			logx.String("lifecycle.sweep_interval", strings.TrimSpace(newCfg.Lifecycle.SweepInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Rating, newCfg.Rating) {
		changed = append(changed, "rating")
		attrs = append(attrs, logx.String("rating.window", strings.TrimSpace(newCfg.Rating.Window)))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.admin_channel_set", strings.TrimSpace(newCfg.Notifier.AdminChannelID) != ""))
	}

	if !reflect.DeepEqual(oldCfg.Trigger, newCfg.Trigger) {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.Trigger.Enabled),
			logx.String("trigger.addr", strings.TrimSpace(newCfg.Trigger.Addr)),
			logx.Bool("trigger.token_set", strings.TrimSpace(newCfg.Trigger.Token) != ""),
			logx.Bool("trigger.allow_insecure", newCfg.Trigger.AllowInsecure),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof) {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
