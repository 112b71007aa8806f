package config

import (
	"sort"
	"strings"

	logx "notifyd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes the SMTP password).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Email (never log the password)
	oe, ne := oldCfg.Email, newCfg.Email
	if oe.Enabled != ne.Enabled || oe.Host != ne.Host || oe.Port != ne.Port ||
		oe.Username != ne.Username || oe.From != ne.From || oe.FromName != ne.FromName ||
		oe.RatePerMinute != ne.RatePerMinute ||
		strings.TrimSpace(oe.SendTimeout) != strings.TrimSpace(ne.SendTimeout) ||
		(strings.TrimSpace(oe.Password) != "") != (strings.TrimSpace(ne.Password) != "") {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.enabled", ne.Enabled),
			logx.String("email.host", ne.Host),
			logx.Int("email.port", ne.Port),
			logx.Bool("email.password_set", strings.TrimSpace(ne.Password) != ""),
			logx.Int("email.rate_per_minute", ne.RatePerMinute),
		)
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Engine
	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.batch_size", newCfg.Engine.BatchSize),
			logx.String("engine.dedup_window", strings.TrimSpace(newCfg.Engine.DedupWindow)),
			logx.String("engine.retention", strings.TrimSpace(newCfg.Engine.Retention)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
