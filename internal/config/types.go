package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Email     EmailConfig     `json:"email"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine,omitempty"`
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

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifyd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// EmailConfig controls the SMTP transport. Disabled leaves the email
// channel stubbed, which fails sends with a stable error.
type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
	FromName string `json:"from_name,omitempty"`
	// RatePerMinute throttles outbound mail. 0 disables throttling.
	RatePerMinute int `json:"rate_per_minute,omitempty"`
	// SendTimeout is a Go duration string bounding one SMTP conversation.
	SendTimeout string `json:"send_timeout,omitempty"`
}

// SchedulerConfig controls the periodic processors.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig tunes the pipeline.
//
// All durations are Go duration strings (e.g. "10s", "24h").
//
// Defaults (when fields are omitted/zero):
//   - batch_size: 50
//   - dedup_window: "24h"
//   - retention: "720h" (30 days)
type EngineConfig struct {
	BatchSize int `json:"batch_size,omitempty"`
	// DedupWindow is the default duplicate-suppression window.
	DedupWindow string `json:"dedup_window,omitempty"`
	// Retention bounds how long terminal queue rows are kept.
	Retention string `json:"retention,omitempty"`
}
