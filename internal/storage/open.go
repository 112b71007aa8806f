package storage

import (
	"errors"
	"strings"

	logx "notifyd/pkg/logx"
)

// Open initializes the configured store. The engine cannot run without one,
// so unlike optional side channels there is no disabled mode here.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
