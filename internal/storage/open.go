package storage

import (
	"errors"
	"strings"

	logx "signupassist/pkg/logx"
)

// ErrDriverNotBuilt is returned by Open for a driver compiled out of the
// binary.
var ErrDriverNotBuilt = errors.New("storage driver not built")

// Open initializes the configured store. An empty driver selects memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
