//go:build nosqlite

package storage

import (
	"fmt"

	logx "signupassist/pkg/logx"
)

const sqliteBuilt = false

// openSQLite stands in when the binary is built with -tags nosqlite, which
// drops the modernc.org/sqlite dependency.
func openSQLite(Config, logx.Logger) (Store, error) {
	return nil, fmt.Errorf("sqlite (rebuild without -tags nosqlite): %w", ErrDriverNotBuilt)
}
