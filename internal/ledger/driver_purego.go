//go:build !cgo_sqlite

package ledger

// Pure Go SQLite, no C toolchain needed. This is the default build.

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver in use.
	DriverName = "sqlite"
	// BuildMode describes the current build configuration.
	BuildMode = "purego"
)
