//go:build !sqlite_vec || !cgo

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go driver. FTS5 is compiled in; the vec0
// extension is not, which the runtime probe in Open detects.
const driverName = "sqlite"
