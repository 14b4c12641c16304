//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo driver; sqlite-vec rides along as an
// auto-loaded extension, so vec0 virtual tables become available.
const driverName = "sqlite3"

func init() {
	vec.Auto()
}
