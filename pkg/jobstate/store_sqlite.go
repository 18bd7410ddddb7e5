//go:build !cgo

package jobstate

import (
	"database/sql"

	sqlite "modernc.org/sqlite"
)

const (
	driverName      = "oceangrid-sqlite"
	remoteSupported = false
)

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}
