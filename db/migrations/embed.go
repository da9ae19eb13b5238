// Package dbmigrations exposes embedded SQL migrations for crumbgate binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into crumbgate binaries.
//
//go:embed *.sql
var Files embed.FS
