// Package migrations holds the SQL migrations embedded in the binary.
package migrations

import "embed"

// FS exposes the migration files to the golang-migrate iofs source driver.
//
//go:embed *.sql
var FS embed.FS
