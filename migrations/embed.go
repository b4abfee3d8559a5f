// Package migrations holds the SQL schema applied by db.Migrate.
package migrations

import "embed"

// FS contains the *.up.sql and *.down.sql files.
//
//go:embed *.sql
var FS embed.FS
