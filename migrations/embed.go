// Package migrations holds the registry schema. Files named *.up.sql are
// applied in name order by database.Migrate; *.down.sql files are for
// manual rollback only.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
