package migrations

import "embed"

// Files holds the catalog schema migrations.
//
//go:embed *.sql
var Files embed.FS
