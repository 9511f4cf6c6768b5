package migrations

import "embed"

// FS contains the ledger schema for each SQL dialect, one directory per
// dialect.
//
//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
