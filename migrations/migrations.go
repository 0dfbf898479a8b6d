// Package migrations embeds the SQL schema files so the migrator works
// without a checkout of the repository.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
