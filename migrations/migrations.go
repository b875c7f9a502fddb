// Package migrations embeds the ledger schema applied by db.Open.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
