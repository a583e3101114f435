// Package migrations embeds the MySQL schema for the job store.
package migrations

import "embed"

// Files holds every *.sql migration, applied in file name order.
//
//go:embed *.sql
var Files embed.FS
