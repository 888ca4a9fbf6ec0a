// Package migrations embeds the queue table schema so the jobrunner binary
// and the integration tests apply the same DDL without files on disk.
package migrations

import "embed"

// FS holds the golang-migrate up/down pairs, consumed through the iofs source.
//
//go:embed *.sql
var FS embed.FS
