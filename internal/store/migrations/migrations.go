// Package migrations embeds the goose SQL migrations for the shared
// SQLite store, following the teacher's internal/db/migrations
// pattern of embedding schema files next to the driver package.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
