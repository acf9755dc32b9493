// Package migrations embeds the goose SQL migrations for the task queue
// schema. The daemon points goose at FS during startup so a deployed binary
// carries its own schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
