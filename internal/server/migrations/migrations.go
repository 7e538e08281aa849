// Package migrations embeds the goose schema migrations of the SQL user
// stores. Each dialect has its own directory: postgres and sqlite.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var Migrations embed.FS
