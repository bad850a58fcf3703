// Package migrations embeds the SQL migration files for the CRM store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
