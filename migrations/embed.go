// Package migrations carries the cache schema as ordered *.up.sql files.
package migrations

import "embed"

// FS holds every migration file, applied in filename order.
//
//go:embed *.up.sql
var FS embed.FS
