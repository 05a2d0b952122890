// Package migrations ships the per-tenant schema with the binary.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
