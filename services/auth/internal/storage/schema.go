package storage

import _ "embed"

// Schema is applied by cmd/seed --migrate. Every statement is idempotent.
//
//go:embed schema.sql
var Schema string
