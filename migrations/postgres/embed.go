// Package pgmigrations embeds the PostgreSQL schema for the keystore.
// Files apply in lexical order; the devserver's migrate command runs them.
package pgmigrations

import "embed"

//go:embed *.up.sql
var FS embed.FS
