//go:build !windows
// +build !windows

package app

const (
	defaultSQLiteConnectionString = "file:/var/lib/toxicmaster/db/sqlite.db?cache=shared"
)
