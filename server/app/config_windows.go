//go:build windows
// +build windows

package app

const (
	defaultSQLiteConnectionString = "file:C:\\ProgramData\\toxicmaster\\db\\sqlite.db?cache=shared"
)
