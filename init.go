package main

import "github.com/jmoiron/sqlx"

func init() { // nolint:gochecknoinits
	// Column names map to struct fields as-is, one greppable spelling
	// everywhere.
	sqlx.NameMapper = func(v string) string { return v }
}
