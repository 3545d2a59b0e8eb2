// Package sqlite provides the modernc.org/sqlite backed storage driver for the
// run index.
//
// It owns connection setup, pragmas and the embedded goose migrations. Query
// code lives with the domain package that uses it.
package sqlite
