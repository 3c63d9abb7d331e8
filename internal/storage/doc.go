// Package storage persists delivery outcomes and webhook dedup windows.
//
// Both drivers are SQLite: "sqlite" uses a database file, "memory" a
// private in-memory database that is lost on exit.
package storage
