// Package store persists AnchorRecords and the signed documents a warrant
// produces. Record writes use optimistic concurrency: every record carries a
// version and CompareAndSwap only succeeds against the version last read.
// Expected version 0 means "must not exist yet".
//
// All implementations return sentinel.ErrNotFound for missing records and
// sentinel.ErrConflict when a compare-and-swap loses.
package store

import (
	_ "embed"
)

// Schema is the PostgreSQL DDL for the record and document tables.
//
//go:embed schema.sql
var Schema string
