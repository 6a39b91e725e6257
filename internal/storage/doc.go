// Package storage persists job definitions, execution records, raw events,
// summary buckets, and retention settings behind a single Store interface
// with memory, sqlite, and postgres drivers.
package storage
