// Package postgres provides PostgreSQL-backed implementations of the storage
// interfaces defined in the internal/store package. It owns the SQL for the
// task and schedule tables, including the FOR UPDATE SKIP LOCKED claim path
// that lets many worker processes share one queue, and the mapping between
// domain entities and database rows.
package postgres
