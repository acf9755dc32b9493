// Package redis provides a Redis-backed implementation of the task store.
// Tasks live in hashes, pending and claimed work is indexed by sorted sets,
// and every status transition runs as a Lua script, giving concurrent
// workers the same one-writer-wins atomicity the PostgreSQL store gets from
// row locks. Schedule definitions are not kept here; deployments that queue
// in Redis store their definitions in PostgreSQL.
package redis
