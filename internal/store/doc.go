// Package store defines the persistence interfaces for tasks and schedule
// definitions, plus the error vocabulary shared by every backend. The queue,
// scheduler, and workers depend only on these interfaces, so the same code
// runs against PostgreSQL, Redis, or the in-memory store.
package store
