// Package outboxd implements the transactional outbox pattern: application
// code persists an outgoing message in the same database transaction as the
// business state that produced it, and a pool of cooperating dispatcher
// instances delivers those messages asynchronously with at-least-once
// semantics, strict per-key FIFO ordering, automatic retry with fallback,
// and leased-partition scaling across processes sharing one database.
//
// The entry point is the engine package; persistence adapters live in
// storepg (Postgres) and storemem (in-memory), delivery sinks under sink,
// and the operator surface under admin and cmd.
package outboxd
