// Package outbox implements the transactional outbox: events are inserted
// in the same database transaction as the business write, published to the
// broker by an immediate best-effort path plus a periodic ownership-filtered
// sweep, and deleted only after a confirmed broker acknowledgment.
//
// Delivery is at-least-once. A row whose publish succeeded but whose delete
// failed is re-published by a later sweep, so consumers must tolerate
// duplicates.
package outbox
