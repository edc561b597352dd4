// Package dispatch routes decoded event envelopes to registered
// handlers.
//
// Each handler declares the single event type it consumes. Dispatch runs
// the handlers for a type in registration order and stops at the first
// failure, so a failed envelope is retried or dead-lettered as a whole.
// Envelopes with no registered handler are acknowledged as no-ops.
package dispatch
