// Package deadletter persists terminally failed events for inspection
// and replay.
//
// The Sink consumes the dead-letter queue and writes each parked message
// into durable storage before acknowledging it, so an event that reached
// the dead-letter exchange survives even a broker wipe. A scheduled
// retention job purges records past their keep window.
package deadletter
