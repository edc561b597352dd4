// Package circuitbreaker wraps sony/gobreaker with the logging and
// configuration conventions used across this module.
//
// A Breaker guards a single downstream dependency. Run calls through
// Breaker.Execute so failures are tracked consistently and open-state
// rejections fail fast instead of piling onto a struggling service.
package circuitbreaker
