// Package errgroup runs a set of goroutines sharing a cancellation
// context, returning the first error. Unlike the x/sync variant it
// recovers panics, converting them into group errors instead of crashing
// the process.
package errgroup
