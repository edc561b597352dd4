// Package log defines the structured logging facade used by every other
// package in the module. Production binaries wire the zap adapter; tests
// use NewNop or an observer.
package log
