// Package zap adapts go.uber.org/zap to the module's log.Logger facade,
// adding trace/span correlation fields when a span is active on the context.
package zap
