// Package runtime provides panic containment for background goroutines.
// Relay, heartbeat, and consumer loops must survive a panicking handler,
// so every goroutine spawned by this module runs behind one of these guards.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/dltmdrb1996/jobstat-api-sub007/log"
)

// PanicPolicy selects what happens after a panic has been logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging, crashing the process.
	CrashProcess
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use in defer statements for workers where a panic
// must not take the process down.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		logPanic(ctx, logger, component, name, recovered)
	}
}

// RecoverWithPolicy recovers from a panic and handles it according to the
// given policy.
func RecoverWithPolicy(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		logPanic(ctx, logger, component, name, recovered)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// SafeGo runs fn on a new goroutine guarded by the given panic policy.
func SafeGo(logger log.Logger, component, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicy(context.Background(), logger, component, name, policy)

		fn()
	}()
}

// SafeGoWithContext is SafeGo with an explicit context for log correlation.
func SafeGoWithContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy, fn func(context.Context)) {
	go func() {
		defer RecoverWithPolicy(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, recovered any) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("goroutine", name),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(debug.Stack())),
	)
}
