// Package logging wires structured logging and panic recovery for the
// recorder daemon. Every component receives its own sub-logger via
// New(base).With("component", ...), never a package-level global.
package logging

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// New builds the base logger for the process on the given handler;
// output format and level are whatever that handler was built with.
func New(handler slog.Handler) *slog.Logger {
	return slog.New(handler)
}

// SafeGo runs fn in a new goroutine, recovering any panic so it never
// crashes the daemon. The panic (with stack trace) is logged at Error
// level under the given component name, and onPanic — if non-nil — is
// invoked with the recovered value and stack for callers that need to
// react (e.g. restart the supervised service).
func SafeGo(logger *slog.Logger, component string, fn func(), onPanic func(recovered any, stack []byte)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if logger != nil {
					logger.Error("panic recovered",
						"component", component,
						"panic", r,
						"stack", string(stack))
				}
				if onPanic != nil {
					onPanic(r, stack)
				}
			}
		}()
		fn()
	}()
}

// SafeGoErr is SafeGo for functions that return an error instead of
// reacting to a callback: a non-nil result (or recovered panic, wrapped
// as an error) is sent on errCh, which is always closed exactly once.
func SafeGoErr(logger *slog.Logger, component string, fn func() error, errCh chan<- error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				if logger != nil {
					logger.Error("panic recovered",
						"component", component,
						"panic", r,
						"stack", string(stack))
				}
				if errCh != nil {
					errCh <- fmt.Errorf("panic in %s: %v", component, r)
					close(errCh)
				}
			}
		}()

		err := fn()
		if errCh != nil {
			if err != nil {
				errCh <- err
			}
			close(errCh)
		}
	}()
}

// RecoverToError converts a panic inside fn into a returned error,
// for call sites that want panic-safety without spawning a goroutine.
func RecoverToError(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
