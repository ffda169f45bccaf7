// Package async spawns background goroutines with panic containment. A
// panicking log reader or event callback must never take down the server;
// panics are logged with their stack and the goroutine exits.
package async

import (
	"runtime/debug"
	"sync"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// GoWG is Go with WaitGroup accounting: wg.Add happens before the goroutine
// starts so callers can Wait immediately after spawning.
func GoWG(wg *sync.WaitGroup, logger PanicLogger, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
