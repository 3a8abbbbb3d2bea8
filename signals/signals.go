// Package signals installs the process-wide SIGINT/SIGTERM handler that
// cmd/roomd uses to shut its HTTP server down before exit. Grounded in
// the teacher's signals package: SetupHandler is a global, one-shot
// installer that panics on a second call, since a process has exactly one
// signal.Notify channel worth coordinating shutdown around.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	mu       sync.Mutex
	didSetup bool
)

// SetupHandler installs the process's shutdown signal handler and returns a
// context cancelled on the first SIGINT or SIGTERM, along with a stop
// function that releases the underlying signal.Notify registration. Calling
// SetupHandler more than once panics: like the teacher's version, shutdown
// coordination is a single, process-wide concern, not a per-caller one.
func SetupHandler() (context.Context, context.CancelFunc) {
	mu.Lock()
	defer mu.Unlock()
	if didSetup {
		panic("signals: SetupHandler called more than once")
	}
	didSetup = true
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
