// Package assert provides the core's debug/release invariant-check split: fatal in debug, a
// logged assertion with recovery to last-known-good state in release.
package assert

import (
	"fmt"
	"log"
	"os"
)

// debug is toggled by the FLEETD_DEBUG environment variable at process start.
var debug = os.Getenv("FLEETD_DEBUG") != ""

// Invariant panics in debug builds and logs-and-continues in release builds. Callers in release
// mode must still leave the system in a valid state; Invariant never recovers state on its own.
func Invariant(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if debug {
		panic("invariant violation: " + msg)
	}
	log.Printf("[ASSERT] invariant violation (recovered): %s", msg)
}

// SetDebug overrides the debug flag; used by tests that want to assert panics deterministically.
func SetDebug(v bool) {
	debug = v
}
