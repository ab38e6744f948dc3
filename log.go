package bayeux

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// base is the package-level logger; callers may replace it with SetLogger to
// route session logs into their own sink. Mirrors the component-scoped
// logger factories convention used across this codebase's transports.
// Held behind an atomic.Pointer since SetLogger can race a Session's first
// log line on another goroutine.
var base atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().
		Str("component", "bayeux").Logger()
	base.Store(&l)
}

// SetLogger replaces the base logger used by every subsystem logger taken
// afterwards, including by Sessions already running. Intended to be called
// once at program start, before any Session is created, matching the
// startup-only contract of this codebase's other logger initializers.
func SetLogger(l zerolog.Logger) {
	base.Store(&l)
}

func sessionLog() zerolog.Logger   { return base.Load().With().Str("subsystem", "session").Logger() }
func extensionLog() zerolog.Logger { return base.Load().With().Str("subsystem", "extension").Logger() }
func transportLog() zerolog.Logger { return base.Load().With().Str("subsystem", "transport").Logger() }
func dispatchLog() zerolog.Logger  { return base.Load().With().Str("subsystem", "dispatch").Logger() }
