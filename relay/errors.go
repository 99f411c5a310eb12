package relay

import (
	"time"

	"github.com/getsentry/sentry-go"
)

const (
	InternalError = "Internal Error"
)

// goSafe runs fn in a goroutine that recovers panics and reports them to
// Sentry when it is initialized. Use this for background tasks so panics
// are not silently lost.
func goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentryRecover(r)
				// re-panic so supervisors still see the crash
				panic(r)
			}
		}()
		fn()
	}()
}

func sentryRecover(rec interface{}) {
	// no-op when Sentry isn't initialized
	sentry.CurrentHub().Recover(rec)
}

func sentryFlushSafely(timeout time.Duration) {
	_ = sentry.Flush(timeout)
}
