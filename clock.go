package meshrpc

import (
	"sync/atomic"
	"time"
)

// coarseClockInterval controls how often coarseNow refreshes. The gateway
// only needs queued-message ages accurate to within "a fraction of a
// typical dial timeout," so this defaults coarser than a wall-clock read
// but stays small enough that oldestQueuedAge never lags a caller's
// expectations by more than one tick.
const coarseClockInterval = 500 * time.Millisecond

// coarseNow is a cached Unix timestamp refreshed on a ticker instead of
// read from time.Now().Unix() on every call. Gateway.oldestQueuedAge uses
// this to stamp and age queued messages without a syscall per enqueue.
var coarseNow atomic.Int64

func init() {
	startCoarseClock(coarseClockInterval)
}

// startCoarseClock seeds coarseNow and starts the refresh goroutine. Split
// out from init so a future caller needing a different tick rate (a
// shorter one in a latency-sensitive deployment, say) has somewhere to
// hook in without touching the package var.
func startCoarseClock(interval time.Duration) {
	coarseNow.Store(time.Now().Unix())
	go func() {
		ticker := time.NewTicker(interval)
		for range ticker.C {
			coarseNow.Store(time.Now().Unix())
		}
	}()
}
