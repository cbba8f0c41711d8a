package lock

import (
	"context"
	"time"
)

// watchdog periodically extends a held lease. The stop channel is observed
// at the top of every iteration, not only while sleeping, so a release that
// races with a tick always wins before the next extend call goes out.
type watchdog struct {
	h        *Handle
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func newWatchdog(h *Handle, interval time.Duration) *watchdog {
	return &watchdog{
		h:        h,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// stopAndWait signals the watchdog and blocks until its goroutine has
// exited. Callers rely on this happening before they touch the store.
func (w *watchdog) stopAndWait() {
	close(w.stop)
	<-w.done
}

func (w *watchdog) run() {
	defer close(w.done)
	ticker := w.h.mgr.clk.Ticker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}
		// a stop that raced with the tick wins over the extend
		select {
		case <-w.stop:
			return
		default:
		}

		ok, err := w.h.Extend(context.Background(), w.h.TTL())
		if err != nil {
			// transient store failure: keep trying while the last
			// confirmed validity window is still open
			if w.h.mgr.clk.Now().After(w.h.Deadline()) {
				w.h.markLost()
				return
			}
			continue
		}
		if !ok {
			// Extend marked the handle lost, or it already reached a
			// terminal state through another path
			return
		}
	}
}
