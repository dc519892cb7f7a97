package webrtc

import (
	"context"
	"sync"
	"time"

	"livetranslate/core"
)

// openWaiter resolves exactly once with the first of open, close, timeout or
// cancellation. Later resolutions are ignored.
type openWaiter struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newOpenWaiter() *openWaiter {
	return &openWaiter{done: make(chan struct{})}
}

// resolve reports whether this call settled the waiter.
func (w *openWaiter) resolve(err error) bool {
	settled := false
	w.once.Do(func() {
		w.err = err
		close(w.done)
		settled = true
	})
	return settled
}

func (w *openWaiter) resolved() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *openWaiter) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		w.resolve(core.ErrDataChannelTimeout)
	case <-ctx.Done():
		w.resolve(core.ErrOpenCancelled)
	}
	return w.err
}
