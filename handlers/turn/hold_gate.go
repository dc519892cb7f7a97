package turn

import (
	"sync"
	"time"
)

// HoldGate tells a hold from a tap. Down arms a timer; if it fires before Up
// the gate emits onHold exactly once and the matching Up emits onRelease.
// An Up before the timer fires is a tap and emits nothing. onRelease never
// runs before the onHold it pairs with has returned.
type HoldGate struct {
	delay     time.Duration
	onHold    func()
	onRelease func()

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	down      bool
	confirmed bool
	holding   chan struct{}
}

func NewHoldGate(delay time.Duration, onHold, onRelease func()) *HoldGate {
	return &HoldGate{delay: delay, onHold: onHold, onRelease: onRelease}
}

func (g *HoldGate) Down() {
	g.mu.Lock()
	if g.down {
		g.mu.Unlock()
		return
	}
	g.down = true
	g.confirmed = false
	g.gen++
	gen := g.gen

	if g.delay <= 0 {
		g.confirmAndUnlock()
		return
	}
	g.timer = time.AfterFunc(g.delay, func() { g.fire(gen) })
	g.mu.Unlock()
}

func (g *HoldGate) fire(gen uint64) {
	g.mu.Lock()
	if gen != g.gen || !g.down || g.confirmed {
		g.mu.Unlock()
		return
	}
	g.timer = nil
	g.confirmAndUnlock()
}

// confirmAndUnlock is called with g.mu held; it marks the hold, unlocks and
// runs onHold.
func (g *HoldGate) confirmAndUnlock() {
	g.confirmed = true
	holding := make(chan struct{})
	g.holding = holding
	g.mu.Unlock()
	defer close(holding)
	g.onHold()
}

// Up reports whether the gesture had been confirmed as a hold.
func (g *HoldGate) Up() bool {
	g.mu.Lock()
	if !g.down {
		g.mu.Unlock()
		return false
	}
	confirmed := g.confirmed
	holding := g.holding
	g.resetLocked()
	g.mu.Unlock()

	if confirmed {
		if holding != nil {
			<-holding
		}
		g.onRelease()
	}
	return confirmed
}

// Stop drops any gesture in progress without emitting anything. It never
// waits for a callback and is safe to call while holding other locks.
func (g *HoldGate) Stop() {
	g.mu.Lock()
	g.resetLocked()
	g.mu.Unlock()
}

func (g *HoldGate) resetLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.gen++
	g.down = false
	g.confirmed = false
	g.holding = nil
}
