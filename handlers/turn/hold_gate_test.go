package turn

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHoldGate(t *testing.T) {
	var holds, releases atomic.Int32
	g := NewHoldGate(20*time.Millisecond, func() { holds.Add(1) }, func() { releases.Add(1) })

	g.Down()
	g.Down()
	time.Sleep(60 * time.Millisecond)
	if holds.Load() != 1 {
		t.Fatalf("holds = %d, want 1", holds.Load())
	}
	if !g.Up() {
		t.Fatal("Up after confirm reported tap")
	}
	if releases.Load() != 1 {
		t.Fatalf("releases = %d", releases.Load())
	}

	g.Down()
	if g.Up() {
		t.Fatal("early Up reported hold")
	}
	time.Sleep(60 * time.Millisecond)
	if holds.Load() != 1 || releases.Load() != 1 {
		t.Fatalf("tap emitted callbacks: holds=%d releases=%d", holds.Load(), releases.Load())
	}
}

func TestHoldGateStopDropsPending(t *testing.T) {
	var holds atomic.Int32
	g := NewHoldGate(20*time.Millisecond, func() { holds.Add(1) }, func() {})
	g.Down()
	g.Stop()
	time.Sleep(60 * time.Millisecond)
	if holds.Load() != 0 {
		t.Fatal("stopped gate still fired")
	}
	if g.Up() {
		t.Fatal("Up after Stop reported hold")
	}
}

func TestHoldGateZeroDelay(t *testing.T) {
	var holds atomic.Int32
	g := NewHoldGate(0, func() { holds.Add(1) }, func() {})
	g.Down()
	if holds.Load() != 1 {
		t.Fatal("zero delay should confirm immediately")
	}
}

func TestHoldGateReleaseWaitsForHold(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var mu sync.Mutex
	var calls []string
	record := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}
	g := NewHoldGate(time.Millisecond, func() {
		close(entered)
		<-unblock
		record("hold")
	}, func() { record("release") })

	g.Down()
	<-entered
	upDone := make(chan bool, 1)
	go func() { upDone <- g.Up() }()

	select {
	case <-upDone:
		t.Fatal("Up returned while the hold callback was still running")
	case <-time.After(30 * time.Millisecond):
	}
	close(unblock)
	if !<-upDone {
		t.Fatal("Up reported tap")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 2 || calls[0] != "hold" || calls[1] != "release" {
		t.Fatalf("calls = %v, want [hold release]", calls)
	}
}
