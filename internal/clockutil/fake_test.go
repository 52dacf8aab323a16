package clockutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFakeAfterFuncFiresInOrder(t *testing.T) {
	clock := NewFake(time.Time{})
	var order []int
	done := make(chan struct{})
	clock.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	clock.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	clock.AfterFunc(3*time.Second, func() { order = append(order, 3); close(done) })

	clock.Advance(5 * time.Second)
	<-done
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fire order = %v, want [1 2 3]", order)
	}
}

func TestFakeTimerStop(t *testing.T) {
	clock := NewFake(time.Time{})
	var fired atomic.Bool
	timer := clock.AfterFunc(time.Second, func() { fired.Store(true) })
	if !timer.Stop() {
		t.Fatal("Stop() = false on pending timer, want true")
	}
	if timer.Stop() {
		t.Fatal("second Stop() = true, want false")
	}
	clock.Advance(2 * time.Second)
	if fired.Load() {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeAfterDelivers(t *testing.T) {
	clock := NewFake(time.Time{})
	ch := clock.After(time.Second)
	select {
	case <-ch:
		t.Fatal("After() fired before Advance")
	default:
	}
	clock.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("After() did not fire at its deadline")
	}
}

func TestFakeNowAdvances(t *testing.T) {
	clock := NewFake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	start := clock.Now()
	clock.Advance(90 * time.Second)
	if got := clock.Now().Sub(start); got != 90*time.Second {
		t.Fatalf("Now() advanced %v, want 90s", got)
	}
}
