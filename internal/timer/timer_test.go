package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRealPortFires(t *testing.T) {
	p := New()
	var fired int32

	p.Schedule(10*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&fired) == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("callback did not fire within deadline")
}

func TestRealPortStopPreventsCallback(t *testing.T) {
	p := New()
	var fired int32
	p.Schedule(20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })

	if stopped := p.Stop(); !stopped {
		t.Fatal("expected Stop to report a pending callback was canceled")
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) == 1 {
		t.Error("callback fired after Stop")
	}
}

func TestRealPortStopWithNothingScheduled(t *testing.T) {
	p := New()
	if stopped := p.Stop(); stopped {
		t.Error("Stop on an unarmed timer should report false")
	}
}

func TestRealPortRescheduleReplacesPending(t *testing.T) {
	p := New()
	var first, second int32
	p.Schedule(time.Hour, func() { atomic.StoreInt32(&first, 1) })
	p.Schedule(10*time.Millisecond, func() { atomic.StoreInt32(&second, 1) })

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&first) == 1 {
		t.Error("first scheduled callback should have been replaced")
	}
	if atomic.LoadInt32(&second) != 1 {
		t.Error("second scheduled callback should have fired")
	}
}
