// Copyright 2026 The Haven Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync/atomic"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeNowAdvance(t *testing.T) {
	c := Fake(testEpoch)

	if got := c.Now(); !got.Equal(testEpoch) {
		t.Fatalf("Now() = %v, want %v", got, testEpoch)
	}

	c.Advance(90 * time.Second)
	want := testEpoch.Add(90 * time.Second)
	if got := c.Now(); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeAfterFiresAtDeadline(t *testing.T) {
	c := Fake(testEpoch)

	ch := c.After(10 * time.Second)

	// Not yet.
	c.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case fired := <-ch:
		if !fired.Equal(testEpoch.Add(10 * time.Second)) {
			t.Errorf("fire time = %v, want %v", fired, testEpoch.Add(10*time.Second))
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	c := Fake(testEpoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("After(0) should receive immediately")
	}
}

func TestFakeAfterFuncSynchronous(t *testing.T) {
	c := Fake(testEpoch)

	var calls atomic.Int32
	c.AfterFunc(5*time.Second, func() { calls.Add(1) })

	c.Advance(4 * time.Second)
	if calls.Load() != 0 {
		t.Fatal("AfterFunc fired early")
	}

	c.Advance(time.Second)
	if calls.Load() != 1 {
		t.Fatalf("AfterFunc calls = %d, want 1", calls.Load())
	}

	// One-shot: further advances must not re-fire.
	c.Advance(time.Minute)
	if calls.Load() != 1 {
		t.Fatalf("AfterFunc re-fired: calls = %d", calls.Load())
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(testEpoch)

	var calls atomic.Int32
	timer := c.AfterFunc(5*time.Second, func() { calls.Add(1) })

	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	c.Advance(time.Minute)
	if calls.Load() != 0 {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
}

func TestFakeTickerFiresPerInterval(t *testing.T) {
	c := Fake(testEpoch)
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	ticks := 0
	for range 3 {
		c.Advance(time.Minute)
		select {
		case <-ticker.C:
			ticks++
		default:
			t.Fatalf("tick %d missing", ticks+1)
		}
	}

	ticker.Stop()
	c.Advance(time.Hour)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker ticked")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(testEpoch)

	done := make(chan struct{})
	go func() {
		c.Sleep(30 * time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(30 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFakePendingCount(t *testing.T) {
	c := Fake(testEpoch)

	if got := c.PendingCount(); got != 0 {
		t.Fatalf("PendingCount = %d, want 0", got)
	}

	_ = c.After(time.Second)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	if got := c.PendingCount(); got != 2 {
		t.Fatalf("PendingCount = %d, want 2", got)
	}
}
