// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq_test

import (
	"errors"
	"testing"

	"code.hybscloud.com/devq"
)

// countTarget counts wakes.
type countTarget struct{ n int }

func (c *countTarget) Wake() { c.n++ }

// =============================================================================
// Semaphores
// =============================================================================

// TestSemaphoreUpdateWait verifies listing, minimum lowering and the
// already-satisfied case.
func TestSemaphoreUpdateWait(t *testing.T) {
	dev := devq.New().BuildDevice()
	sem := dev.CreateSemaphore(0, false)
	if sem.ID() != 1 || dev.Semaphore(1) != sem || dev.Semaphore(2) != nil {
		t.Fatalf("Semaphore lookup: id %d", sem.ID())
	}

	target := &countTarget{}
	pool := devq.NewTestWakePool(target)
	e, err := pool.Reserve(sem)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if !sem.UpdateWait(e, 5) {
		t.Fatalf("UpdateWait(5): got false, want true")
	}
	if !sem.UpdateWait(e, 3) {
		t.Fatalf("UpdateWait(3): got false, want true")
	}
	if !sem.UpdateWait(e, 9) {
		t.Fatalf("UpdateWait(9): got false, want true")
	}
	if got := e.MinimumValue(); got != 3 {
		t.Fatalf("MinimumValue: got %d, want 3", got)
	}
	if sem.Waiters() != 1 {
		t.Fatalf("Waiters: got %d, want 1", sem.Waiters())
	}

	ws := devq.NewWakeSet(nil)
	sem.Signal(2, ws)
	if ws.Len() != 0 || sem.Waiters() != 1 {
		t.Fatalf("Signal(2): woke %d, waiters %d", ws.Len(), sem.Waiters())
	}
	sem.Signal(3, ws)
	if ws.Len() != 1 || sem.Waiters() != 0 {
		t.Fatalf("Signal(3): woke %d, waiters %d", ws.Len(), sem.Waiters())
	}
	if ws.Flush() {
		t.Fatalf("Flush: reported a self wake without an owner")
	}
	if target.n != 1 {
		t.Fatalf("wakes: got %d, want 1", target.n)
	}
	if got := e.LastValue(); got != 3 {
		t.Fatalf("LastValue: got %d, want 3", got)
	}
	if sem.UpdateWait(e, 3) {
		t.Fatalf("UpdateWait on a satisfied value: got true, want false")
	}
}

// TestSemaphoreWakeOrder verifies that a signal wakes only waiters whose
// minimum has been reached.
func TestSemaphoreWakeOrder(t *testing.T) {
	dev := devq.New().BuildDevice()
	sem := dev.CreateSemaphore(10, false)

	a, b, c := &countTarget{}, &countTarget{}, &countTarget{}
	for _, w := range []struct {
		target *countTarget
		value  uint64
	}{{a, 12}, {b, 11}, {c, 20}} {
		e, err := devq.NewTestWakePool(w.target).Reserve(sem)
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if !sem.UpdateWait(e, w.value) {
			t.Fatalf("UpdateWait(%d): got false, want true", w.value)
		}
	}

	dev.SignalSemaphore(sem, 12)
	if a.n != 1 || b.n != 1 || c.n != 0 {
		t.Fatalf("wakes: got (%d, %d, %d), want (1, 1, 0)", a.n, b.n, c.n)
	}
	if sem.Value() != 12 || sem.Waiters() != 1 {
		t.Fatalf("after signal: value %d, waiters %d", sem.Value(), sem.Waiters())
	}
}

// =============================================================================
// Wake Pool
// =============================================================================

// TestWakePoolReserve verifies per-semaphore reservations and exhaustion.
func TestWakePoolReserve(t *testing.T) {
	dev := devq.New().BuildDevice()
	pool := devq.NewTestWakePool(&countTarget{})

	first := dev.CreateSemaphore(0, false)
	e, _ := pool.Reserve(first)
	if again, _ := pool.Reserve(first); again != e {
		t.Fatalf("Reserve twice: got a second entry")
	}
	if e.Semaphore() != first {
		t.Fatalf("Semaphore: got %p, want %p", e.Semaphore(), first)
	}
	for i := 1; i < devq.WakePoolCapacity; i++ {
		if _, err := pool.Reserve(dev.CreateSemaphore(0, false)); err != nil {
			t.Fatalf("Reserve(%d): %v", i, err)
		}
	}
	if _, err := pool.Reserve(dev.CreateSemaphore(0, false)); !errors.Is(err, devq.ErrWakePoolExhausted) {
		t.Fatalf("Reserve on full pool: got %v, want ErrWakePoolExhausted", err)
	}
	pool.Sweep()
	if pool.Reserved() != 0 {
		t.Fatalf("Reserved after Sweep: got %d, want 0", pool.Reserved())
	}
}

// TestWakePoolReleaseListed verifies that a listed entry keeps its
// reservation until the semaphore wakes it.
func TestWakePoolReleaseListed(t *testing.T) {
	dev := devq.New().BuildDevice()
	sem := dev.CreateSemaphore(0, false)
	pool := devq.NewTestWakePool(&countTarget{})

	e, _ := pool.Reserve(sem)
	sem.UpdateWait(e, 5)
	pool.Release(e)
	if pool.Reserved() != 1 {
		t.Fatalf("Reserved after Release of listed entry: got %d, want 1", pool.Reserved())
	}
	dev.SignalSemaphore(sem, 5)
	pool.Sweep()
	if pool.Reserved() != 0 {
		t.Fatalf("Reserved after wake and Sweep: got %d, want 0", pool.Reserved())
	}
}

// =============================================================================
// Wake Set
// =============================================================================

// TestWakeSetDedup verifies deduplication and self-wake reporting.
func TestWakeSetDedup(t *testing.T) {
	self, other := &countTarget{}, &countTarget{}
	ws := devq.NewWakeSet(self)
	ws.Insert(self)
	ws.Insert(other)
	ws.Insert(other)
	ws.Insert(nil)
	if ws.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", ws.Len())
	}
	if !ws.Flush() {
		t.Fatalf("Flush: got false, want a self wake")
	}
	if self.n != 0 || other.n != 1 {
		t.Fatalf("wakes: got (self %d, other %d), want (0, 1)", self.n, other.n)
	}
	if ws.Flush() {
		t.Fatalf("second Flush: got a stale self wake")
	}
}

// TestWakeSetOverflow verifies that a full set flushes eagerly.
func TestWakeSetOverflow(t *testing.T) {
	ws := devq.NewWakeSet(nil)
	targets := make([]*countTarget, devq.WakeSetCapacity+1)
	for i := range targets {
		targets[i] = &countTarget{}
		ws.Insert(targets[i])
	}
	if ws.Len() != 1 {
		t.Fatalf("Len: got %d, want 1", ws.Len())
	}
	for i, c := range targets[:devq.WakeSetCapacity] {
		if c.n != 1 {
			t.Fatalf("target %d: got %d wakes, want 1", i, c.n)
		}
	}
	ws.Flush()
	if targets[devq.WakeSetCapacity].n != 1 {
		t.Fatalf("last target: got %d wakes, want 1", targets[devq.WakeSetCapacity].n)
	}
}
