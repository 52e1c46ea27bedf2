// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import "github.com/google/btree"

// WakePoolCapacity is the number of semaphores one scheduler can wait on
// at once.
const WakePoolCapacity = 64

// WakeSetCapacity is the number of distinct targets a wake set collects
// before it flushes eagerly.
const WakeSetCapacity = 62

// WakeEntry is a scheduler's registration on one semaphore.
//
// The semaphore field belongs to the scheduler tick. The listing fields
// (listed, minimum, lastValue, seq) are guarded by the semaphore's lock.
type WakeEntry struct {
	semaphore *Semaphore
	target    WakeTarget
	minimum   uint64
	lastValue uint64
	seq       uint64
	listed    bool
}

// Less orders waiters by minimum value, then by listing order.
func (e *WakeEntry) Less(than btree.Item) bool {
	o := than.(*WakeEntry)
	if e.minimum != o.minimum {
		return e.minimum < o.minimum
	}
	return e.seq < o.seq
}

// Semaphore returns the semaphore the entry is reserved for, or nil.
func (e *WakeEntry) Semaphore() *Semaphore { return e.semaphore }

// MinimumValue returns the smallest value the scheduler is waiting for.
func (e *WakeEntry) MinimumValue() uint64 {
	if e.semaphore == nil {
		return 0
	}
	e.semaphore.lock.Lock()
	defer e.semaphore.lock.Unlock()
	return e.minimum
}

// LastValue returns the semaphore value observed by the last wait update
// or signal.
func (e *WakeEntry) LastValue() uint64 {
	if e.semaphore == nil {
		return 0
	}
	e.semaphore.lock.Lock()
	defer e.semaphore.lock.Unlock()
	return e.lastValue
}

// WakePool is the fixed set of wake entries owned by one scheduler.
// It holds at most one reservation per semaphore. Tick only.
type WakePool struct {
	entries [WakePoolCapacity]WakeEntry
	target  WakeTarget
}

func (p *WakePool) init(target WakeTarget) {
	p.target = target
	for i := range p.entries {
		p.entries[i] = WakeEntry{target: target}
	}
}

// reserve returns the entry already reserved for s or claims a free one.
func (p *WakePool) reserve(s *Semaphore) (*WakeEntry, error) {
	var free *WakeEntry
	for i := range p.entries {
		e := &p.entries[i]
		if e.semaphore == s {
			return e, nil
		}
		if e.semaphore == nil && free == nil {
			free = e
		}
	}
	if free == nil {
		return nil, ErrWakePoolExhausted
	}
	free.semaphore = s
	free.target = p.target
	return free, nil
}

// release drops the reservation unless the entry is still listed on its
// semaphore for another waiter.
func (p *WakePool) release(e *WakeEntry) {
	s := e.semaphore
	if s == nil || s.listed(e) {
		return
	}
	e.semaphore = nil
}

// sweep releases every reservation that is no longer listed.
func (p *WakePool) sweep() {
	for i := range p.entries {
		p.release(&p.entries[i])
	}
}

// reserved returns the number of reserved entries.
func (p *WakePool) reserved() int {
	n := 0
	for i := range p.entries {
		if p.entries[i].semaphore != nil {
			n++
		}
	}
	return n
}

// WakeSet collects distinct schedulers to wake after semaphores are
// signaled, so that each one gets a single WORK_AVAILABLE tick no matter
// how many of its waits were satisfied.
//
// The owning scheduler (self) is never woken through the set; Flush only
// reports that it was targeted.
type WakeSet struct {
	self     WakeTarget
	targets  [WakeSetCapacity]WakeTarget
	n        int
	selfWake bool
}

// NewWakeSet creates an empty wake set owned by self, which may be nil.
func NewWakeSet(self WakeTarget) *WakeSet {
	return &WakeSet{self: self}
}

// Insert adds t unless it is already present.
// A full set flushes before accepting a new target.
func (ws *WakeSet) Insert(t WakeTarget) {
	if t == nil {
		return
	}
	if ws.self != nil && t == ws.self {
		ws.selfWake = true
		return
	}
	for _, x := range ws.targets[:ws.n] {
		if x == t {
			return
		}
	}
	if ws.n == len(ws.targets) {
		ws.wakeAll()
	}
	ws.targets[ws.n] = t
	ws.n++
}

// Len returns the number of pending targets, excluding self.
func (ws *WakeSet) Len() int { return ws.n }

// Flush wakes every collected target, clears the set and reports whether
// self was targeted.
func (ws *WakeSet) Flush() bool {
	ws.wakeAll()
	self := ws.selfWake
	ws.selfWake = false
	return self
}

func (ws *WakeSet) wakeAll() {
	for i := range ws.targets[:ws.n] {
		ws.targets[i].Wake()
		ws.targets[i] = nil
	}
	ws.n = 0
}
