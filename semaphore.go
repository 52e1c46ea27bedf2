// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
	"github.com/google/btree"
)

// spinLock is a test-and-test-and-set lock for short critical sections
// shared between kernels and host threads.
type spinLock struct {
	state atomix.Uint32
}

func (l *spinLock) Lock() {
	sw := spin.Wait{}
	for {
		if l.state.LoadRelaxed() == 0 && l.state.CompareAndSwapAcqRel(0, 1) {
			return
		}
		sw.Once()
	}
}

func (l *spinLock) Unlock() {
	l.state.StoreRelease(0)
}

// Semaphore is a timeline semaphore: a monotonically advancing 64-bit value
// that queue entries wait on and signal.
//
// Waiters are wake entries of the schedulers that have queue entries
// blocked on the semaphore, kept in a btree ordered by the smallest value
// each of them waits for. Signal pops every waiter whose minimum has been
// reached and collects its scheduler into a wake set.
type Semaphore struct {
	value   atomix.Uint64
	lock    spinLock
	waiters *btree.BTree
	seq     uint64
	id      uint64
	host    *hostQueue
}

func newSemaphore(id, initial uint64, host *hostQueue) *Semaphore {
	s := &Semaphore{waiters: btree.New(4), id: id, host: host}
	s.value.StoreRelease(initial)
	return s
}

// ID returns the semaphore id reported in POST_SIGNAL host calls.
func (s *Semaphore) ID() uint64 { return s.id }

// Value returns the current payload value.
func (s *Semaphore) Value() uint64 { return s.value.LoadAcquire() }

// HostVisible reports whether signals are forwarded to the host.
func (s *Semaphore) HostVisible() bool { return s.host != nil }

// Waiters returns the number of listed wake entries.
func (s *Semaphore) Waiters() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.waiters.Len()
}

// UpdateWait registers e to be woken once the semaphore reaches target.
//
// Returns false if the value already satisfies target; e is left as it
// was. Otherwise e is listed (or stays listed with its minimum lowered to
// target) and UpdateWait returns true.
func (s *Semaphore) UpdateWait(e *WakeEntry, target uint64) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	v := s.value.LoadAcquire()
	e.lastValue = v
	if v >= target {
		return false
	}
	if e.listed {
		if target < e.minimum {
			s.waiters.Delete(e)
			e.minimum = target
			s.waiters.ReplaceOrInsert(e)
		}
		return true
	}
	s.seq++
	e.seq = s.seq
	e.minimum = target
	e.listed = true
	s.waiters.ReplaceOrInsert(e)
	return true
}

// Signal advances the semaphore to value and adds the targets of every
// satisfied waiter to ws. The caller flushes ws.
func (s *Semaphore) Signal(value uint64, ws *WakeSet) {
	s.value.StoreRelease(value)

	var woken [WakePoolCapacity]WakeTarget
	n := 0
	s.lock.Lock()
	for s.waiters.Len() > 0 {
		e := s.waiters.Min().(*WakeEntry)
		if e.minimum > value {
			break
		}
		s.waiters.DeleteMin()
		e.listed = false
		e.lastValue = value
		if n < len(woken) {
			woken[n] = e.target
			n++
		} else {
			ws.Insert(e.target)
		}
	}
	s.lock.Unlock()

	for _, t := range woken[:n] {
		ws.Insert(t)
	}
	if s.host != nil {
		s.host.post(HostCallPostSignal, 0, [4]uint64{s.id, value}, 0)
	}
}

// listed reports whether e is currently on the waiter list.
func (s *Semaphore) listed(e *WakeEntry) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return e.listed
}
