// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// vacant marks a free list cell with no handle in it. The low 63 bits hold
// the round the cell is waiting for.
const vacant = 1 << 63

// FreeList recycles handles between kernels: the scheduler's signal pool
// keeps its completion and event signals in one.
//
// It is a bounded MPMC ring of handles. Handles are stored in the cell
// itself, so any handle below 2^63 is valid, including zero. A vacant cell
// stores (vacant | round) so a slow Get cannot take a handle that was put
// in a later round.
type FreeList[H ~uint64] struct {
	_      pad
	tail   atomix.Uint64
	_      pad
	head   atomix.Uint64
	_      pad
	cells  []atomix.Uint64
	mask   uint64
	shift  uint64 // log2(len(cells)); tail>>shift is the round
	length uint64
}

// NewFreeList creates an empty free list. Capacity rounds up to the next
// power of 2.
func NewFreeList[H ~uint64](capacity int) *FreeList[H] {
	mustCapacity(capacity)
	n := uint64(roundToPow2(capacity))
	l := &FreeList[H]{cells: make([]atomix.Uint64, n), mask: n - 1, length: n}
	for n>>l.shift > 1 {
		l.shift++
	}
	for i := range l.cells {
		l.cells[i].StoreRelaxed(vacant)
	}
	return l
}

func (l *FreeList[H]) round(pos uint64) uint64 { return (pos >> l.shift) & (vacant - 1) }

// Put returns h to the list.
// Returns ErrWouldBlock if the list is full, which means h was never
// taken from it.
func (l *FreeList[H]) Put(h H) error {
	v := uint64(h)
	if v&vacant != 0 {
		panic("devq: handle exceeds 63 bits")
	}
	sw := spin.Wait{}
	for {
		tail := l.tail.LoadAcquire()
		if tail >= l.head.LoadAcquire()+l.length {
			return ErrWouldBlock
		}
		cell := &l.cells[tail&l.mask]
		if cell.CompareAndSwapAcqRel(vacant|l.round(tail), v) {
			l.tail.CompareAndSwapAcqRel(tail, tail+1)
			return nil
		}
		// Another producer filled the cell; help it publish the tail.
		l.tail.CompareAndSwapAcqRel(tail, tail+1)
		sw.Once()
	}
}

// Get takes the oldest handle.
// Returns ErrWouldBlock if the list is empty.
func (l *FreeList[H]) Get() (H, error) {
	sw := spin.Wait{}
	for {
		head := l.head.LoadAcquire()
		tail := l.tail.LoadAcquire()
		cell := &l.cells[head&l.mask]
		v := cell.LoadAcquire()
		if head != l.head.LoadAcquire() {
			continue
		}
		if head >= tail {
			return 0, ErrWouldBlock
		}
		next := vacant | l.round(head+l.length)
		switch {
		case v == next:
			// Already taken; head lags behind.
			l.head.CompareAndSwapAcqRel(head, head+1)
		case v&vacant != 0:
			// The producer claimed the tail but has not stored yet.
			sw.Once()
		case cell.CompareAndSwapAcqRel(v, next):
			l.head.CompareAndSwapAcqRel(head, head+1)
			return H(v), nil
		default:
			sw.Once()
		}
	}
}

// Drain takes every handle currently in the list, oldest first.
func (l *FreeList[H]) Drain() []H {
	var out []H
	for {
		h, err := l.Get()
		if err != nil {
			return out
		}
		out = append(out, h)
	}
}

// Len returns an approximate count of stored handles.
func (l *FreeList[H]) Len() int {
	tail := l.tail.LoadAcquire()
	head := l.head.LoadAcquire()
	if tail <= head {
		return 0
	}
	return int(tail - head)
}

// Cap returns the list capacity.
func (l *FreeList[H]) Cap() int { return int(l.length) }
