// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"code.hybscloud.com/atomix"
	"code.hybscloud.com/spin"
)

// SoftQueue is an FAA-based multi-producer single-consumer bounded queue.
//
// It is the hand-off point between agents: host threads and device kernels
// submit queue entries to a scheduler through one, kernels hand retired entry
// indices back to their scheduler, and trace producers feed the host.
//
// Producers use FAA to blindly claim positions (SCQ-style), requiring 2n
// physical slots for capacity n. The consumer side is never shared.
type SoftQueue[T any] struct {
	_        pad
	head     atomix.Uint64 // Consumer index (single consumer writes, but producers read)
	_        pad
	tail     atomix.Uint64 // Producer index (FAA)
	_        pad
	draining atomix.Bool
	_        pad
	buffer   []softSlot[T]
	capacity uint64 // n (usable capacity)
	size     uint64 // 2n (physical slots)
	mask     uint64 // 2n - 1
}

type softSlot[T any] struct {
	cycle atomix.Uint64 // Round number
	data  T
	_     padShort
}

// NewSoftQueue creates a soft queue. Capacity rounds up to the next power of 2.
func NewSoftQueue[T any](capacity int) *SoftQueue[T] {
	if capacity < 2 {
		panic("devq: capacity must be >= 2")
	}

	n := uint64(roundToPow2(capacity))
	size := n * 2

	q := &SoftQueue[T]{
		buffer:   make([]softSlot[T], size),
		capacity: n,
		size:     size,
		mask:     size - 1,
	}
	for i := uint64(0); i < size; i++ {
		q.buffer[i].cycle.StoreRelaxed(i / n)
	}
	return q
}

// Drain marks the queue as closed to producers.
// Enqueue returns ErrDeviceLost afterwards; already queued elements can
// still be dequeued.
func (q *SoftQueue[T]) Drain() {
	q.draining.StoreRelease(true)
}

// Draining reports whether Drain was called.
func (q *SoftQueue[T]) Draining() bool {
	return q.draining.LoadAcquire()
}

// Enqueue copies elem into the queue (multiple producers safe).
// Returns ErrWouldBlock if the queue is full.
func (q *SoftQueue[T]) Enqueue(elem *T) error {
	if q.draining.LoadAcquire() {
		return ErrDeviceLost
	}
	sw := spin.Wait{}
	for {
		tail := q.tail.LoadAcquire()
		head := q.head.LoadRelaxed()
		if tail >= head+q.capacity {
			return ErrWouldBlock
		}

		myTail := q.tail.AddAcqRel(1) - 1

		slot := &q.buffer[myTail&q.mask]
		expectedCycle := myTail / q.capacity

		slotCycle := slot.cycle.LoadAcquire()

		if slotCycle == expectedCycle {
			slot.data = *elem
			slot.cycle.StoreRelease(expectedCycle + 1)
			return nil
		}

		if int64(slotCycle) < int64(expectedCycle) {
			return ErrWouldBlock
		}
		sw.Once()
	}
}

// Dequeue removes the oldest element (single consumer only).
// Returns (zero-value, ErrWouldBlock) if the queue is empty.
func (q *SoftQueue[T]) Dequeue() (T, error) {
	head := q.head.LoadRelaxed()
	cycle := head / q.capacity
	slot := &q.buffer[head&q.mask]

	if slot.cycle.LoadAcquire() != cycle+1 {
		var zero T
		return zero, ErrWouldBlock
	}

	elem := slot.data
	var zero T
	slot.data = zero
	slot.cycle.StoreRelease((head + q.size) / q.capacity)
	q.head.StoreRelaxed(head + 1)

	return elem, nil
}

// Take hands up to limit of the oldest elements to fn and returns how many
// it took. A negative limit takes everything published so far. The tick
// uses it to accept no more entries than the arena can hold; the host uses
// it to stop at the committed trace offset. Single consumer only.
func (q *SoftQueue[T]) Take(limit int, fn func(T)) int {
	n := 0
	for limit < 0 || n < limit {
		elem, err := q.Dequeue()
		if err != nil {
			break
		}
		fn(elem)
		n++
	}
	return n
}

// Cap returns the queue capacity.
func (q *SoftQueue[T]) Cap() int {
	return int(q.capacity)
}
