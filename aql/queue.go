// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package aql

import (
	"errors"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"
)

// ErrWouldBlock is returned by TryReserve when the queue lacks capacity.
var ErrWouldBlock = iox.ErrWouldBlock

// ErrReservationTooLarge is returned when a reservation exceeds the queue size.
var ErrReservationTooLarge = errors.New("aql: reservation exceeds queue size")

// QueueType mirrors the HSA queue type.
type QueueType uint32

const (
	QueueTypeMulti  QueueType = 0
	QueueTypeSingle QueueType = 1
)

type pad [64]byte

// Queue is a user-mode AQL queue.
//
// Multiple producers reserve packet ranges by advancing the write index;
// a single packet processor consumes packets in order and advances the read
// index. Slot i of the ring holds packet ids i, i+size, i+2*size, ...
type Queue struct {
	_          pad
	writeIndex atomix.Uint64
	_          pad
	readIndex  atomix.Uint64
	_          pad
	doorbell   atomix.Int64
	rings      atomix.Uint64
	_          pad
	slots      []Slot
	mask       uint64
	size       uint64
	id         uint64
	typ        QueueType
}

// NewQueue creates a queue with size rounded up to a power of 2.
// Every slot starts INVALID.
func NewQueue(id uint64, size int, typ QueueType) *Queue {
	if size < 2 {
		panic("aql: queue size must be >= 2")
	}
	n := uint64(1)
	for n < uint64(size) {
		n <<= 1
	}
	q := &Queue{
		slots: make([]Slot, n),
		mask:  n - 1,
		size:  n,
		id:    id,
		typ:   typ,
	}
	for i := range q.slots {
		q.slots[i].Invalidate()
	}
	q.doorbell.StoreRelaxed(-1)
	return q
}

// ID returns the queue id.
func (q *Queue) ID() uint64 { return q.id }

// Type returns the queue type.
func (q *Queue) Type() QueueType { return q.typ }

// Size returns the number of packet slots.
func (q *Queue) Size() uint64 { return q.size }

// WriteIndex returns the current write index.
func (q *Queue) WriteIndex() uint64 { return q.writeIndex.LoadAcquire() }

// ReadIndex returns the current read index.
func (q *Queue) ReadIndex() uint64 { return q.readIndex.LoadAcquire() }

// Packet returns the slot holding packet id index.
func (q *Queue) Packet(index uint64) *Slot { return &q.slots[index&q.mask] }

// Reserve claims n consecutive packet ids and spins until they are free.
// This is the host-call discipline: the FAA is never undone, so callers must
// always fill and commit every reserved packet.
func (q *Queue) Reserve(n uint64) (uint64, error) {
	if n > q.size {
		return 0, ErrReservationTooLarge
	}
	id := q.writeIndex.AddAcqRel(n) - n
	sw := spin.Wait{}
	for id+n-q.readIndex.LoadAcquire() > q.size {
		sw.Once()
	}
	return id, nil
}

// TryReserve claims n consecutive packet ids if they are all free.
// Returns ErrWouldBlock if the ring does not have n free slots.
func (q *Queue) TryReserve(n uint64) (uint64, error) {
	if n > q.size {
		return 0, ErrReservationTooLarge
	}
	sw := spin.Wait{}
	for {
		w := q.writeIndex.LoadAcquire()
		r := q.readIndex.LoadAcquire()
		if w+n-r > q.size {
			return 0, ErrWouldBlock
		}
		if q.writeIndex.CompareAndSwapAcqRel(w, w+n) {
			return w, nil
		}
		sw.Once()
	}
}

// RingDoorbell notifies the packet processor that packets up to index are
// ready.
func (q *Queue) RingDoorbell(index uint64) {
	q.doorbell.StoreRelease(int64(index))
	q.rings.AddAcqRel(1)
}

// Doorbell returns the last value written to the doorbell, or -1.
func (q *Queue) Doorbell() int64 { return q.doorbell.LoadAcquire() }

// DoorbellRings returns how many times the doorbell was rung.
func (q *Queue) DoorbellRings() uint64 { return q.rings.LoadAcquire() }

// advance releases the head packet; consumer only.
func (q *Queue) advance(r uint64) {
	q.Packet(r).Invalidate()
	q.readIndex.StoreRelease(r + 1)
}
