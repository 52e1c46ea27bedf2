// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"fmt"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/devq/aql"
	"code.hybscloud.com/spin"
)

// TraceEventKind identifies a trace event.
type TraceEventKind uint8

const (
	TraceZoneBegin TraceEventKind = iota
	TraceZoneEnd
	// TraceExecutionBatch announces the query ids a block acquired:
	// [QueryID, QueryID+Count).
	TraceExecutionBatch
	TraceMessage
)

func (k TraceEventKind) String() string {
	switch k {
	case TraceZoneBegin:
		return "zone-begin"
	case TraceZoneEnd:
		return "zone-end"
	case TraceExecutionBatch:
		return "execution-batch"
	case TraceMessage:
		return "message"
	}
	return fmt.Sprintf("TraceEventKind(%d)", uint8(k))
}

// TraceEvent is one record of a scheduler's trace buffer.
type TraceEvent struct {
	Kind      TraceEventKind
	QueryID   uint64
	Count     uint32
	Label     string
	Color     uint32
	Timestamp uint64
	Executor  uint32
}

// TraceBuffer is the device→host trace ring of one scheduler.
//
// Any kernel may emit. Events become visible to the host in batches: the
// tick commits the reserve offset and posts POST_TRACE_FLUSH when the
// commit moved. The host never reads past the committed offset. A full
// ring drops the event.
type TraceBuffer struct {
	ring      *SoftQueue[TraceEvent]
	clock     *aql.Clock
	reserved  atomix.Uint64
	committed atomix.Uint64
	consumed  atomix.Uint64
	dropped   atomix.Uint64
}

func newTraceBuffer(capacity int, clock *aql.Clock) *TraceBuffer {
	return &TraceBuffer{ring: NewSoftQueue[TraceEvent](capacity), clock: clock}
}

// Emit timestamps ev and appends it. Returns false if it was dropped.
func (b *TraceBuffer) Emit(ev TraceEvent) bool {
	if ev.Timestamp == 0 && b.clock != nil {
		ev.Timestamp = b.clock.Now()
	}
	if err := b.ring.Enqueue(&ev); err != nil {
		b.dropped.AddAcqRel(1)
		return false
	}
	b.reserved.AddAcqRel(1)
	return true
}

// Commit publishes everything emitted so far.
// Returns true if the committed offset changed.
func (b *TraceBuffer) Commit() bool {
	sw := spin.Wait{}
	for {
		c := b.committed.LoadAcquire()
		r := b.reserved.LoadAcquire()
		if c == r {
			return false
		}
		if b.committed.CompareAndSwapAcqRel(c, r) {
			return true
		}
		sw.Once()
	}
}

// Consume passes committed events to fn in order and returns how many
// were consumed. Events emitted after the last Commit stay queued. Host
// only.
func (b *TraceBuffer) Consume(fn func(TraceEvent)) int {
	limit := b.committed.LoadAcquire() - b.consumed.LoadRelaxed()
	n := b.ring.Take(int(limit), fn)
	b.consumed.AddAcqRel(uint64(n))
	return n
}

// Committed returns the number of events committed so far.
func (b *TraceBuffer) Committed() uint64 { return b.committed.LoadAcquire() }

// Dropped returns the number of events lost to a full ring.
func (b *TraceBuffer) Dropped() uint64 { return b.dropped.LoadAcquire() }

// QueryRing hands out timestamp query signals.
//
// Blocks acquire contiguous id ranges; a traced packet uses the signal for
// its id as completion signal, so the processor stamps it. The host
// reclaims ids in order once their signals have completed.
type QueryRing struct {
	_       pad
	write   atomix.Uint64
	_       pad
	read    atomix.Uint64
	_       pad
	table   *aql.SignalTable
	signals []aql.SignalHandle
	mask    uint64
}

func newQueryRing(table *aql.SignalTable, size int) (*QueryRing, error) {
	n := roundToPow2(size)
	r := &QueryRing{table: table, signals: make([]aql.SignalHandle, n), mask: uint64(n - 1)}
	for i := range r.signals {
		h, err := table.Create(aql.SignalKindUser, 1)
		if err != nil {
			return nil, err
		}
		r.signals[i] = h
	}
	return r, nil
}

// Acquire claims n consecutive query ids and returns the first.
// Returns ErrWouldBlock if fewer than n ids are free.
func (r *QueryRing) Acquire(n uint32) (uint64, error) {
	sw := spin.Wait{}
	for {
		w := r.write.LoadAcquire()
		if w+uint64(n)-r.read.LoadAcquire() > uint64(len(r.signals)) {
			return 0, ErrWouldBlock
		}
		if r.write.CompareAndSwapAcqRel(w, w+uint64(n)) {
			return w, nil
		}
		sw.Once()
	}
}

// Signal returns the signal backing query id.
func (r *QueryRing) Signal(id uint64) aql.SignalHandle { return r.signals[id&r.mask] }

// Release resets the n oldest ids (value 1, no timestamps) and frees them.
// Host only.
func (r *QueryRing) Release(n uint32) {
	read := r.read.LoadRelaxed()
	for i := uint64(0); i < uint64(n); i++ {
		r.table.Get(r.Signal(read + i)).Reset(1)
	}
	r.read.StoreRelease(read + uint64(n))
}

// QueryResult is the timestamp pair of a completed query.
type QueryResult struct {
	ID    uint64
	Start uint64
	End   uint64
}

// Reclaim releases completed ids in order, stopping at the first pending
// one, and reports each to fn if fn is non-nil. Host only.
func (r *QueryRing) Reclaim(fn func(QueryResult)) int {
	n := 0
	for {
		read := r.read.LoadRelaxed()
		if read >= r.write.LoadAcquire() {
			return n
		}
		s := r.table.Get(r.Signal(read))
		if s.Load() > 0 {
			return n
		}
		if fn != nil {
			start, end := s.Timestamps()
			fn(QueryResult{ID: read, Start: start, End: end})
		}
		r.Release(1)
		n++
	}
}

// Pending returns the number of acquired ids not yet released.
func (r *QueryRing) Pending() uint64 {
	return r.write.LoadAcquire() - r.read.LoadAcquire()
}

// Cap returns the ring size.
func (r *QueryRing) Cap() int { return len(r.signals) }
