// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"log/slog"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/devq/aql"
	"github.com/rs/xid"
)

// tickReason is the second kernarg of a scheduler tick.
type tickReason uint64

const (
	tickWorkAvailable       tickReason = 0
	tickCommandBufferReturn tickReason = 1
)

// SchedulerStats are monotonic counters plus list lengths sampled at the
// end of each tick.
type SchedulerStats struct {
	Ticks        atomix.Uint64
	ReturnTicks  atomix.Uint64
	Accepted     atomix.Uint64
	Issued       atomix.Uint64
	Retired      atomix.Uint64
	DroppedTicks atomix.Uint64
	Stalls       atomix.Uint64
	WaitList     atomix.Int64
	RunList      atomix.Int64
}

// SchedulerSnapshot is a point-in-time copy of a scheduler's state.
type SchedulerSnapshot struct {
	ID              string `json:"id"`
	Handle          uint64 `json:"handle"`
	Lost            bool   `json:"lost"`
	Initialized     bool   `json:"initialized"`
	Ticks           uint64 `json:"ticks"`
	ReturnTicks     uint64 `json:"return_ticks"`
	Accepted        uint64 `json:"accepted"`
	Issued          uint64 `json:"issued"`
	Retired         uint64 `json:"retired"`
	DroppedTicks    uint64 `json:"dropped_ticks"`
	Stalls          uint64 `json:"stalls"`
	WaitList        int64  `json:"wait_list"`
	RunList         int64  `json:"run_list"`
	Signals         int    `json:"signals"`
	QueriesPending  uint64 `json:"queries_pending"`
	TraceCommitted  uint64 `json:"trace_committed"`
	TraceDropped    uint64 `json:"trace_dropped"`
	ExecutionQueued uint64 `json:"execution_queued"`
}

// Scheduler is a device-resident queue scheduler.
//
// Producers Submit entries into its incoming soft queue. Each tick is one
// scheduler_tick dispatch on the scheduler's own AQL queue: it accepts
// incoming entries, resolves semaphore waits and issues ready entries as
// packets on the execution queue. A tick never blocks: anything that
// cannot proceed stays on a list until a later tick.
type Scheduler struct {
	dev    *Device
	handle uint64
	id     xid.ID
	logger *slog.Logger

	incoming *SoftQueue[QueueEntry]
	retired  *SoftQueue[int32]

	// Owned by the tick.
	arena          *entryArena
	waitList       queueList
	runList        queueList
	wake           WakePool
	wakeSet        WakeSet
	pendingBarrier bool

	epoch         atomix.Uint32
	lost          atomix.Uint32
	initialized   atomix.Uint32
	returnPending atomix.Bool

	schedQueue    *aql.Queue
	schedKernargs kernargRing
	execQueue     *aql.Queue
	execKernargs  kernargRing

	signalPool *SignalPool
	queries    *QueryRing
	trace      *TraceBuffer
	host       *hostQueue

	// At most one command buffer is in flight per scheduler.
	exec execution

	stats SchedulerStats
}

// ID returns the scheduler's unique id.
func (s *Scheduler) ID() xid.ID { return s.id }

// Handle returns the handle kernels use to address the scheduler.
func (s *Scheduler) Handle() uint64 { return s.handle }

// Queue returns the scheduler queue ticks are dispatched on.
func (s *Scheduler) Queue() *aql.Queue { return s.schedQueue }

// ExecutionQueue returns the queue entries are issued to.
func (s *Scheduler) ExecutionQueue() *aql.Queue { return s.execQueue }

// SignalPool returns the scheduler's signal pool.
func (s *Scheduler) SignalPool() *SignalPool { return s.signalPool }

// Queries returns the timestamp query ring.
func (s *Scheduler) Queries() *QueryRing { return s.queries }

// Trace returns the trace buffer.
func (s *Scheduler) Trace() *TraceBuffer { return s.trace }

// Stats returns the live counters.
func (s *Scheduler) Stats() *SchedulerStats { return &s.stats }

// Lost reports whether the scheduler stopped after a fatal condition.
func (s *Scheduler) Lost() bool { return s.lost.LoadAcquire() != 0 }

// Initialized reports whether the signal pool has been populated.
func (s *Scheduler) Initialized() bool { return s.initialized.LoadAcquire() != 0 }

// Snapshot copies the scheduler's counters.
func (s *Scheduler) Snapshot() SchedulerSnapshot {
	return SchedulerSnapshot{
		ID:              s.id.String(),
		Handle:          s.handle,
		Lost:            s.Lost(),
		Initialized:     s.Initialized(),
		Ticks:           s.stats.Ticks.LoadAcquire(),
		ReturnTicks:     s.stats.ReturnTicks.LoadAcquire(),
		Accepted:        s.stats.Accepted.LoadAcquire(),
		Issued:          s.stats.Issued.LoadAcquire(),
		Retired:         s.stats.Retired.LoadAcquire(),
		DroppedTicks:    s.stats.DroppedTicks.LoadAcquire(),
		Stalls:          s.stats.Stalls.LoadAcquire(),
		WaitList:        s.stats.WaitList.LoadAcquire(),
		RunList:         s.stats.RunList.LoadAcquire(),
		Signals:         s.signalPool.Len(),
		QueriesPending:  s.queries.Pending(),
		TraceCommitted:  s.trace.Committed(),
		TraceDropped:    s.trace.Dropped(),
		ExecutionQueued: s.execQueue.WriteIndex() - s.execQueue.ReadIndex(),
	}
}

// Submit hands entry to the scheduler and requests a tick.
//
// Returns ErrWouldBlock if the incoming queue is full, ErrInvalidEntry
// for malformed entries, and an error matching ErrDeviceLost once the
// scheduler or device is lost. Submit is safe from any goroutine and from
// kernels.
func (s *Scheduler) Submit(entry *QueueEntry) error {
	if s.Lost() {
		return s.dev.lostError()
	}
	if err := entry.validate(); err != nil {
		return err
	}
	entry.Epoch = s.epoch.AddAcqRel(1)
	if err := s.incoming.Enqueue(entry); err != nil {
		if IsWouldBlock(err) {
			return err
		}
		return s.dev.lostError()
	}
	s.Wake()
	return nil
}

// Wake implements [WakeTarget] by requesting a WORK_AVAILABLE tick.
// If the scheduler queue is full the request is dropped: the pending ticks
// will observe the work.
func (s *Scheduler) Wake() {
	if !s.enqueueTick(tickWorkAvailable, 0) {
		s.stats.DroppedTicks.AddAcqRel(1)
	}
}

// enqueueTick dispatches scheduler_tick(reason, arg) on the scheduler
// queue without blocking.
func (s *Scheduler) enqueueTick(reason tickReason, arg uint64) bool {
	q := s.schedQueue
	idx, err := q.TryReserve(1)
	if err != nil {
		return false
	}
	kernargs := s.schedKernargs.address(idx)
	if err := writeKernargs(s.dev.memory, kernargs, s.handle, uint64(reason), arg); err != nil {
		panic("devq: scheduler kernargs: " + err.Error())
	}
	k := &s.dev.builtins.SchedulerTick
	slot := q.Packet(idx)
	kd := k.dispatch([3]uint32{1, 1, 1}, kernargs, aql.NullSignal)
	slot.FillKernelDispatch(&kd)
	slot.Commit(aql.MakeHeader(aql.PacketTypeKernelDispatch, false, aql.FenceScopeAgent, aql.FenceScopeAgent), k.Setup)
	q.RingDoorbell(idx)
	return true
}

// tick is the body of scheduler_tick.
func (s *Scheduler) tick(reason tickReason, arg uint64) {
	if s.Lost() {
		return
	}
	s.stats.Ticks.AddAcqRel(1)
	s.logger.Debug("tick", "reason", reason, "arg", arg)

	if s.returnPending.SwapAcqRel(false) {
		s.returnExecution(0)
	}
	if reason == tickCommandBufferReturn {
		s.returnExecution(uint32(arg))
	}
	s.drainRetired()
	s.acceptIncoming()
	if !s.checkWaitList() {
		return
	}
	selfWake := s.drainRunList()
	if s.Lost() {
		return
	}
	s.stats.WaitList.StoreRelease(int64(s.waitList.len()))
	s.stats.RunList.StoreRelease(int64(s.runList.len()))

	if s.trace.Commit() {
		s.host.post(HostCallPostTraceFlush, 0, [4]uint64{s.handle}, aql.NullSignal)
	}
	if selfWake {
		s.Wake()
	}
}

// drainRetired completes entries whose retire kernel ran. Their signals
// collect in the tick's wake set with those of inline retires, so a
// scheduler woken by several of them gets one tick.
func (s *Scheduler) drainRetired() {
	s.retired.Take(-1, s.complete)
}

// acceptIncoming moves submitted entries into the arena while it has room.
func (s *Scheduler) acceptIncoming() {
	n := s.incoming.Take(s.arena.available(), func(e QueueEntry) {
		idx, _ := s.arena.alloc(&e)
		if s.arena.at(idx).waitCount == 0 {
			s.runList.insert(idx)
		} else {
			s.waitList.append(idx)
		}
	})
	s.stats.Accepted.AddAcqRel(uint64(n))
}

// checkWaitList moves entries whose waits are all satisfied to the run
// list. Returns false if the scheduler failed.
func (s *Scheduler) checkWaitList() bool {
	prev := nilIndex
	for i := s.waitList.front(); i != nilIndex; {
		e := s.arena.at(i)
		next := e.next
		waiting := false
		for e.waitCount > 0 {
			w := e.waits[0]
			we, err := s.wake.reserve(w.Semaphore)
			if err != nil {
				s.fail(ErrorCodeWakePoolExhausted, w.Semaphore.ID(), uint64(i))
				return false
			}
			if w.Semaphore.UpdateWait(we, w.Value) {
				waiting = true
				break
			}
			s.wake.release(we)
			e.waitCount--
			e.waits[0] = e.waits[e.waitCount]
			e.waits[e.waitCount] = SemaphoreWait{}
		}
		if waiting {
			prev = i
		} else {
			s.waitList.removeAfter(prev, i)
			s.runList.insert(i)
		}
		i = next
	}
	s.wake.sweep()
	return true
}

// issueResult is the outcome of issuing one run list entry.
type issueResult uint8

const (
	// issued: packets are in flight and a retire kernel will follow.
	issued issueResult = iota
	// retiredInline: the entry completed during the tick.
	retiredInline
	// stalled: the execution queue is full; retry on a later tick.
	stalled
	// failed: the scheduler is lost.
	failed
)

// drainRunList issues entries in order. The list parks while the
// execution is in flight: it must be the only producer on the execution
// queue so its issue_block continuation always finds a free packet.
// Returns whether the tick's own signals woke this scheduler.
func (s *Scheduler) drainRunList() bool {
	for !s.runList.empty() && !s.exec.active() {
		i := s.runList.front()
		e := s.arena.at(i)
		s.runList.popFront()
		switch s.issue(i) {
		case issued:
			e.list = listIssued
			s.stats.Issued.AddAcqRel(1)
			continue
		case retiredInline:
			s.stats.Issued.AddAcqRel(1)
			continue
		case stalled:
			s.runList.pushFront(i)
			s.stats.Stalls.AddAcqRel(1)
		case failed:
		}
		break
	}
	return s.wakeSet.Flush()
}

// complete retires entry i during the tick: signals its semaphores into
// the tick's wake set, posts its releases and frees its slot.
func (s *Scheduler) complete(i int32) {
	e := s.arena.at(i)
	for _, sig := range e.entry.Signals {
		sig.Semaphore.Signal(sig.Value, &s.wakeSet)
	}
	s.postReleases(e.entry.Releases)
	s.signalPool.Release(e.completion)
	s.arena.release(i)
	s.stats.Retired.AddAcqRel(1)
}

// retire is the body of the retire kernel for entry i. It only hands i
// back to the tick, which completes the entry.
func (s *Scheduler) retire(i int32) {
	if s.Lost() {
		return
	}
	if err := s.retired.Enqueue(&i); err != nil {
		s.fail(ErrorCodeInternal, uint64(i), 0)
		return
	}
	s.Wake()
}

func (s *Scheduler) postReleases(r []uint64) {
	if len(r) == 0 {
		return
	}
	var args [4]uint64
	copy(args[:], r)
	s.host.post(HostCallPostRelease, 0, args, aql.NullSignal)
}

// commandBufferReturned is the body of command_buffer_return. When the
// scheduler queue is full the return is left in a flag for the ticks
// already queued.
func (s *Scheduler) commandBufferReturned(slot uint32) {
	if s.enqueueTick(tickCommandBufferReturn, uint64(slot)) {
		return
	}
	s.returnPending.StoreRelease(true)
	s.Wake()
}

// returnExecution reclaims the execution after its Return command ran and
// retires the Execute entry it served.
func (s *Scheduler) returnExecution(slot uint32) {
	s.stats.ReturnTicks.AddAcqRel(1)
	if slot != s.exec.ordinal || !s.exec.active() {
		s.fail(ErrorCodeInternal, uint64(slot), 2)
		return
	}
	entry := s.exec.entry
	s.exec.release()
	s.complete(entry)
}

// fail marks the scheduler lost and reports code to the host.
func (s *Scheduler) fail(code ErrorCode, arg0, arg1 uint64) {
	if !s.lost.CompareAndSwapAcqRel(0, 1) {
		return
	}
	s.logger.Error("scheduler lost", "code", code, "arg0", arg0, "arg1", arg1)
	s.incoming.Drain()
	s.host.post(HostCallPostError, 0, [4]uint64{uint64(code), arg0, arg1}, aql.NullSignal)
}

// markLost stops the scheduler without posting an error.
func (s *Scheduler) markLost() {
	s.lost.StoreRelease(1)
	s.incoming.Drain()
}
