// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"fmt"
	"math"

	"code.hybscloud.com/devq/aql"
)

// issue turns run list entry i into packets on the execution queue.
//
// Every path reserves its packets before it claims anything else, so a
// stall leaves the entry untouched for a later tick.
func (s *Scheduler) issue(i int32) issueResult {
	e := s.arena.at(i)
	switch p := e.entry.Payload.(type) {
	case InitializeArgs:
		return s.issueInitialize(i, p)
	case DeinitializeArgs:
		return s.issueDeinitialize(i)
	case AllocaArgs:
		return s.issueAlloca(i, e, p)
	case DeallocaArgs:
		return s.issueDealloca(i, e, p)
	case FillArgs:
		return s.issueFillEntry(i, e, p)
	case CopyArgs:
		return s.issueCopyEntry(i, e, p)
	case ExecuteArgs:
		return s.issueExecute(i, p)
	case BarrierArgs:
		return s.issueBarrier(i)
	}
	s.fail(ErrorCodeInvalidEntry, uint64(i), uint64(e.entry.Type()))
	return failed
}

func (s *Scheduler) issueInitialize(i int32, p InitializeArgs) issueResult {
	if err := s.signalPool.Initialize(p.Signals); err != nil {
		s.fail(CodeOf(err), uint64(i), uint64(len(p.Signals)))
		return failed
	}
	s.initialized.StoreRelease(1)
	s.logger.Info("scheduler initialized", "scheduler", s.id, "signals", s.signalPool.Len())
	s.complete(i)
	return retiredInline
}

func (s *Scheduler) issueDeinitialize(i int32) issueResult {
	n := len(s.signalPool.Deinitialize())
	s.initialized.StoreRelease(0)
	s.logger.Info("scheduler deinitialized", "scheduler", s.id, "signals", n)
	s.complete(i)
	return retiredInline
}

// issueAlloca claims a committed block inline when one fits. Otherwise it
// reserves a decommitted block, posts POOL_GROW and retires behind a
// barrier on the host's completion signal.
func (s *Scheduler) issueAlloca(i int32, e *entrySlot, p AllocaArgs) issueResult {
	pool, err := s.dev.allocator.Pool(p.Pool)
	if err != nil || p.Handle.Pool() != p.Pool {
		s.fail(ErrorCodeInvalidPool, uint64(p.Pool), uint64(i))
		return failed
	}
	align := uint64(max(p.MinAlignment, 1))
	if blk, ptr, size, ok := pool.claimCommitted(p.Size, align); ok {
		p.Handle.publish(ptr, size, blk)
		s.complete(i)
		return retiredInline
	}
	if !s.Initialized() {
		s.fail(ErrorCodeNotInitialized, uint64(i), 0)
		return failed
	}
	base, err := s.execQueue.TryReserve(2)
	if err != nil {
		return stalled
	}
	blk, ok := pool.claimDecommitted()
	if !ok {
		s.abandon(base, 2)
		s.fail(ErrorCodePoolExhausted, uint64(p.Pool), uint64(i))
		return failed
	}
	completion, err := s.signalPool.Acquire(1)
	if err != nil {
		pool.transition(blk, BlockPendingCommit, BlockDecommitted)
		s.abandon(base, 2)
		s.fail(ErrorCodeSignalPoolExhausted, uint64(i), 0)
		return failed
	}
	e.completion = completion
	s.host.post(HostCallPoolGrow, p.Handle.ID(), [4]uint64{uint64(p.Pool), uint64(blk), p.Size, align}, completion)
	s.emitBarrier(base, s.entryHeader(e, aql.PacketTypeBarrierAnd), [5]aql.SignalHandle{completion}, aql.NullSignal)
	s.emitRetire(base+1, i)
	s.execQueue.RingDoorbell(base + 1)
	return issued
}

// issueDealloca clears the handle and returns its block to the pool. A
// decommit-on-free pool posts POOL_TRIM and retires once the host is done.
func (s *Scheduler) issueDealloca(i int32, e *entrySlot, p DeallocaArgs) issueResult {
	h := p.Handle
	pool, err := s.dev.allocator.Pool(h.Pool())
	if err != nil {
		s.fail(ErrorCodeInvalidPool, uint64(h.Pool()), uint64(i))
		return failed
	}
	blk := h.Block()
	if blk < 0 || blk >= pool.Blocks() {
		s.fail(ErrorCodeInvalidEntry, uint64(i), h.ID())
		return failed
	}
	if pool.Policy() == PoolRetainOnFree {
		if !pool.transition(blk, BlockAllocated, BlockCommitted) {
			s.fail(ErrorCodeInvalidPool, uint64(h.Pool()), uint64(blk))
			return failed
		}
		h.clear()
		s.complete(i)
		return retiredInline
	}

	if !s.Initialized() {
		s.fail(ErrorCodeNotInitialized, uint64(i), 0)
		return failed
	}
	base, err := s.execQueue.TryReserve(2)
	if err != nil {
		return stalled
	}
	if !pool.transition(blk, BlockAllocated, BlockPendingDecommit) {
		s.abandon(base, 2)
		s.fail(ErrorCodeInvalidPool, uint64(h.Pool()), uint64(blk))
		return failed
	}
	completion, err := s.signalPool.Acquire(1)
	if err != nil {
		s.abandon(base, 2)
		s.fail(ErrorCodeSignalPoolExhausted, uint64(i), 0)
		return failed
	}
	h.clear()
	e.completion = completion
	s.host.post(HostCallPoolTrim, h.ID(), [4]uint64{uint64(h.Pool()), uint64(blk)}, completion)
	s.emitBarrier(base, s.entryHeader(e, aql.PacketTypeBarrierAnd), [5]aql.SignalHandle{completion}, aql.NullSignal)
	s.emitRetire(base+1, i)
	s.execQueue.RingDoorbell(base + 1)
	return issued
}

func (s *Scheduler) issueFillEntry(i int32, e *entrySlot, p FillArgs) issueResult {
	target, length, err := ResolveBufferRef(p.Target, nil, s.dev.handles)
	if err == nil {
		err = checkFill(target, length, p.PatternLength)
	}
	if err != nil {
		s.fail(CodeOf(err), uint64(i), 0)
		return failed
	}
	n := uint64(1)
	if target != 0 && length != 0 {
		n = 2
	}
	base, err := s.execQueue.TryReserve(n)
	if err != nil {
		return stalled
	}
	pkt := base
	if n == 2 {
		h := s.entryHeader(e, aql.PacketTypeKernelDispatch)
		if err := s.emitFill(pkt, h, s.execKernargs.address(pkt), target, length, p.Pattern, p.PatternLength, aql.NullSignal); err != nil {
			s.abandon(base, n)
			s.fail(CodeOf(err), uint64(i), 1)
			return failed
		}
		pkt++
	} else {
		s.pendingBarrier = false
	}
	s.emitRetire(pkt, i)
	s.execQueue.RingDoorbell(pkt)
	return issued
}

func (s *Scheduler) issueCopyEntry(i int32, e *entrySlot, p CopyArgs) issueResult {
	source, sl, err := ResolveBufferRef(p.Source, nil, s.dev.handles)
	if err != nil {
		s.fail(CodeOf(err), uint64(i), 0)
		return failed
	}
	target, tl, err := ResolveBufferRef(p.Target, nil, s.dev.handles)
	if err != nil {
		s.fail(CodeOf(err), uint64(i), 1)
		return failed
	}
	length := min(sl, tl)
	n := uint64(1)
	if source != 0 && target != 0 && length != 0 {
		n = 2
	}
	base, err := s.execQueue.TryReserve(n)
	if err != nil {
		return stalled
	}
	pkt := base
	if n == 2 {
		h := s.entryHeader(e, aql.PacketTypeKernelDispatch)
		if err := s.emitCopy(pkt, h, s.execKernargs.address(pkt), source, target, length, aql.NullSignal); err != nil {
			s.abandon(base, n)
			s.fail(CodeOf(err), uint64(i), 2)
			return failed
		}
		pkt++
	} else {
		s.pendingBarrier = false
	}
	s.emitRetire(pkt, i)
	s.execQueue.RingDoorbell(pkt)
	return issued
}

// issueExecute starts the scheduler's execution and dispatches issue_block
// for block 0. The entry retires when the command buffer returns.
func (s *Scheduler) issueExecute(i int32, p ExecuteArgs) issueResult {
	if !s.Initialized() {
		s.fail(ErrorCodeNotInitialized, uint64(i), 0)
		return failed
	}
	base, err := s.execQueue.TryReserve(1)
	if err != nil {
		return stalled
	}
	ex := &s.exec
	if err := ex.init(i, p); err != nil {
		s.abandon(base, 1)
		s.fail(CodeOf(err), uint64(i), uint64(ex.ordinal))
		return failed
	}
	if err := ex.emplaceIssueBlock(base, 0); err != nil {
		ex.release()
		s.abandon(base, 1)
		s.fail(CodeOf(err), uint64(i), uint64(ex.ordinal))
		return failed
	}
	s.pendingBarrier = false
	s.execQueue.RingDoorbell(base)
	return issued
}

// issueBarrier without signals or releases only orders the next packet.
func (s *Scheduler) issueBarrier(i int32) issueResult {
	e := s.arena.at(i)
	if len(e.entry.Signals) == 0 && len(e.entry.Releases) == 0 {
		s.pendingBarrier = true
		s.complete(i)
		return retiredInline
	}
	base, err := s.execQueue.TryReserve(1)
	if err != nil {
		return stalled
	}
	s.pendingBarrier = false
	s.emitRetire(base, i)
	s.execQueue.RingDoorbell(base)
	return issued
}

// entryHeader is the header of an entry's first packet. It consumes a
// pending barrier.
func (s *Scheduler) entryHeader(e *entrySlot, t aql.PacketType) aql.Header {
	barrier := e.entry.Flags&EntryFlagBarrier != 0 || s.pendingBarrier
	s.pendingBarrier = false
	return aql.MakeHeader(t, barrier, aql.FenceScopeAgent, aql.FenceScopeAgent)
}

// emitRetire dispatches retire(i). It always waits for the entry's earlier
// packets and releases at system scope so the host sees signaled values.
func (s *Scheduler) emitRetire(pkt uint64, i int32) {
	args := s.execKernargs.address(pkt)
	if err := writeKernargs(s.dev.memory, args, s.handle, uint64(i)); err != nil {
		panic("devq: retire kernargs: " + err.Error())
	}
	h := aql.MakeHeader(aql.PacketTypeKernelDispatch, true, aql.FenceScopeAgent, aql.FenceScopeSystem)
	s.emitDispatch(pkt, h, &s.dev.builtins.Retire, [3]uint32{1, 1, 1}, args, aql.NullSignal)
}

func (s *Scheduler) emitDispatch(pkt uint64, h aql.Header, k *KernelArgs, grid [3]uint32, kernargs uint64, completion aql.SignalHandle) {
	slot := s.execQueue.Packet(pkt)
	kd := k.dispatch(grid, kernargs, completion)
	slot.FillKernelDispatch(&kd)
	slot.Commit(h, k.Setup)
}

func (s *Scheduler) emitBarrier(pkt uint64, h aql.Header, deps [5]aql.SignalHandle, completion aql.SignalHandle) {
	slot := s.execQueue.Packet(pkt)
	slot.FillBarrier(&aql.Barrier{DepSignals: deps, CompletionSignal: completion})
	slot.Commit(h, 0)
}

// emitNoop writes an empty barrier without fences.
func (s *Scheduler) emitNoop(pkt uint64, completion aql.SignalHandle) {
	s.emitBarrier(pkt, aql.MakeHeader(aql.PacketTypeBarrierAnd, false, aql.FenceScopeNone, aql.FenceScopeNone), [5]aql.SignalHandle{}, completion)
}

// abandon fills reserved packets with no-ops so the queue keeps moving.
func (s *Scheduler) abandon(base, n uint64) {
	for p := range n {
		s.emitNoop(base+p, aql.NullSignal)
	}
	s.execQueue.RingDoorbell(base + n - 1)
}

func checkFill(target, length uint64, patternLength uint8) error {
	switch patternLength {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("%w: pattern length %d", ErrInvalidCommand, patternLength)
	}
	if length%uint64(patternLength) != 0 {
		return fmt.Errorf("%w: fill of %d bytes with a %d-byte pattern", ErrInvalidCommand, length, patternLength)
	}
	if length/uint64(patternLength) > math.MaxUint32 {
		return fmt.Errorf("%w: fill of %d bytes", ErrInvalidCommand, length)
	}
	return nil
}

// emitFill dispatches the fill kernel for the pattern width. An empty
// target gets a no-op carrying the completion signal.
func (s *Scheduler) emitFill(pkt uint64, h aql.Header, kernargs, target, length, pattern uint64, patternLength uint8, completion aql.SignalHandle) error {
	if err := checkFill(target, length, patternLength); err != nil {
		return err
	}
	if target == 0 || length == 0 {
		s.emitBarrier(pkt, aql.MakeHeader(aql.PacketTypeBarrierAnd, h.Barrier(), h.AcquireFenceScope(), h.ReleaseFenceScope()), [5]aql.SignalHandle{}, completion)
		return nil
	}
	k, _ := s.dev.builtins.fillKernel(uint64(patternLength))
	if err := writeKernargs(s.dev.memory, kernargs, target, length, pattern); err != nil {
		return err
	}
	s.emitDispatch(pkt, h, k, [3]uint32{uint32(length / uint64(patternLength)), 1, 1}, kernargs, completion)
	return nil
}

// emitCopy dispatches the widest copy kernel the operands allow.
func (s *Scheduler) emitCopy(pkt uint64, h aql.Header, kernargs, source, target, length uint64, completion aql.SignalHandle) error {
	if source == 0 || target == 0 || length == 0 {
		s.emitBarrier(pkt, aql.MakeHeader(aql.PacketTypeBarrierAnd, h.Barrier(), h.AcquireFenceScope(), h.ReleaseFenceScope()), [5]aql.SignalHandle{}, completion)
		return nil
	}
	k, width := s.dev.builtins.copyKernel(source, target, length)
	if length/width > math.MaxUint32 {
		return fmt.Errorf("%w: copy of %d bytes", ErrInvalidCommand, length)
	}
	if err := writeKernargs(s.dev.memory, kernargs, source, target, length); err != nil {
		return err
	}
	s.emitDispatch(pkt, h, k, [3]uint32{uint32(length / width), 1, 1}, kernargs, completion)
	return nil
}
