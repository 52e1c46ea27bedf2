// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"fmt"
	"slices"
	"sync"

	"code.hybscloud.com/devq/aql"
	"github.com/rs/xid"
)

// ExecutionFlags control how a command buffer is issued.
type ExecutionFlags uint32

const (
	// ExecutionSerialize sets the barrier bit on every packet.
	ExecutionSerialize ExecutionFlags = 1 << 0
	// ExecutionUncached marks bindings as possibly changing between
	// executions. Bindings are always resolved at issue time.
	ExecutionUncached ExecutionFlags = 1 << 1
	// ExecutionTraceControl timestamps debug groups. Implies serialization.
	ExecutionTraceControl ExecutionFlags = 1<<2 | ExecutionSerialize
	// ExecutionTraceDispatch timestamps every dispatch, fill and copy as
	// well. Implies control tracing.
	ExecutionTraceDispatch ExecutionFlags = 1<<3 | ExecutionTraceControl
)

// controlKernargsSize holds the issue_block args at +0 and the
// command_buffer_return args at +32.
const (
	controlKernargsSize  = 64
	controlReturnOffset  = 32
	executionKernargsMin = 256
)

// execution is the mutable state of one in-flight command buffer
// invocation. It is active from the Execute issue until the Return
// command is processed. The ordinal travels in the control kernargs and
// in trace events.
type execution struct {
	sched   *Scheduler
	ordinal uint32
	id      xid.ID

	cb       *CommandBuffer
	bindings []BufferRef
	flags    ExecutionFlags
	events   []aql.SignalHandle
	entry    int32

	control    uint64
	kernargs   uint64
	kernargCap uint64

	queryBase uint64
	traced    bool
}

// init prepares the slot for entry i executing args.
func (ex *execution) init(i int32, args ExecuteArgs) error {
	s := ex.sched
	cb := args.CommandBuffer
	if need := uint64(cb.MaxKernargCapacity); need > ex.kernargCap {
		size := max(uint64(roundToPow2(int(need))), executionKernargsMin)
		addr, err := s.dev.memory.Alloc(size, kernargAlignment)
		if err != nil {
			return err
		}
		if ex.kernargs != 0 {
			_ = s.dev.memory.Free(ex.kernargs)
		}
		ex.kernargs, ex.kernargCap = addr, size
	}
	events := make([]aql.SignalHandle, 0, cb.EventCount)
	for range cb.EventCount {
		h, err := s.signalPool.Acquire(1)
		if err != nil {
			for _, e := range events {
				s.signalPool.Release(e)
			}
			return err
		}
		events = append(events, h)
	}
	ex.id = xid.New()
	ex.cb = cb
	ex.bindings = slices.Clone(args.Bindings)
	ex.flags = args.Flags
	ex.events = events
	ex.entry = i
	ex.traced = false
	s.logger.Debug("execution start", "execution", ex.id, "slot", ex.ordinal, "blocks", len(cb.Blocks), "events", cb.EventCount)
	return nil
}

// active reports whether a command buffer is in flight.
func (ex *execution) active() bool { return ex.cb != nil }

// release returns the events to the pool and forgets the command buffer.
func (ex *execution) release() {
	for _, e := range ex.events {
		ex.sched.signalPool.Release(e)
	}
	ex.sched.logger.Debug("execution return", "execution", ex.id, "slot", ex.ordinal)
	ex.cb = nil
	ex.bindings = nil
	ex.events = nil
	ex.entry = nilIndex
	ex.traced = false
}

// emplaceIssueBlock writes an issue_block(block) dispatch into packet pkt.
func (ex *execution) emplaceIssueBlock(pkt uint64, block uint32) error {
	s := ex.sched
	if err := writeKernargs(s.dev.memory, ex.control, s.handle, uint64(ex.ordinal), uint64(block)); err != nil {
		return err
	}
	h := aql.MakeHeader(aql.PacketTypeKernelDispatch, true, aql.FenceScopeAgent, aql.FenceScopeAgent)
	s.emitDispatch(pkt, h, &s.dev.builtins.IssueBlock, [3]uint32{1, 1, 1}, ex.control, aql.NullSignal)
	return nil
}

// issueBlock is the body of issue_block for this execution.
func (s *Scheduler) issueBlock(slot, block uint32) {
	if s.Lost() {
		return
	}
	ex := &s.exec
	if slot != ex.ordinal || !ex.active() {
		s.fail(ErrorCodeInternal, uint64(slot), uint64(block))
		return
	}
	if err := ex.issueBlock(block); err != nil {
		s.logger.Error("issue block", "execution", ex.id, "block", block, "error", err)
		s.fail(CodeOf(err), uint64(slot), uint64(block))
	}
}

func (ex *execution) issueBlock(ordinal uint32) error {
	s := ex.sched
	if int(ordinal) >= len(ex.cb.Blocks) {
		return fmt.Errorf("%w: block %d of %d", ErrInvalidCommand, ordinal, len(ex.cb.Blocks))
	}
	b := ex.cb.Blocks[ordinal]
	q := s.execQueue
	if uint64(b.MaxPacketCount)+1 > q.Size() {
		return fmt.Errorf("%w: %d packets on a queue of %d", ErrBlockTooLarge, b.MaxPacketCount, q.Size())
	}
	base, err := q.TryReserve(uint64(b.MaxPacketCount))
	if err != nil {
		// The execution is the only producer while in flight, so the slot
		// this kernel was dispatched from is free for the continuation.
		pkt, err := q.TryReserve(1)
		if err != nil {
			return fmt.Errorf("%w: no room for the issue continuation", ErrBlockTooLarge)
		}
		if err := ex.emplaceIssueBlock(pkt, ordinal); err != nil {
			return err
		}
		q.RingDoorbell(pkt)
		return nil
	}

	ex.acquireQueries(b)
	if err := ex.issueCommands(b, base); err != nil {
		return err
	}
	first, end := b.slack()
	for p := first; p < end; p++ {
		s.emitNoop(base+uint64(p), aql.NullSignal)
	}
	q.RingDoorbell(base + uint64(b.MaxPacketCount) - 1)
	return nil
}

// acquireQueries reserves the block's query ids. A full ring leaves the
// block untraced.
func (ex *execution) acquireQueries(b *Block) {
	ex.traced = false
	n := b.QueryMap.count(ex.flags)
	if n == 0 {
		return
	}
	base, err := ex.sched.queries.Acquire(n)
	if err != nil {
		return
	}
	ex.queryBase = base
	ex.traced = true
	ex.sched.trace.Emit(TraceEvent{Kind: TraceExecutionBatch, QueryID: base, Count: n, Executor: ex.ordinal})
}

func (ex *execution) issueCommands(b *Block, base uint64) error {
	workers := ex.sched.dev.opts.issueWorkers
	n := len(b.Commands)
	if workers <= 1 || n < 2 {
		for i, c := range b.Commands {
			if err := ex.issueCommand(b, base, i, c); err != nil {
				return err
			}
		}
		return nil
	}

	workers = min(workers, n)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first error
	)
	for w := range workers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < n; i += workers {
				if err := ex.issueCommand(b, base, i, b.Commands[i]); err != nil {
					mu.Lock()
					if first == nil {
						first = err
					}
					mu.Unlock()
					return
				}
			}
		}(w)
	}
	wg.Wait()
	return first
}

// header applies the packet header policy to a command's packet.
func (ex *execution) header(t aql.PacketType, h *CommandHeader) aql.Header {
	barrier := h.Flags&CommandQueueAwaitBarrier != 0 || ex.flags&ExecutionSerialize != 0
	acquire, release := aql.FenceScopeAgent, aql.FenceScopeAgent
	if h.Flags&CommandFenceAcquireSystem != 0 {
		acquire = aql.FenceScopeSystem
	}
	if h.Flags&CommandFenceReleaseSystem != 0 {
		release = aql.FenceScopeSystem
	}
	return aql.MakeHeader(t, barrier, acquire, release)
}

// querySignal returns the completion signal timing command i, if traced.
func (ex *execution) querySignal(b *Block, i int) (aql.SignalHandle, uint64) {
	if !ex.traced {
		return aql.NullSignal, 0
	}
	id := b.QueryMap.id(ex.flags, i)
	if id == InvalidQueryID {
		return aql.NullSignal, 0
	}
	q := ex.queryBase + uint64(id)
	return ex.sched.queries.Signal(q), q
}

func (ex *execution) event(e uint32) (aql.SignalHandle, error) {
	if int(e) >= len(ex.events) {
		return aql.NullSignal, fmt.Errorf("%w: event %d of %d", ErrInvalidCommand, e, len(ex.events))
	}
	return ex.events[e], nil
}

func (ex *execution) issueCommand(b *Block, base uint64, i int, cmd Command) error {
	s := ex.sched
	h := cmd.Header()
	pkt := base + uint64(h.PacketOffset)
	completion, queryID := ex.querySignal(b, i)

	switch c := cmd.(type) {
	case *DebugGroupBeginCommand:
		if completion != aql.NullSignal {
			s.trace.Emit(TraceEvent{Kind: TraceZoneBegin, QueryID: queryID, Label: c.Label, Color: c.Color, Executor: ex.ordinal})
		}
		marker := aql.MakeHeader(aql.PacketTypeBarrierAnd, ex.header(aql.PacketTypeBarrierAnd, h).Barrier(), aql.FenceScopeNone, aql.FenceScopeNone)
		s.emitBarrier(pkt, marker, [5]aql.SignalHandle{}, completion)
	case *DebugGroupEndCommand:
		if completion != aql.NullSignal {
			s.trace.Emit(TraceEvent{Kind: TraceZoneEnd, QueryID: queryID, Executor: ex.ordinal})
		}
		marker := aql.MakeHeader(aql.PacketTypeBarrierAnd, ex.header(aql.PacketTypeBarrierAnd, h).Barrier(), aql.FenceScopeNone, aql.FenceScopeNone)
		s.emitBarrier(pkt, marker, [5]aql.SignalHandle{}, completion)
	case *BarrierCommand:
		hdr := ex.header(aql.PacketTypeBarrierAnd, h)
		s.emitBarrier(pkt, aql.MakeHeader(aql.PacketTypeBarrierAnd, true, hdr.AcquireFenceScope(), hdr.ReleaseFenceScope()), [5]aql.SignalHandle{}, aql.NullSignal)
	case *SignalEventCommand:
		ev, err := ex.event(c.Event)
		if err != nil {
			return err
		}
		s.emitBarrier(pkt, ex.header(aql.PacketTypeBarrierAnd, h), [5]aql.SignalHandle{}, ev)
	case *ResetEventCommand:
		ev, err := ex.event(c.Event)
		if err != nil {
			return err
		}
		args := ex.kernargs + uint64(c.KernargOffset)
		if err := writeKernargs(s.dev.memory, args, uint64(ev)); err != nil {
			return err
		}
		s.emitDispatch(pkt, ex.header(aql.PacketTypeKernelDispatch, h), &s.dev.builtins.EventReset, [3]uint32{1, 1, 1}, args, aql.NullSignal)
	case *WaitEventsCommand:
		hdr := ex.header(aql.PacketTypeBarrierAnd, h)
		for p := range PacketCount(c) {
			var deps [5]aql.SignalHandle
			for j := range deps {
				k := p*waitEventsPerPacket + j
				if k >= len(c.Events) {
					break
				}
				ev, err := ex.event(c.Events[k])
				if err != nil {
					return err
				}
				deps[j] = ev
			}
			s.emitBarrier(pkt+uint64(p), hdr, deps, aql.NullSignal)
		}
	case *FillBufferCommand:
		target, length, err := ResolveBufferRef(c.Target, ex.bindings, s.dev.handles)
		if err != nil {
			return err
		}
		args := ex.kernargs + uint64(c.KernargOffset)
		return s.emitFill(pkt, ex.header(aql.PacketTypeKernelDispatch, h), args, target, length, c.Pattern, c.PatternLength, completion)
	case *CopyBufferCommand:
		source, sl, err := ResolveBufferRef(c.Source, ex.bindings, s.dev.handles)
		if err != nil {
			return err
		}
		target, tl, err := ResolveBufferRef(c.Target, ex.bindings, s.dev.handles)
		if err != nil {
			return err
		}
		args := ex.kernargs + uint64(c.KernargOffset)
		return s.emitCopy(pkt, ex.header(aql.PacketTypeKernelDispatch, h), args, source, target, min(sl, tl), completion)
	case *DispatchCommand:
		return ex.issueDispatch(pkt, c, completion)
	case *BranchCommand:
		if int(c.TargetBlock) >= len(ex.cb.Blocks) {
			return fmt.Errorf("%w: branch to block %d of %d", ErrInvalidCommand, c.TargetBlock, len(ex.cb.Blocks))
		}
		return ex.emplaceIssueBlock(pkt, c.TargetBlock)
	case *ReturnCommand:
		args := ex.control + controlReturnOffset
		if err := writeKernargs(s.dev.memory, args, s.handle, uint64(ex.ordinal)); err != nil {
			return err
		}
		hdr := ex.header(aql.PacketTypeKernelDispatch, h)
		hdr = aql.MakeHeader(aql.PacketTypeKernelDispatch, true, hdr.AcquireFenceScope(), hdr.ReleaseFenceScope())
		s.emitDispatch(pkt, hdr, &s.dev.builtins.CommandBufferReturn, [3]uint32{1, 1, 1}, args, aql.NullSignal)
	default:
		return fmt.Errorf("%w: %T", ErrInvalidCommand, cmd)
	}
	return nil
}

// issueDispatch writes a dispatch's kernargs and packets. An indirect
// dynamic dispatch takes two packets: the workgroup count update at pkt
// and the dispatch itself at pkt+1, left INVALID for the update to commit.
func (ex *execution) issueDispatch(pkt uint64, c *DispatchCommand, completion aql.SignalHandle) error {
	s := ex.sched
	m := s.dev.memory
	dynamic := c.Flags&DispatchIndirectDynamic != 0
	args := ex.kernargs + uint64(c.KernargOffset)
	if dynamic {
		args += indirectDynamicPrefix
	}
	if size := uint64(8*len(c.Bindings) + 4*len(c.Constants)); size > 0 {
		buf, err := m.Bytes(args, size)
		if err != nil {
			return err
		}
		for j, ref := range c.Bindings {
			addr, _, err := ResolveBufferRef(ref, ex.bindings, s.dev.handles)
			if err != nil {
				return err
			}
			le.PutUint64(buf[8*j:], addr)
		}
		for j, v := range c.Constants {
			le.PutUint32(buf[8*len(c.Bindings)+4*j:], v)
		}
	}

	h := ex.header(aql.PacketTypeKernelDispatch, c.Header())
	grid := c.GridSize
	switch {
	case dynamic:
		workgroups, _, err := ResolveBufferRef(c.Workgroups, ex.bindings, s.dev.handles)
		if err != nil {
			return err
		}
		if workgroups == 0 {
			return fmt.Errorf("%w: null workgroup count", ErrInvalidBufferRef)
		}
		kd := c.Kernel.dispatch([3]uint32{}, args, completion)
		s.execQueue.Packet(pkt + 1).FillKernelDispatch(&kd)
		word := uint32(h) | uint32(c.Kernel.Setup)<<16
		update := ex.kernargs + uint64(c.KernargOffset)
		if err := writeKernargs(m, update, workgroups, pkt+1, uint64(word)); err != nil {
			return err
		}
		s.emitDispatch(pkt, h, &s.dev.builtins.WorkgroupCountUpdate, [3]uint32{1, 1, 1}, update, aql.NullSignal)
		return nil
	case c.Flags&DispatchIndirectStatic != 0:
		workgroups, _, err := ResolveBufferRef(c.Workgroups, ex.bindings, s.dev.handles)
		if err != nil {
			return err
		}
		for i := range grid {
			v, err := m.ReadUint32(workgroups + 4*uint64(i))
			if err != nil {
				return err
			}
			grid[i] = v
		}
	}
	s.emitDispatch(pkt, h, &c.Kernel, grid, args, completion)
	return nil
}
