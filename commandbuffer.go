// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"fmt"
	"slices"
)

// InvalidQueryID marks a command that is not traced in a mode.
const InvalidQueryID = 0xFFFF

// QueryMap assigns block-relative query ids to traced commands.
//
// Control ids cover debug group markers only. Dispatch ids cover every
// command that produces timed work: debug groups, dispatches, fills and
// copies. Ids are dense so a block acquires exactly ControlCount or
// DispatchCount queries from the ring.
type QueryMap struct {
	ControlCount  uint16
	DispatchCount uint16
	Control       []uint16
	Dispatch      []uint16
}

// count returns the ids a block needs under flags.
func (m *QueryMap) count(flags ExecutionFlags) uint32 {
	switch {
	case flags&ExecutionTraceDispatch == ExecutionTraceDispatch:
		return uint32(m.DispatchCount)
	case flags&ExecutionTraceControl == ExecutionTraceControl:
		return uint32(m.ControlCount)
	}
	return 0
}

// id returns the relative query id of command i under flags.
func (m *QueryMap) id(flags ExecutionFlags, i int) uint16 {
	switch {
	case flags&ExecutionTraceDispatch == ExecutionTraceDispatch:
		return m.Dispatch[i]
	case flags&ExecutionTraceControl == ExecutionTraceControl:
		return m.Control[i]
	}
	return InvalidQueryID
}

// Block is an immutable, issue-ready list of commands.
// Blocks may be executed by several executions at once.
type Block struct {
	MaxPacketCount uint32
	Commands       []Command
	QueryMap       QueryMap
	EmbeddedData   []byte
	KernargSize    uint32
}

// slack returns the packet range [first, end) not used by any command.
// It sits right before the terminator.
func (b *Block) slack() (uint32, uint32) {
	n := uint32(0)
	for _, c := range b.Commands {
		n += uint32(PacketCount(c))
	}
	return n - 1, b.MaxPacketCount - 1
}

// blockHeaderSize is the fixed prefix of an encoded block.
const blockHeaderSize = 16

// MarshalBinary encodes the block:
// max_packet_count u32, command_count u32, kernarg_size u32,
// embedded_size u32, query map (two u16 counts then two u16 ids per
// command), commands (64 bytes each), embedded data.
func (b *Block) MarshalBinary() ([]byte, error) {
	n := len(b.Commands)
	qm := 4 + 4*n
	out := make([]byte, blockHeaderSize+qm+CommandSize*n, blockHeaderSize+qm+CommandSize*n+len(b.EmbeddedData))
	le.PutUint32(out[0:], b.MaxPacketCount)
	le.PutUint32(out[4:], uint32(n))
	le.PutUint32(out[8:], b.KernargSize)
	le.PutUint32(out[12:], uint32(len(b.EmbeddedData)))
	q := out[blockHeaderSize:]
	le.PutUint16(q[0:], b.QueryMap.ControlCount)
	le.PutUint16(q[2:], b.QueryMap.DispatchCount)
	for i := range n {
		le.PutUint16(q[4+4*i:], b.QueryMap.Control[i])
		le.PutUint16(q[6+4*i:], b.QueryMap.Dispatch[i])
	}
	// Spilled parts are already in EmbeddedData.
	data := make([]byte, 0, len(b.EmbeddedData))
	cmds := out[blockHeaderSize+qm:]
	for i, c := range b.Commands {
		if err := EncodeCommand(cmds[CommandSize*i:], c, &data); err != nil {
			return nil, err
		}
	}
	return append(out, b.EmbeddedData...), nil
}

// UnmarshalBinary decodes a block produced by MarshalBinary.
func (b *Block) UnmarshalBinary(p []byte) error {
	if len(p) < blockHeaderSize+4 {
		return fmt.Errorf("%w: short block (%d bytes)", ErrInvalidCommand, len(p))
	}
	n := int(le.Uint32(p[4:]))
	dataLen := int(le.Uint32(p[12:]))
	qm := 4 + 4*n
	want := blockHeaderSize + qm + CommandSize*n + dataLen
	if n < 0 || len(p) != want {
		return fmt.Errorf("%w: block is %d bytes, header describes %d", ErrInvalidCommand, len(p), want)
	}
	b.MaxPacketCount = le.Uint32(p[0:])
	b.KernargSize = le.Uint32(p[8:])
	q := p[blockHeaderSize:]
	b.QueryMap = QueryMap{
		ControlCount:  le.Uint16(q[0:]),
		DispatchCount: le.Uint16(q[2:]),
		Control:       make([]uint16, n),
		Dispatch:      make([]uint16, n),
	}
	for i := range n {
		b.QueryMap.Control[i] = le.Uint16(q[4+4*i:])
		b.QueryMap.Dispatch[i] = le.Uint16(q[6+4*i:])
	}
	cmds := p[blockHeaderSize+qm:]
	b.EmbeddedData = slices.Clone(p[blockHeaderSize+qm+CommandSize*n:])
	b.Commands = make([]Command, n)
	for i := range n {
		c, err := DecodeCommand(cmds[CommandSize*i:], b.EmbeddedData)
		if err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
		b.Commands[i] = c
	}
	return nil
}

// kernargAlignment is the alignment of every command's kernarg offset.
const kernargAlignment = 16

// indirectDynamicPrefix is the kernarg space of the workgroup count update
// kernel in front of an indirect dynamic dispatch's own kernargs.
const indirectDynamicPrefix = 24

// kernargBytes returns the kernarg space cmd needs, or zero.
func kernargBytes(cmd Command) uint32 {
	switch c := cmd.(type) {
	case *ResetEventCommand:
		return 8
	case *FillBufferCommand, *CopyBufferCommand:
		return 24
	case *DispatchCommand:
		n := uint32(8*len(c.Bindings) + 4*len(c.Constants))
		if c.Flags&DispatchIndirectDynamic != 0 {
			n += indirectDynamicPrefix
		}
		return n
	}
	return 0
}

// BlockBuilder records commands into a [Block].
//
// Build assigns packet offsets, kernarg offsets and query ids in recording
// order, so building the same commands always produces the same block.
// The builder takes ownership of appended commands.
//
// Example:
//
//	b, err := devq.NewBlockBuilder().
//	    Fill(devq.SlotRef(0, 0, devq.MaxLength), 0, 4).
//	    Barrier().
//	    Dispatch(kernel, [3]uint32{64, 1, 1}, []devq.BufferRef{devq.SlotRef(0, 0, devq.MaxLength)}, nil).
//	    Return().
//	    Build()
type BlockBuilder struct {
	cmds       []Command
	maxPackets uint32
}

// NewBlockBuilder creates an empty builder.
func NewBlockBuilder() *BlockBuilder {
	return &BlockBuilder{}
}

// Append records cmd as is. Type is derived from the command.
func (b *BlockBuilder) Append(cmd Command) *BlockBuilder {
	b.cmds = append(b.cmds, cmd)
	return b
}

// MaxPackets reserves at least n packets for the block; unused packets are
// issued as no-op barriers.
func (b *BlockBuilder) MaxPackets(n uint32) *BlockBuilder {
	b.maxPackets = n
	return b
}

// DebugGroupBegin opens a trace zone.
func (b *BlockBuilder) DebugGroupBegin(label string, color uint32) *BlockBuilder {
	return b.Append(&DebugGroupBeginCommand{Label: label, Color: color})
}

// DebugGroupEnd closes a trace zone.
func (b *BlockBuilder) DebugGroupEnd() *BlockBuilder {
	return b.Append(&DebugGroupEndCommand{})
}

// Barrier records an execution barrier.
func (b *BlockBuilder) Barrier() *BlockBuilder {
	return b.Append(&BarrierCommand{})
}

// SignalEvent records an event signal.
func (b *BlockBuilder) SignalEvent(event uint32) *BlockBuilder {
	return b.Append(&SignalEventCommand{Event: event})
}

// ResetEvent records an event reset.
func (b *BlockBuilder) ResetEvent(event uint32) *BlockBuilder {
	return b.Append(&ResetEventCommand{Event: event})
}

// WaitEvents records a wait on every listed event.
func (b *BlockBuilder) WaitEvents(events ...uint32) *BlockBuilder {
	return b.Append(&WaitEventsCommand{Events: events})
}

// Fill records a buffer fill.
func (b *BlockBuilder) Fill(target BufferRef, pattern uint64, patternLength uint8) *BlockBuilder {
	return b.Append(&FillBufferCommand{Target: target, Pattern: pattern, PatternLength: patternLength})
}

// Copy records a buffer copy.
func (b *BlockBuilder) Copy(source, target BufferRef) *BlockBuilder {
	return b.Append(&CopyBufferCommand{Source: source, Target: target})
}

// Dispatch records a direct dispatch.
func (b *BlockBuilder) Dispatch(kernel KernelArgs, grid [3]uint32, bindings []BufferRef, constants []uint32) *BlockBuilder {
	return b.Append(&DispatchCommand{Kernel: kernel, GridSize: grid, Bindings: bindings, Constants: constants})
}

// DispatchIndirect records a dispatch whose workgroup count is read from
// workgroups: at issue time, or right before the dispatch runs if dynamic.
func (b *BlockBuilder) DispatchIndirect(kernel KernelArgs, workgroups BufferRef, dynamic bool, bindings []BufferRef, constants []uint32) *BlockBuilder {
	flags := DispatchIndirectStatic
	if dynamic {
		flags = DispatchIndirectDynamic
	}
	return b.Append(&DispatchCommand{Kernel: kernel, Flags: flags, Workgroups: workgroups, Bindings: bindings, Constants: constants})
}

// Branch records a jump to another block.
func (b *BlockBuilder) Branch(target uint32) *BlockBuilder {
	return b.Append(&BranchCommand{TargetBlock: target})
}

// Return records the end of the command buffer.
func (b *BlockBuilder) Return() *BlockBuilder {
	return b.Append(&ReturnCommand{})
}

func commandType(cmd Command) (CommandType, error) {
	switch c := cmd.(type) {
	case *DebugGroupBeginCommand:
		return CommandDebugGroupBegin, nil
	case *DebugGroupEndCommand:
		return CommandDebugGroupEnd, nil
	case *BarrierCommand:
		return CommandBarrier, nil
	case *SignalEventCommand:
		return CommandSignalEvent, nil
	case *ResetEventCommand:
		return CommandResetEvent, nil
	case *WaitEventsCommand:
		return CommandWaitEvents, nil
	case *FillBufferCommand:
		return CommandFillBuffer, nil
	case *CopyBufferCommand:
		return CommandCopyBuffer, nil
	case *DispatchCommand:
		if c.Flags&DispatchIndirectDynamic != 0 {
			return CommandDispatchIndirectDynamic, nil
		}
		return CommandDispatch, nil
	case *BranchCommand:
		return CommandBranch, nil
	case *ReturnCommand:
		return CommandReturn, nil
	}
	return 0, fmt.Errorf("%w: %T", ErrInvalidCommand, cmd)
}

// Build lays out the recorded commands. The last command must be a Branch
// or a Return, and no other command may be one.
func (b *BlockBuilder) Build() (*Block, error) {
	n := len(b.cmds)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrInvalidCommand)
	}
	blk := &Block{
		Commands: b.cmds,
		QueryMap: QueryMap{Control: make([]uint16, n), Dispatch: make([]uint16, n)},
	}
	var packets, kernargs uint32
	for i, c := range b.cmds {
		t, err := commandType(c)
		if err != nil {
			return nil, err
		}
		terminator := t == CommandBranch || t == CommandReturn
		if terminator != (i == n-1) {
			return nil, fmt.Errorf("%w: block must end in exactly one branch or return (command %d is %s)", ErrInvalidCommand, i, t)
		}
		if packets > 0xFFFF {
			return nil, fmt.Errorf("%w: packet offset %d overflows", ErrInvalidCommand, packets)
		}
		h := c.Header()
		h.Type = t
		h.PacketOffset = uint16(packets)
		packets += uint32(PacketCount(c))

		if size := kernargBytes(c); size > 0 {
			off := (kernargs + kernargAlignment - 1) &^ (kernargAlignment - 1)
			switch c := c.(type) {
			case *ResetEventCommand:
				c.KernargOffset = off
			case *FillBufferCommand:
				c.KernargOffset = off
			case *CopyBufferCommand:
				c.KernargOffset = off
			case *DispatchCommand:
				c.KernargOffset = off
			}
			kernargs = off + size
		}

		qm := &blk.QueryMap
		qm.Control[i], qm.Dispatch[i] = InvalidQueryID, InvalidQueryID
		switch t {
		case CommandDebugGroupBegin, CommandDebugGroupEnd:
			qm.Control[i] = qm.ControlCount
			qm.ControlCount++
			qm.Dispatch[i] = qm.DispatchCount
			qm.DispatchCount++
		case CommandFillBuffer, CommandCopyBuffer, CommandDispatch, CommandDispatchIndirectDynamic:
			qm.Dispatch[i] = qm.DispatchCount
			qm.DispatchCount++
		}
	}
	blk.MaxPacketCount = max(packets, b.maxPackets)
	if blk.MaxPacketCount > 0xFFFF {
		return nil, fmt.Errorf("%w: %d packets", ErrInvalidCommand, blk.MaxPacketCount)
	}
	// The terminator always takes the last packet so that no slack follows
	// it on the queue.
	b.cmds[n-1].Header().PacketOffset = uint16(blk.MaxPacketCount - 1)
	blk.KernargSize = kernargs

	var data []byte
	var scratch [CommandSize]byte
	for _, c := range b.cmds {
		if err := EncodeCommand(scratch[:], c, &data); err != nil {
			return nil, err
		}
	}
	blk.EmbeddedData = data
	return blk, nil
}

// CommandBuffer is an immutable program of blocks. Execution starts at
// block 0.
type CommandBuffer struct {
	Blocks             []*Block
	EventCount         uint32
	MaxKernargCapacity uint32
}

// NewCommandBuffer validates blocks and derives the event count and the
// kernarg capacity an execution needs.
func NewCommandBuffer(blocks ...*Block) (*CommandBuffer, error) {
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no blocks", ErrInvalidCommand)
	}
	cb := &CommandBuffer{Blocks: blocks}
	event := func(e uint32) {
		cb.EventCount = max(cb.EventCount, e+1)
	}
	for i, b := range blocks {
		if b == nil || len(b.Commands) == 0 {
			return nil, fmt.Errorf("%w: block %d is empty", ErrInvalidCommand, i)
		}
		switch t := b.Commands[len(b.Commands)-1].(type) {
		case *BranchCommand:
			if int(t.TargetBlock) >= len(blocks) {
				return nil, fmt.Errorf("%w: block %d branches to %d of %d", ErrInvalidCommand, i, t.TargetBlock, len(blocks))
			}
		case *ReturnCommand:
		default:
			return nil, fmt.Errorf("%w: block %d does not end in a branch or return", ErrInvalidCommand, i)
		}
		for j, c := range b.Commands {
			if end := uint32(c.Header().PacketOffset) + uint32(PacketCount(c)); end > b.MaxPacketCount {
				return nil, fmt.Errorf("%w: block %d command %d ends at packet %d of %d", ErrInvalidCommand, i, j, end, b.MaxPacketCount)
			}
			switch c := c.(type) {
			case *SignalEventCommand:
				event(c.Event)
			case *ResetEventCommand:
				event(c.Event)
			case *WaitEventsCommand:
				for _, e := range c.Events {
					event(e)
				}
			}
		}
		cb.MaxKernargCapacity = max(cb.MaxKernargCapacity, b.KernargSize)
	}
	return cb, nil
}
