// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"encoding/binary"
	"fmt"
)

// CommandType is the discriminant of a recorded command.
type CommandType uint8

const (
	CommandDebugGroupBegin CommandType = iota
	CommandDebugGroupEnd
	CommandBarrier
	CommandSignalEvent
	CommandResetEvent
	CommandWaitEvents
	CommandFillBuffer
	CommandCopyBuffer
	CommandDispatch
	CommandDispatchIndirectDynamic
	CommandBranch
	CommandReturn
)

var commandTypeNames = [...]string{
	CommandDebugGroupBegin:         "debug_group_begin",
	CommandDebugGroupEnd:           "debug_group_end",
	CommandBarrier:                 "barrier",
	CommandSignalEvent:             "signal_event",
	CommandResetEvent:              "reset_event",
	CommandWaitEvents:              "wait_events",
	CommandFillBuffer:              "fill_buffer",
	CommandCopyBuffer:              "copy_buffer",
	CommandDispatch:                "dispatch",
	CommandDispatchIndirectDynamic: "dispatch_indirect_dynamic",
	CommandBranch:                  "branch",
	CommandReturn:                  "return",
}

func (t CommandType) String() string {
	if int(t) < len(commandTypeNames) {
		return commandTypeNames[t]
	}
	return fmt.Sprintf("CommandType(%d)", uint8(t))
}

// CommandFlags adjust the packet header policy of one command.
type CommandFlags uint8

const (
	// CommandQueueAwaitBarrier sets the barrier bit on the command's packets.
	CommandQueueAwaitBarrier CommandFlags = 1 << 0
	// CommandFenceAcquireSystem widens the acquire fence to system scope.
	CommandFenceAcquireSystem CommandFlags = 1 << 1
	// CommandFenceReleaseSystem widens the release fence to system scope.
	CommandFenceReleaseSystem CommandFlags = 1 << 2
)

// CommandSize is the wire size of every command.
const CommandSize = 64

// CommandHeader is shared by every command.
type CommandHeader struct {
	Type         CommandType
	Flags        CommandFlags
	PacketOffset uint16
}

// Header returns the command header; it makes every command type that
// embeds CommandHeader a [Command].
func (h *CommandHeader) Header() *CommandHeader { return h }

// Command is one recorded command of a block.
type Command interface {
	Header() *CommandHeader
}

// DebugGroupBeginCommand opens a labeled trace zone.
type DebugGroupBeginCommand struct {
	CommandHeader
	SrcLoc uint64
	Label  string
	Color  uint32
}

// DebugGroupEndCommand closes the innermost trace zone.
type DebugGroupEndCommand struct {
	CommandHeader
}

// BarrierCommand orders every later packet after every earlier one.
type BarrierCommand struct {
	CommandHeader
}

// SignalEventCommand signals an execution event once prior work completes.
type SignalEventCommand struct {
	CommandHeader
	Event uint32
}

// ResetEventCommand rearms an execution event.
type ResetEventCommand struct {
	CommandHeader
	KernargOffset uint32
	Event         uint32
}

// WaitEventsCommand blocks later packets until every event is signaled.
type WaitEventsCommand struct {
	CommandHeader
	Events []uint32
}

// FillBufferCommand fills Target with a 1, 2, 4 or 8 byte pattern.
type FillBufferCommand struct {
	CommandHeader
	KernargOffset uint32
	Target        BufferRef
	Pattern       uint64
	PatternLength uint8
}

// CopyBufferCommand copies Source into Target.
type CopyBufferCommand struct {
	CommandHeader
	KernargOffset uint32
	Source        BufferRef
	Target        BufferRef
}

// DispatchFlags select how a dispatch finds its workgroup count.
type DispatchFlags uint16

const (
	// DispatchIndirectStatic reads the workgroup count from Workgroups when
	// the block is issued.
	DispatchIndirectStatic DispatchFlags = 1 << 0
	// DispatchIndirectDynamic reads the workgroup count from Workgroups
	// right before the dispatch runs.
	DispatchIndirectDynamic DispatchFlags = 1 << 1
)

// DispatchCommand dispatches a kernel. Its kernargs are the resolved
// bindings (8 bytes each) followed by the constants (4 bytes each).
type DispatchCommand struct {
	CommandHeader
	KernargOffset uint32
	Kernel        KernelArgs
	Flags         DispatchFlags
	GridSize      [3]uint32
	Workgroups    BufferRef
	Bindings      []BufferRef
	Constants     []uint32
}

// BranchCommand continues execution at another block.
type BranchCommand struct {
	CommandHeader
	TargetBlock uint32
}

// ReturnCommand ends the execution.
type ReturnCommand struct {
	CommandHeader
}

// waitEventsPerPacket is the number of dependencies of a barrier packet.
const waitEventsPerPacket = 5

// PacketCount returns how many AQL packets cmd issues.
func PacketCount(cmd Command) int {
	switch c := cmd.(type) {
	case *WaitEventsCommand:
		n := (len(c.Events) + waitEventsPerPacket - 1) / waitEventsPerPacket
		return max(n, 1)
	case *DispatchCommand:
		if c.Flags&DispatchIndirectDynamic != 0 {
			return 2
		}
	}
	return 1
}

// Command wire layout. Bytes 0-3 hold the header:
// type u8, flags u8, packet offset u16. Variable-length parts (labels,
// kernel args, bindings, constants, long event lists) live in the block's
// embedded data and are referenced by offset.
const (
	waitEventsInline = (CommandSize - 8) / 4

	cmdKernargOffset = 4
)

var le = binary.LittleEndian

func putHeader(dst []byte, h *CommandHeader) {
	dst[0] = byte(h.Type)
	dst[1] = byte(h.Flags)
	le.PutUint16(dst[2:], h.PacketOffset)
}

func spill(data *[]byte, b []byte) uint32 {
	for len(*data)%8 != 0 {
		*data = append(*data, 0)
	}
	off := uint32(len(*data))
	*data = append(*data, b...)
	return off
}

// EncodeCommand writes the 64-byte form of cmd into dst, appending its
// variable-length parts to data.
func EncodeCommand(dst []byte, cmd Command, data *[]byte) error {
	if len(dst) < CommandSize {
		return fmt.Errorf("%w: short command slot (%d bytes)", ErrInvalidCommand, len(dst))
	}
	clear(dst[:CommandSize])
	putHeader(dst, cmd.Header())
	switch c := cmd.(type) {
	case *DebugGroupBeginCommand:
		le.PutUint64(dst[8:], c.SrcLoc)
		le.PutUint32(dst[16:], spill(data, []byte(c.Label)))
		le.PutUint32(dst[20:], uint32(len(c.Label)))
		le.PutUint32(dst[24:], c.Color)
	case *DebugGroupEndCommand, *BarrierCommand, *ReturnCommand:
	case *SignalEventCommand:
		le.PutUint32(dst[4:], c.Event)
	case *ResetEventCommand:
		le.PutUint32(dst[cmdKernargOffset:], c.KernargOffset)
		le.PutUint32(dst[8:], c.Event)
	case *WaitEventsCommand:
		le.PutUint32(dst[4:], uint32(len(c.Events)))
		if len(c.Events) <= waitEventsInline {
			for i, e := range c.Events {
				le.PutUint32(dst[8+4*i:], e)
			}
			break
		}
		b := make([]byte, 4*len(c.Events))
		for i, e := range c.Events {
			le.PutUint32(b[4*i:], e)
		}
		le.PutUint32(dst[8:], spill(data, b))
	case *FillBufferCommand:
		le.PutUint32(dst[cmdKernargOffset:], c.KernargOffset)
		dst[8] = c.PatternLength
		if _, err := c.Target.MarshalBinary(); err != nil {
			return err
		}
		c.Target.put(dst[16:])
		le.PutUint64(dst[40:], c.Pattern)
	case *CopyBufferCommand:
		le.PutUint32(dst[cmdKernargOffset:], c.KernargOffset)
		src, err := c.Source.MarshalBinary()
		if err != nil {
			return err
		}
		dstRef, err := c.Target.MarshalBinary()
		if err != nil {
			return err
		}
		copy(dst[8:], src)
		copy(dst[32:], dstRef)
	case *DispatchCommand:
		if len(c.Bindings) > 0xFFFF || len(c.Constants) > 0xFFFF {
			return fmt.Errorf("%w: %d bindings, %d constants", ErrInvalidCommand, len(c.Bindings), len(c.Constants))
		}
		le.PutUint32(dst[cmdKernargOffset:], c.KernargOffset)
		le.PutUint16(dst[8:], uint16(c.Flags))
		le.PutUint16(dst[10:], c.Kernel.Setup)
		le.PutUint16(dst[12:], uint16(len(c.Constants)))
		le.PutUint16(dst[14:], uint16(len(c.Bindings)))
		kb, _ := c.Kernel.MarshalBinary()
		le.PutUint32(dst[16:], spill(data, kb))
		payload := make([]byte, BufferRefSize*len(c.Bindings)+4*len(c.Constants))
		for i, b := range c.Bindings {
			if _, err := b.MarshalBinary(); err != nil {
				return err
			}
			b.put(payload[BufferRefSize*i:])
		}
		for i, v := range c.Constants {
			le.PutUint32(payload[BufferRefSize*len(c.Bindings)+4*i:], v)
		}
		le.PutUint32(dst[20:], spill(data, payload))
		if c.Flags&(DispatchIndirectStatic|DispatchIndirectDynamic) != 0 {
			if _, err := c.Workgroups.MarshalBinary(); err != nil {
				return err
			}
			c.Workgroups.put(dst[40:])
		} else {
			for i, g := range c.GridSize {
				le.PutUint32(dst[24+4*i:], g)
			}
		}
	case *BranchCommand:
		le.PutUint32(dst[4:], c.TargetBlock)
	default:
		return fmt.Errorf("%w: %T", ErrInvalidCommand, cmd)
	}
	return nil
}

func embedded(data []byte, off, n uint32) ([]byte, error) {
	end := uint64(off) + uint64(n)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: embedded data [%d, +%d) of %d", ErrInvalidCommand, off, n, len(data))
	}
	return data[off:end], nil
}

// DecodeCommand parses a 64-byte command, resolving variable-length parts
// against the block's embedded data.
func DecodeCommand(src []byte, data []byte) (Command, error) {
	if len(src) < CommandSize {
		return nil, fmt.Errorf("%w: short command slot (%d bytes)", ErrInvalidCommand, len(src))
	}
	h := CommandHeader{
		Type:         CommandType(src[0]),
		Flags:        CommandFlags(src[1]),
		PacketOffset: le.Uint16(src[2:]),
	}
	switch h.Type {
	case CommandDebugGroupBegin:
		label, err := embedded(data, le.Uint32(src[16:]), le.Uint32(src[20:]))
		if err != nil {
			return nil, err
		}
		return &DebugGroupBeginCommand{CommandHeader: h, SrcLoc: le.Uint64(src[8:]), Label: string(label), Color: le.Uint32(src[24:])}, nil
	case CommandDebugGroupEnd:
		return &DebugGroupEndCommand{CommandHeader: h}, nil
	case CommandBarrier:
		return &BarrierCommand{CommandHeader: h}, nil
	case CommandSignalEvent:
		return &SignalEventCommand{CommandHeader: h, Event: le.Uint32(src[4:])}, nil
	case CommandResetEvent:
		return &ResetEventCommand{CommandHeader: h, KernargOffset: le.Uint32(src[cmdKernargOffset:]), Event: le.Uint32(src[8:])}, nil
	case CommandWaitEvents:
		n := le.Uint32(src[4:])
		raw := src[8:]
		if n > waitEventsInline {
			b, err := embedded(data, le.Uint32(src[8:]), 4*n)
			if err != nil {
				return nil, err
			}
			raw = b
		}
		c := &WaitEventsCommand{CommandHeader: h, Events: make([]uint32, n)}
		for i := range c.Events {
			c.Events[i] = le.Uint32(raw[4*i:])
		}
		return c, nil
	case CommandFillBuffer:
		c := &FillBufferCommand{CommandHeader: h, KernargOffset: le.Uint32(src[cmdKernargOffset:]), PatternLength: src[8], Pattern: le.Uint64(src[40:])}
		if err := c.Target.UnmarshalBinary(src[16:40]); err != nil {
			return nil, err
		}
		return c, nil
	case CommandCopyBuffer:
		c := &CopyBufferCommand{CommandHeader: h, KernargOffset: le.Uint32(src[cmdKernargOffset:])}
		if err := c.Source.UnmarshalBinary(src[8:32]); err != nil {
			return nil, err
		}
		if err := c.Target.UnmarshalBinary(src[32:56]); err != nil {
			return nil, err
		}
		return c, nil
	case CommandDispatch, CommandDispatchIndirectDynamic:
		c := &DispatchCommand{CommandHeader: h, KernargOffset: le.Uint32(src[cmdKernargOffset:]), Flags: DispatchFlags(le.Uint16(src[8:]))}
		constants, bindings := le.Uint16(src[12:]), le.Uint16(src[14:])
		kb, err := embedded(data, le.Uint32(src[16:]), KernelArgsSize)
		if err != nil {
			return nil, err
		}
		if err := c.Kernel.UnmarshalBinary(kb); err != nil {
			return nil, err
		}
		payload, err := embedded(data, le.Uint32(src[20:]), uint32(BufferRefSize)*uint32(bindings)+4*uint32(constants))
		if err != nil {
			return nil, err
		}
		if bindings > 0 {
			c.Bindings = make([]BufferRef, bindings)
			for i := range c.Bindings {
				if err := c.Bindings[i].UnmarshalBinary(payload[BufferRefSize*i:]); err != nil {
					return nil, err
				}
			}
		}
		if constants > 0 {
			c.Constants = make([]uint32, constants)
			for i := range c.Constants {
				c.Constants[i] = le.Uint32(payload[BufferRefSize*int(bindings)+4*i:])
			}
		}
		if c.Flags&(DispatchIndirectStatic|DispatchIndirectDynamic) != 0 {
			if err := c.Workgroups.UnmarshalBinary(src[40:64]); err != nil {
				return nil, err
			}
		} else {
			for i := range c.GridSize {
				c.GridSize[i] = le.Uint32(src[24+4*i:])
			}
		}
		return c, nil
	case CommandBranch:
		return &BranchCommand{CommandHeader: h, TargetBlock: le.Uint32(src[4:])}, nil
	case CommandReturn:
		return &ReturnCommand{CommandHeader: h}, nil
	}
	return nil, fmt.Errorf("%w: type %d", ErrInvalidCommand, src[0])
}
