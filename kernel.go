// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"encoding/binary"
	"fmt"

	"code.hybscloud.com/devq/aql"
)

// KernelArgsSize is the wire size of [KernelArgs].
const KernelArgsSize = 40

// KernelArgs describes how to dispatch a kernel object.
type KernelArgs struct {
	KernelObject       uint64
	Setup              uint16
	WorkgroupSize      [3]uint16
	PrivateSegmentSize uint32
	GroupSegmentSize   uint32
	KernargSize        uint16
	TraceSrcLoc        uint64
}

// MarshalBinary encodes the 40-byte wire form.
func (k KernelArgs) MarshalBinary() ([]byte, error) {
	b := make([]byte, KernelArgsSize)
	k.put(b)
	return b, nil
}

func (k KernelArgs) put(b []byte) {
	le := binary.LittleEndian
	le.PutUint64(b[0:], k.KernelObject)
	le.PutUint16(b[8:], k.Setup)
	for i, v := range k.WorkgroupSize {
		le.PutUint16(b[10+2*i:], v)
	}
	le.PutUint32(b[16:], k.PrivateSegmentSize)
	le.PutUint32(b[20:], k.GroupSegmentSize)
	le.PutUint16(b[24:], k.KernargSize)
	le.PutUint16(b[26:], 0)
	le.PutUint32(b[28:], 0)
	le.PutUint64(b[32:], k.TraceSrcLoc)
}

// UnmarshalBinary decodes the 40-byte wire form.
func (k *KernelArgs) UnmarshalBinary(b []byte) error {
	if len(b) < KernelArgsSize {
		return fmt.Errorf("%w: short kernel args (%d bytes)", ErrInvalidCommand, len(b))
	}
	le := binary.LittleEndian
	k.KernelObject = le.Uint64(b[0:])
	k.Setup = le.Uint16(b[8:])
	for i := range k.WorkgroupSize {
		k.WorkgroupSize[i] = le.Uint16(b[10+2*i:])
	}
	k.PrivateSegmentSize = le.Uint32(b[16:])
	k.GroupSegmentSize = le.Uint32(b[20:])
	k.KernargSize = le.Uint16(b[24:])
	k.TraceSrcLoc = le.Uint64(b[32:])
	return nil
}

// dispatch fills a kernel dispatch packet body for k.
func (k *KernelArgs) dispatch(grid [3]uint32, kernargs uint64, completion aql.SignalHandle) aql.KernelDispatch {
	return aql.KernelDispatch{
		Setup:              k.Setup,
		WorkgroupSize:      k.WorkgroupSize,
		GridSize:           grid,
		PrivateSegmentSize: k.PrivateSegmentSize,
		GroupSegmentSize:   k.GroupSegmentSize,
		KernelObject:       k.KernelObject,
		KernargAddress:     kernargs,
		CompletionSignal:   completion,
	}
}

// Blit widths in bytes per work item.
var (
	fillWidths = [...]uint64{1, 2, 4, 8}
	copyWidths = [...]uint64{1, 2, 4, 8, 64}
)

// Kernels is the table of builtin kernels every device registers.
type Kernels struct {
	SchedulerTick        KernelArgs
	IssueBlock           KernelArgs
	WorkgroupCountUpdate KernelArgs
	Retire               KernelArgs
	CommandBufferReturn  KernelArgs
	EventReset           KernelArgs
	// Fill is indexed like fillWidths: x1, x2, x4, x8.
	Fill [len(fillWidths)]KernelArgs
	// Copy is indexed like copyWidths: x1, x2, x4, x8, x64.
	Copy [len(copyWidths)]KernelArgs
}

// fillKernel selects the fill variant for a pattern length.
func (k *Kernels) fillKernel(patternLength uint64) (*KernelArgs, bool) {
	for i, w := range fillWidths {
		if w == patternLength {
			return &k.Fill[i], true
		}
	}
	return nil, false
}

// copyKernel selects the widest copy variant dividing every operand.
func (k *Kernels) copyKernel(source, target, length uint64) (*KernelArgs, uint64) {
	for i := len(copyWidths) - 1; i > 0; i-- {
		w := copyWidths[i]
		if source%w == 0 && target%w == 0 && length%w == 0 {
			return &k.Copy[i], w
		}
	}
	return &k.Copy[0], 1
}

// kernargRing is per-packet kernarg storage for a queue. It has twice as
// many records as the queue has slots: a kernel may still be reading its
// record when the slot it was dispatched from is reused.
type kernargRing struct {
	base uint64
	mask uint64
}

// kernargRecordSize bounds the kernargs of ring-dispatched kernels.
const kernargRecordSize = 64

func newKernargRing(m *Memory, queueSize uint64) (kernargRing, error) {
	n := queueSize * 2
	base, err := m.Alloc(n*kernargRecordSize, kernargRecordSize)
	if err != nil {
		return kernargRing{}, err
	}
	return kernargRing{base: base, mask: n - 1}, nil
}

func (r kernargRing) address(index uint64) uint64 {
	return r.base + (index&r.mask)*kernargRecordSize
}

// writeKernargs stores words at addr.
func writeKernargs(m *Memory, addr uint64, words ...uint64) error {
	b, err := m.Bytes(addr, uint64(len(words))*8)
	if err != nil {
		return err
	}
	for i, w := range words {
		binary.LittleEndian.PutUint64(b[8*i:], w)
	}
	return nil
}

// readKernargs loads n words from addr.
func readKernargs(m *Memory, addr uint64, n int) ([]uint64, error) {
	b, err := m.Bytes(addr, uint64(n)*8)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[8*i:])
	}
	return out, nil
}

// registerBuiltins registers the builtin kernels against d.
func (d *Device) registerBuiltins() {
	one := [3]uint16{1, 1, 1}
	reg := func(name string, fn aql.KernelFunc, kernargSize uint16) KernelArgs {
		return KernelArgs{
			KernelObject:  d.kernels.Register(name, fn),
			Setup:         3,
			WorkgroupSize: one,
			KernargSize:   kernargSize,
		}
	}
	k := &d.builtins
	k.SchedulerTick = reg("scheduler_tick", d.schedulerTickKernel, 24)
	k.IssueBlock = reg("issue_block", d.issueBlockKernel, 24)
	k.WorkgroupCountUpdate = reg("workgroup_count_update", d.workgroupCountUpdateKernel, 24)
	k.Retire = reg("retire", d.retireKernel, 16)
	k.CommandBufferReturn = reg("command_buffer_return", d.commandBufferReturnKernel, 16)
	k.EventReset = reg("event_reset", d.eventResetKernel, 8)
	for i, w := range fillWidths {
		k.Fill[i] = reg(fmt.Sprintf("fill_x%d", w), d.fillKernel(w), 24)
		k.Fill[i].WorkgroupSize = [3]uint16{64, 1, 1}
	}
	for i, w := range copyWidths {
		k.Copy[i] = reg(fmt.Sprintf("copy_x%d", w), d.copyKernel(w), 24)
		k.Copy[i].WorkgroupSize = [3]uint16{64, 1, 1}
	}
}

func (d *Device) kernargs(ctx *aql.DispatchContext, n int) ([]uint64, error) {
	return readKernargs(d.memory, ctx.Packet.KernargAddress, n)
}

func (d *Device) schedulerTickKernel(ctx *aql.DispatchContext) error {
	args, err := d.kernargs(ctx, 3)
	if err != nil {
		return err
	}
	s := d.scheduler(args[0])
	if s == nil {
		return fmt.Errorf("%w: scheduler %d", ErrInvalidEntry, args[0])
	}
	s.tick(tickReason(args[1]), args[2])
	return nil
}

func (d *Device) issueBlockKernel(ctx *aql.DispatchContext) error {
	args, err := d.kernargs(ctx, 3)
	if err != nil {
		return err
	}
	s := d.scheduler(args[0])
	if s == nil {
		return fmt.Errorf("%w: scheduler %d", ErrInvalidEntry, args[0])
	}
	s.issueBlock(uint32(args[1]), uint32(args[2]))
	return nil
}

// workgroupCountUpdateKernel reads the workgroup count of an indirect
// dispatch, patches the grid of the dispatch packet and publishes it.
// Kernargs: [workgroups ptr, dispatch packet index, header word].
func (d *Device) workgroupCountUpdateKernel(ctx *aql.DispatchContext) error {
	args, err := d.kernargs(ctx, 3)
	if err != nil {
		return err
	}
	var grid [3]uint32
	for i := range grid {
		v, err := d.memory.ReadUint32(args[0] + 4*uint64(i))
		if err != nil {
			return err
		}
		grid[i] = v
	}
	slot := ctx.Queue.Packet(args[1])
	slot.SetGridSize(grid)
	word := uint32(args[2])
	slot.Commit(aql.Header(word), uint16(word>>16))
	return nil
}

func (d *Device) retireKernel(ctx *aql.DispatchContext) error {
	args, err := d.kernargs(ctx, 2)
	if err != nil {
		return err
	}
	s := d.scheduler(args[0])
	if s == nil {
		return fmt.Errorf("%w: scheduler %d", ErrInvalidEntry, args[0])
	}
	s.retire(int32(args[1]))
	return nil
}

func (d *Device) commandBufferReturnKernel(ctx *aql.DispatchContext) error {
	args, err := d.kernargs(ctx, 2)
	if err != nil {
		return err
	}
	s := d.scheduler(args[0])
	if s == nil {
		return fmt.Errorf("%w: scheduler %d", ErrInvalidEntry, args[0])
	}
	s.commandBufferReturned(uint32(args[1]))
	return nil
}

func (d *Device) eventResetKernel(ctx *aql.DispatchContext) error {
	args, err := d.kernargs(ctx, 1)
	if err != nil {
		return err
	}
	sig := d.signals.Get(aql.SignalHandle(args[0]))
	if sig == nil {
		return fmt.Errorf("%w: event signal %d", ErrInvalidCommand, args[0])
	}
	sig.Store(1)
	return nil
}

// fillKernel returns the body of fill_x<width>.
// Kernargs: [target, length, pattern].
func (d *Device) fillKernel(width uint64) aql.KernelFunc {
	return func(ctx *aql.DispatchContext) error {
		args, err := d.kernargs(ctx, 3)
		if err != nil {
			return err
		}
		target, length, pattern := args[0], args[1], args[2]
		b, err := d.memory.Bytes(target, length)
		if err != nil {
			return err
		}
		var p [8]byte
		binary.LittleEndian.PutUint64(p[:], pattern)
		for off := uint64(0); off+width <= length; off += width {
			copy(b[off:off+width], p[:width])
		}
		return nil
	}
}

// copyKernel returns the body of copy_x<width>.
// Kernargs: [source, target, length].
func (d *Device) copyKernel(width uint64) aql.KernelFunc {
	return func(ctx *aql.DispatchContext) error {
		args, err := d.kernargs(ctx, 3)
		if err != nil {
			return err
		}
		source, target, length := args[0], args[1], args[2]
		if length%width != 0 {
			return fmt.Errorf("%w: copy_x%d of %d bytes", ErrInvalidCommand, width, length)
		}
		src, err := d.memory.Bytes(source, length)
		if err != nil {
			return err
		}
		dst, err := d.memory.Bytes(target, length)
		if err != nil {
			return err
		}
		copy(dst, src)
		return nil
	}
}
