// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package aql

import (
	"encoding/binary"
	"fmt"

	"code.hybscloud.com/atomix"
)

// PacketSize is the size in bytes of every AQL packet slot.
const PacketSize = 64

// PacketType is the 8-bit packet type stored in the low byte of the header.
type PacketType uint8

const (
	PacketTypeVendorSpecific PacketType = 0
	PacketTypeInvalid        PacketType = 1
	PacketTypeKernelDispatch PacketType = 2
	PacketTypeBarrierAnd     PacketType = 3
	PacketTypeAgentDispatch  PacketType = 4
	PacketTypeBarrierOr      PacketType = 5
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeVendorSpecific:
		return "VENDOR_SPECIFIC"
	case PacketTypeInvalid:
		return "INVALID"
	case PacketTypeKernelDispatch:
		return "KERNEL_DISPATCH"
	case PacketTypeBarrierAnd:
		return "BARRIER_AND"
	case PacketTypeAgentDispatch:
		return "AGENT_DISPATCH"
	case PacketTypeBarrierOr:
		return "BARRIER_OR"
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// AMDFormatBarrierValue is the vendor format carried in the upper half of the
// header word of a vendor-specific barrier-value packet.
const AMDFormatBarrierValue = 2

// FenceScope is the memory scope of an acquire or release fence.
type FenceScope uint8

const (
	FenceScopeNone   FenceScope = 0
	FenceScopeAgent  FenceScope = 1
	FenceScopeSystem FenceScope = 2
)

// Header bit positions.
const (
	HeaderTypeShift              = 0
	HeaderBarrierShift           = 8
	HeaderAcquireFenceScopeShift = 9
	HeaderReleaseFenceScopeShift = 11

	headerTypeMask  = 0xFF
	headerScopeMask = 0x3
)

// Header is the 16-bit AQL packet header.
type Header uint16

// MakeHeader packs a packet header.
func MakeHeader(t PacketType, barrier bool, acquire, release FenceScope) Header {
	h := Header(t) << HeaderTypeShift
	if barrier {
		h |= 1 << HeaderBarrierShift
	}
	h |= Header(acquire&headerScopeMask) << HeaderAcquireFenceScopeShift
	h |= Header(release&headerScopeMask) << HeaderReleaseFenceScopeShift
	return h
}

// Type returns the packet type.
func (h Header) Type() PacketType { return PacketType(h >> HeaderTypeShift & headerTypeMask) }

// Barrier reports whether the barrier bit is set.
func (h Header) Barrier() bool { return h>>HeaderBarrierShift&1 != 0 }

// AcquireFenceScope returns the acquire fence scope.
func (h Header) AcquireFenceScope() FenceScope {
	return FenceScope(h >> HeaderAcquireFenceScopeShift & headerScopeMask)
}

// ReleaseFenceScope returns the release fence scope.
func (h Header) ReleaseFenceScope() FenceScope {
	return FenceScope(h >> HeaderReleaseFenceScopeShift & headerScopeMask)
}

func (h Header) String() string {
	b := ""
	if h.Barrier() {
		b = "|BARRIER"
	}
	return fmt.Sprintf("%s%s acq=%d rel=%d", h.Type(), b, h.AcquireFenceScope(), h.ReleaseFenceScope())
}

// KernelDispatch is the body of a KERNEL_DISPATCH packet.
// Setup travels in the header word and is passed to [Slot.Commit].
type KernelDispatch struct {
	Setup              uint16
	WorkgroupSize      [3]uint16
	GridSize           [3]uint32
	PrivateSegmentSize uint32
	GroupSegmentSize   uint32
	KernelObject       uint64
	KernargAddress     uint64
	CompletionSignal   SignalHandle
}

// AgentDispatch is the body of an AGENT_DISPATCH packet.
// Type travels in the header word and is passed to [Slot.Commit].
type AgentDispatch struct {
	Type             uint16
	ReturnAddress    uint64
	Args             [4]uint64
	CompletionSignal SignalHandle
}

// Barrier is the body of a BARRIER_AND or BARRIER_OR packet.
type Barrier struct {
	DepSignals       [5]SignalHandle
	CompletionSignal SignalHandle
}

// BarrierCondition is the comparison performed by a barrier-value packet.
type BarrierCondition uint32

const (
	ConditionEqual BarrierCondition = iota
	ConditionNotEqual
	ConditionLess
	ConditionGreaterEqual
)

// BarrierValue is the body of the AMD vendor barrier-value packet.
// It completes once (signal & Mask) compared with Value satisfies Condition.
type BarrierValue struct {
	Signal           SignalHandle
	Value            int64
	Mask             int64
	Condition        BarrierCondition
	CompletionSignal SignalHandle
}

// Byte offsets within the packet; the body starts at offset 4.
const (
	bodyOffset = 4

	kdWorkgroupSize      = 4
	kdGridSize           = 12
	kdPrivateSegmentSize = 24
	kdGroupSegmentSize   = 28
	kdKernelObject       = 32
	kdKernargAddress     = 40
	completionSignal     = 56

	adReturnAddress = 8
	adArgs          = 16

	barrierDepSignals = 8

	bvSignal    = 8
	bvValue     = 16
	bvMask      = 24
	bvCondition = 32
)

var le = binary.LittleEndian

// Slot is one 64-byte packet slot of a [Queue].
//
// The first word is written only through Commit and Invalidate; the body is
// plain memory owned by whoever reserved the slot until the header is
// committed.
type Slot struct {
	word atomix.Uint32
	body [PacketSize - bodyOffset]byte
}

func (s *Slot) at(off int) []byte { return s.body[off-bodyOffset:] }

// Word returns the 32-bit header word (header | setup<<16).
func (s *Slot) Word() uint32 { return s.word.LoadAcquire() }

// Header returns the packet header.
func (s *Slot) Header() Header { return Header(s.word.LoadAcquire()) }

// Commit publishes the packet by storing header|hi<<16 with release ordering.
// hi is the setup field of kernel dispatches, the type of agent dispatches
// and the vendor format of vendor-specific packets.
func (s *Slot) Commit(h Header, hi uint16) {
	s.word.StoreRelease(uint32(h) | uint32(hi)<<16)
}

// Invalidate resets the header to INVALID.
func (s *Slot) Invalidate() {
	s.word.StoreRelease(uint32(MakeHeader(PacketTypeInvalid, false, FenceScopeNone, FenceScopeNone)))
}

// FillKernelDispatch writes the kernel dispatch body.
func (s *Slot) FillKernelDispatch(p *KernelDispatch) {
	for i, v := range p.WorkgroupSize {
		le.PutUint16(s.at(kdWorkgroupSize+2*i), v)
	}
	le.PutUint16(s.at(kdWorkgroupSize+6), 0)
	s.SetGridSize(p.GridSize)
	le.PutUint32(s.at(kdPrivateSegmentSize), p.PrivateSegmentSize)
	le.PutUint32(s.at(kdGroupSegmentSize), p.GroupSegmentSize)
	le.PutUint64(s.at(kdKernelObject), p.KernelObject)
	le.PutUint64(s.at(kdKernargAddress), p.KernargAddress)
	le.PutUint64(s.at(kdKernargAddress+8), 0)
	le.PutUint64(s.at(completionSignal), uint64(p.CompletionSignal))
}

// SetGridSize overwrites the grid size fields of a kernel dispatch body.
func (s *Slot) SetGridSize(g [3]uint32) {
	for i, v := range g {
		le.PutUint32(s.at(kdGridSize+4*i), v)
	}
}

// FillAgentDispatch writes the agent dispatch body.
func (s *Slot) FillAgentDispatch(p *AgentDispatch) {
	le.PutUint32(s.at(4), 0)
	le.PutUint64(s.at(adReturnAddress), p.ReturnAddress)
	for i, v := range p.Args {
		le.PutUint64(s.at(adArgs+8*i), v)
	}
	le.PutUint64(s.at(adArgs+32), 0)
	le.PutUint64(s.at(completionSignal), uint64(p.CompletionSignal))
}

// FillBarrier writes a BARRIER_AND or BARRIER_OR body.
func (s *Slot) FillBarrier(p *Barrier) {
	le.PutUint32(s.at(4), 0)
	for i, v := range p.DepSignals {
		le.PutUint64(s.at(barrierDepSignals+8*i), uint64(v))
	}
	le.PutUint64(s.at(barrierDepSignals+40), 0)
	le.PutUint64(s.at(completionSignal), uint64(p.CompletionSignal))
}

// FillBarrierValue writes the vendor barrier-value body.
func (s *Slot) FillBarrierValue(p *BarrierValue) {
	le.PutUint32(s.at(4), 0)
	le.PutUint64(s.at(bvSignal), uint64(p.Signal))
	le.PutUint64(s.at(bvValue), uint64(p.Value))
	le.PutUint64(s.at(bvMask), uint64(p.Mask))
	le.PutUint32(s.at(bvCondition), uint32(p.Condition))
	le.PutUint32(s.at(bvCondition+4), 0)
	le.PutUint64(s.at(bvCondition+8), 0)
	le.PutUint64(s.at(bvCondition+16), 0)
	le.PutUint64(s.at(completionSignal), uint64(p.CompletionSignal))
}

// KernelDispatch decodes the slot as a kernel dispatch packet.
func (s *Slot) KernelDispatch() KernelDispatch {
	var p KernelDispatch
	p.Setup = uint16(s.Word() >> 16)
	for i := range p.WorkgroupSize {
		p.WorkgroupSize[i] = le.Uint16(s.at(kdWorkgroupSize + 2*i))
	}
	for i := range p.GridSize {
		p.GridSize[i] = le.Uint32(s.at(kdGridSize + 4*i))
	}
	p.PrivateSegmentSize = le.Uint32(s.at(kdPrivateSegmentSize))
	p.GroupSegmentSize = le.Uint32(s.at(kdGroupSegmentSize))
	p.KernelObject = le.Uint64(s.at(kdKernelObject))
	p.KernargAddress = le.Uint64(s.at(kdKernargAddress))
	p.CompletionSignal = SignalHandle(le.Uint64(s.at(completionSignal)))
	return p
}

// AgentDispatch decodes the slot as an agent dispatch packet.
func (s *Slot) AgentDispatch() AgentDispatch {
	var p AgentDispatch
	p.Type = uint16(s.Word() >> 16)
	p.ReturnAddress = le.Uint64(s.at(adReturnAddress))
	for i := range p.Args {
		p.Args[i] = le.Uint64(s.at(adArgs + 8*i))
	}
	p.CompletionSignal = SignalHandle(le.Uint64(s.at(completionSignal)))
	return p
}

// Barrier decodes the slot as a barrier packet.
func (s *Slot) Barrier() Barrier {
	var p Barrier
	for i := range p.DepSignals {
		p.DepSignals[i] = SignalHandle(le.Uint64(s.at(barrierDepSignals + 8*i)))
	}
	p.CompletionSignal = SignalHandle(le.Uint64(s.at(completionSignal)))
	return p
}

// BarrierValue decodes the slot as a vendor barrier-value packet.
func (s *Slot) BarrierValue() BarrierValue {
	return BarrierValue{
		Signal:           SignalHandle(le.Uint64(s.at(bvSignal))),
		Value:            int64(le.Uint64(s.at(bvValue))),
		Mask:             int64(le.Uint64(s.at(bvMask))),
		Condition:        BarrierCondition(le.Uint32(s.at(bvCondition))),
		CompletionSignal: SignalHandle(le.Uint64(s.at(completionSignal))),
	}
}

// Bytes returns a snapshot of the full 64-byte packet.
func (s *Slot) Bytes() [PacketSize]byte {
	var b [PacketSize]byte
	le.PutUint32(b[:4], s.Word())
	copy(b[bodyOffset:], s.body[:])
	return b
}
