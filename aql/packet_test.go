// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package aql_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"code.hybscloud.com/devq/aql"
)

// =============================================================================
// Header
// =============================================================================

// TestHeaderBits verifies the header bit layout.
func TestHeaderBits(t *testing.T) {
	h := aql.MakeHeader(aql.PacketTypeKernelDispatch, true, aql.FenceScopeAgent, aql.FenceScopeSystem)
	want := uint16(2) | 1<<8 | 1<<9 | 2<<11
	if uint16(h) != want {
		t.Fatalf("MakeHeader: got %#x, want %#x", uint16(h), want)
	}
	if h.Type() != aql.PacketTypeKernelDispatch {
		t.Fatalf("Type: got %v", h.Type())
	}
	if !h.Barrier() {
		t.Fatalf("Barrier: got false")
	}
	if h.AcquireFenceScope() != aql.FenceScopeAgent || h.ReleaseFenceScope() != aql.FenceScopeSystem {
		t.Fatalf("scopes: got acq=%d rel=%d", h.AcquireFenceScope(), h.ReleaseFenceScope())
	}

	h = aql.MakeHeader(aql.PacketTypeBarrierAnd, false, aql.FenceScopeNone, aql.FenceScopeNone)
	if h.Barrier() || h.Type() != aql.PacketTypeBarrierAnd || uint16(h) != 3 {
		t.Fatalf("barrier-and header: got %#x", uint16(h))
	}
}

// =============================================================================
// Packet layouts
// =============================================================================

// TestKernelDispatchLayout verifies the HSA byte layout of dispatch packets.
func TestKernelDispatchLayout(t *testing.T) {
	q := aql.NewQueue(1, 4, aql.QueueTypeMulti)
	p := aql.KernelDispatch{
		Setup:              3,
		WorkgroupSize:      [3]uint16{64, 2, 1},
		GridSize:           [3]uint32{4, 5, 6},
		PrivateSegmentSize: 16,
		GroupSegmentSize:   256,
		KernelObject:       0xAABBCCDD,
		KernargAddress:     0x10000040,
		CompletionSignal:   7,
	}
	s := q.Packet(0)
	s.FillKernelDispatch(&p)
	if s.Header().Type() != aql.PacketTypeInvalid {
		t.Fatalf("fill must not publish: got %v", s.Header().Type())
	}
	h := aql.MakeHeader(aql.PacketTypeKernelDispatch, false, aql.FenceScopeAgent, aql.FenceScopeAgent)
	s.Commit(h, p.Setup)

	b := s.Bytes()
	le := binary.LittleEndian
	checks := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"header", uint64(le.Uint16(b[0:])), uint64(h)},
		{"setup", uint64(le.Uint16(b[2:])), 3},
		{"workgroup_size_x", uint64(le.Uint16(b[4:])), 64},
		{"workgroup_size_y", uint64(le.Uint16(b[6:])), 2},
		{"grid_size_x", uint64(le.Uint32(b[12:])), 4},
		{"grid_size_z", uint64(le.Uint32(b[20:])), 6},
		{"private_segment_size", uint64(le.Uint32(b[24:])), 16},
		{"group_segment_size", uint64(le.Uint32(b[28:])), 256},
		{"kernel_object", le.Uint64(b[32:]), 0xAABBCCDD},
		{"kernarg_address", le.Uint64(b[40:]), 0x10000040},
		{"completion_signal", le.Uint64(b[56:]), 7},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s: got %#x, want %#x", c.name, c.got, c.want)
		}
	}

	if got := s.KernelDispatch(); got != p {
		t.Fatalf("KernelDispatch: got %+v, want %+v", got, p)
	}
}

// TestAgentDispatchLayout verifies the agent dispatch layout and type field.
func TestAgentDispatchLayout(t *testing.T) {
	q := aql.NewQueue(1, 2, aql.QueueTypeMulti)
	p := aql.AgentDispatch{Type: 5, ReturnAddress: 0x99, Args: [4]uint64{1, 2, 3, 4}, CompletionSignal: 2}
	s := q.Packet(0)
	s.FillAgentDispatch(&p)
	s.Commit(aql.MakeHeader(aql.PacketTypeAgentDispatch, true, aql.FenceScopeSystem, aql.FenceScopeSystem), p.Type)

	b := s.Bytes()
	le := binary.LittleEndian
	if got := le.Uint16(b[2:]); got != 5 {
		t.Fatalf("type: got %d, want 5", got)
	}
	if got := le.Uint64(b[8:]); got != 0x99 {
		t.Fatalf("return_address: got %#x", got)
	}
	if got := le.Uint64(b[16+3*8:]); got != 4 {
		t.Fatalf("arg[3]: got %d", got)
	}
	if got := s.AgentDispatch(); got != p {
		t.Fatalf("AgentDispatch: got %+v, want %+v", got, p)
	}
}

// TestBarrierLayout verifies barrier dependency slots.
func TestBarrierLayout(t *testing.T) {
	q := aql.NewQueue(1, 2, aql.QueueTypeMulti)
	p := aql.Barrier{DepSignals: [5]aql.SignalHandle{1, 2, 3, 4, 5}, CompletionSignal: 9}
	s := q.Packet(0)
	s.FillBarrier(&p)
	b := s.Bytes()
	if got := binary.LittleEndian.Uint64(b[8+4*8:]); got != 5 {
		t.Fatalf("dep_signal[4]: got %d", got)
	}
	if got := s.Barrier(); got != p {
		t.Fatalf("Barrier: got %+v, want %+v", got, p)
	}
}

// =============================================================================
// Queue reservation
// =============================================================================

// TestQueueTryReserve verifies capacity accounting and wraparound.
func TestQueueTryReserve(t *testing.T) {
	q := aql.NewQueue(1, 3, aql.QueueTypeMulti)
	if q.Size() != 4 {
		t.Fatalf("Size: got %d, want 4", q.Size())
	}
	base, err := q.TryReserve(3)
	if err != nil || base != 0 {
		t.Fatalf("TryReserve(3): got (%d, %v)", base, err)
	}
	if _, err := q.TryReserve(2); !errors.Is(err, aql.ErrWouldBlock) {
		t.Fatalf("TryReserve on full: got %v, want ErrWouldBlock", err)
	}
	if _, err := q.TryReserve(5); !errors.Is(err, aql.ErrReservationTooLarge) {
		t.Fatalf("TryReserve(5): got %v, want ErrReservationTooLarge", err)
	}
	base, err = q.TryReserve(1)
	if err != nil || base != 3 {
		t.Fatalf("TryReserve(1): got (%d, %v)", base, err)
	}
	if q.Packet(4) != q.Packet(0) {
		t.Fatalf("Packet(4) must alias Packet(0)")
	}
}
