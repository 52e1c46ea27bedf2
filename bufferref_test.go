// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq_test

import (
	"errors"
	"testing"

	"code.hybscloud.com/devq"
)

// =============================================================================
// Buffer References
// =============================================================================

// TestBufferRefWire verifies the 24-byte encoding and its rejection cases.
func TestBufferRefWire(t *testing.T) {
	ref := devq.SlotRef(3, 16, 4096)
	b, err := ref.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(b) != devq.BufferRefSize {
		t.Fatalf("MarshalBinary: got %d bytes, want %d", len(b), devq.BufferRefSize)
	}
	var got devq.BufferRef
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != ref {
		t.Fatalf("UnmarshalBinary: got %+v, want %+v", got, ref)
	}

	if _, err := devq.PtrRef(0x1000, 0, devq.MaxLength+1).MarshalBinary(); !errors.Is(err, devq.ErrInvalidBufferRef) {
		t.Fatalf("MarshalBinary(oversized length): got %v, want ErrInvalidBufferRef", err)
	}
	b[8] |= 3
	if err := got.UnmarshalBinary(b); !errors.Is(err, devq.ErrInvalidBufferRef) {
		t.Fatalf("UnmarshalBinary(type 3): got %v, want ErrInvalidBufferRef", err)
	}
	if err := got.UnmarshalBinary(b[:8]); !errors.Is(err, devq.ErrInvalidBufferRef) {
		t.Fatalf("UnmarshalBinary(short): got %v, want ErrInvalidBufferRef", err)
	}
}

// TestResolvePtr verifies absolute references and the NULL base rule.
func TestResolvePtr(t *testing.T) {
	addr, n, err := devq.ResolveBufferRef(devq.PtrRef(0x2000, 0x10, 64), nil, nil)
	if err != nil || addr != 0x2010 || n != 64 {
		t.Fatalf("ResolveBufferRef: got (%#x, %d, %v), want (0x2010, 64)", addr, n, err)
	}
	addr, n, err = devq.ResolveBufferRef(devq.PtrRef(0, 0x10, 64), nil, nil)
	if err != nil || addr != 0 || n != 64 {
		t.Fatalf("ResolveBufferRef(NULL): got (%#x, %d, %v), want (0, 64)", addr, n, err)
	}
}

// TestResolveSlot verifies binding lookup, offset composition and
// rest-of-buffer lengths.
func TestResolveSlot(t *testing.T) {
	bindings := []devq.BufferRef{
		devq.PtrRef(0x4000, 0x100, 1024),
		devq.SlotRef(0, 0, 16),
	}

	addr, n, err := devq.ResolveBufferRef(devq.SlotRef(0, 0x20, 64), bindings, nil)
	if err != nil || addr != 0x4120 || n != 64 {
		t.Fatalf("ResolveBufferRef: got (%#x, %d, %v), want (0x4120, 64)", addr, n, err)
	}
	addr, n, err = devq.ResolveBufferRef(devq.SlotRef(0, 24, devq.MaxLength), bindings, nil)
	if err != nil || addr != 0x4118 || n != 1000 {
		t.Fatalf("ResolveBufferRef(MaxLength): got (%#x, %d, %v), want (0x4118, 1000)", addr, n, err)
	}

	cases := []struct {
		name string
		ref  devq.BufferRef
	}{
		{"out of range", devq.SlotRef(2, 0, 4)},
		{"chained", devq.SlotRef(1, 0, 4)},
		{"offset past length", devq.SlotRef(0, 2048, devq.MaxLength)},
	}
	for _, tc := range cases {
		if _, _, err := devq.ResolveBufferRef(tc.ref, bindings, nil); !errors.Is(err, devq.ErrInvalidBufferRef) {
			t.Fatalf("%s: got %v, want ErrInvalidBufferRef", tc.name, err)
		}
	}
}

// TestResolveHandle verifies that handle references follow the handle's
// published pointer.
func TestResolveHandle(t *testing.T) {
	dev := devq.New().BuildDevice()
	pool := dev.CreatePool(1, devq.PoolRetainOnFree)
	h := dev.NewAllocationHandle(pool.ID())

	addr, n, err := devq.ResolveBufferRef(devq.HandleRef(h, 8, 32), nil, dev.Handles())
	if err != nil || addr != 0 || n != 32 {
		t.Fatalf("ResolveBufferRef(uncommitted): got (%#x, %d, %v), want (0, 32)", addr, n, err)
	}

	p, _ := dev.Allocator().Pool(pool.ID())
	if p != pool {
		t.Fatalf("Pool: got %p, want %p", p, pool)
	}
	if err := dev.Allocator().Commit(pool.ID(), 0, h.ID(), 256, 64); !errors.Is(err, devq.ErrInvalidPool) {
		t.Fatalf("Commit of a decommitted block: got %v, want ErrInvalidPool", err)
	}

	bindings := []devq.BufferRef{devq.HandleRef(h, 0, devq.MaxLength)}
	if _, _, err := devq.ResolveBufferRef(devq.HandleRef(h, 0, 4), nil, nil); !errors.Is(err, devq.ErrInvalidBufferRef) {
		t.Fatalf("ResolveBufferRef without table: got %v, want ErrInvalidBufferRef", err)
	}
	if _, _, err := devq.ResolveBufferRef(devq.BufferRef{Type: devq.BufferRefHandle, Value: 999}, nil, dev.Handles()); !errors.Is(err, devq.ErrInvalidBufferRef) {
		t.Fatalf("ResolveBufferRef(unknown handle): got %v, want ErrInvalidBufferRef", err)
	}
	if addr, _, err := devq.ResolveBufferRef(devq.SlotRef(0, 4, 4), bindings, dev.Handles()); err != nil || addr != 0 {
		t.Fatalf("ResolveBufferRef(slot to uncommitted handle): got (%#x, %v), want 0", addr, err)
	}
}
