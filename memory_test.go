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
// Device Memory
// =============================================================================

// TestMemoryAlloc verifies alignment, zeroing and non-null addresses.
func TestMemoryAlloc(t *testing.T) {
	m := devq.NewMemory(1 << 20)

	a, err := m.Alloc(10, 0)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if a == 0 || a%16 != 0 {
		t.Fatalf("Alloc: got %#x, want a non-zero 16-byte aligned address", a)
	}
	b, err := m.Alloc(100, 256)
	if err != nil {
		t.Fatalf("Alloc(align 256): %v", err)
	}
	if b%256 != 0 || b < a+10 {
		t.Fatalf("Alloc(align 256): got %#x after %#x", b, a)
	}
	buf, err := m.Bytes(b, 100)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	for i, v := range buf {
		if v != 0 {
			t.Fatalf("Bytes[%d]: got %#x, want 0", i, v)
		}
	}
	if m.Used() != 110 {
		t.Fatalf("Used: got %d, want 110", m.Used())
	}

	if _, err := m.Alloc(8, 24); !errors.Is(err, devq.ErrOutOfBounds) {
		t.Fatalf("Alloc(align 24): got %v, want ErrOutOfBounds", err)
	}
}

// TestMemoryExhausted verifies that the address space is bounded.
func TestMemoryExhausted(t *testing.T) {
	m := devq.NewMemory(1024)
	if _, err := m.Alloc(1024, 16); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := m.Alloc(1, 16); !errors.Is(err, devq.ErrPoolExhausted) {
		t.Fatalf("Alloc on full memory: got %v, want ErrPoolExhausted", err)
	}
}

// TestMemoryReadWrite verifies little-endian accessors and bounds checks.
func TestMemoryReadWrite(t *testing.T) {
	m := devq.NewMemory(1 << 16)
	a, err := m.Alloc(16, 16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	if err := m.WriteUint64(a, 0x0102_0304_0506_0708); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	if v, _ := m.ReadUint32(a); v != 0x0506_0708 {
		t.Fatalf("ReadUint32: got %#x, want %#x", v, 0x0506_0708)
	}
	b, _ := m.Bytes(a, 1)
	if b[0] != 0x08 {
		t.Fatalf("Bytes[0]: got %#x, want 0x08", b[0])
	}
	if err := m.WriteUint32(a+12, 7); err != nil {
		t.Fatalf("WriteUint32 at end: %v", err)
	}
	if v, _ := m.ReadUint32(a + 12); v != 7 {
		t.Fatalf("ReadUint32: got %d, want 7", v)
	}

	if err := m.WriteUint64(a+12, 1); !errors.Is(err, devq.ErrOutOfBounds) {
		t.Fatalf("WriteUint64 across end: got %v, want ErrOutOfBounds", err)
	}
	if _, err := m.Bytes(0, 4); !errors.Is(err, devq.ErrOutOfBounds) {
		t.Fatalf("Bytes(NULL): got %v, want ErrOutOfBounds", err)
	}
}

// TestMemoryFree verifies that freed regions are no longer addressable.
func TestMemoryFree(t *testing.T) {
	m := devq.NewMemory(1 << 16)
	a, _ := m.Alloc(64, 16)
	b, _ := m.Alloc(64, 16)

	if err := m.Free(a + 8); !errors.Is(err, devq.ErrOutOfBounds) {
		t.Fatalf("Free(interior): got %v, want ErrOutOfBounds", err)
	}
	if err := m.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := m.Bytes(a, 1); !errors.Is(err, devq.ErrOutOfBounds) {
		t.Fatalf("Bytes after Free: got %v, want ErrOutOfBounds", err)
	}
	if _, err := m.Bytes(b, 64); err != nil {
		t.Fatalf("Bytes of live neighbour: %v", err)
	}
	if m.Used() != 64 {
		t.Fatalf("Used: got %d, want 64", m.Used())
	}
}
