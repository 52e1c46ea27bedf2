// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/btree"
)

// memoryBase is the first device address handed out; zero stays NULL.
const memoryBase = 0x1000_0000

// region is one allocation in the device address space. Regions are
// indexed by their end address so that the region containing addr is the
// first one whose end is greater than addr.
type region struct {
	base uint64
	end  uint64
	data []byte
}

func (r *region) Less(than btree.Item) bool {
	return r.end < than.(*region).end
}

// Memory is a simulated device address space.
//
// Addresses are plain uint64 values that can be stored in kernargs and
// packets. Allocation is a bump pointer over a bounded range; freed ranges
// are not reused. Reads and writes through Bytes are unsynchronized, like
// device memory: ordering comes from packet and signal acquire/release.
type Memory struct {
	mu      sync.RWMutex
	regions *btree.BTree
	next    uint64
	limit   uint64
	used    uint64
}

// NewMemory creates an address space with room for size bytes.
func NewMemory(size uint64) *Memory {
	return &Memory{
		regions: btree.New(8),
		next:    memoryBase,
		limit:   memoryBase + size,
	}
}

// Alloc reserves size bytes aligned to align (a power of 2, minimum 16)
// and returns the device address. The memory is zeroed.
func (m *Memory) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}
	if align < 16 {
		align = 16
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: alignment %d is not a power of 2", ErrOutOfBounds, align)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	base := (m.next + align - 1) &^ (align - 1)
	if base+size > m.limit || base+size < base {
		return 0, fmt.Errorf("%w: device memory exhausted (%d bytes requested)", ErrPoolExhausted, size)
	}
	m.next = base + size
	m.used += size
	m.regions.ReplaceOrInsert(&region{base: base, end: base + size, data: make([]byte, size)})
	return base, nil
}

// Free releases the region starting at addr.
func (m *Memory) Free(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.find(addr)
	if r == nil || r.base != addr {
		return fmt.Errorf("%w: free of %#x", ErrOutOfBounds, addr)
	}
	m.regions.Delete(r)
	m.used -= r.end - r.base
	return nil
}

func (m *Memory) find(addr uint64) *region {
	var found *region
	m.regions.AscendGreaterOrEqual(&region{end: addr + 1}, func(i btree.Item) bool {
		r := i.(*region)
		if r.base <= addr {
			found = r
		}
		return false
	})
	return found
}

// Bytes returns a view of n bytes at addr. The view must lie inside a
// single live region.
func (m *Memory) Bytes(addr, n uint64) ([]byte, error) {
	m.mu.RLock()
	r := m.find(addr)
	m.mu.RUnlock()
	if r == nil || addr+n > r.end || addr+n < addr {
		return nil, fmt.Errorf("%w: [%#x, +%d)", ErrOutOfBounds, addr, n)
	}
	off := addr - r.base
	return r.data[off : off+n : off+n], nil
}

// ReadUint32 loads a little-endian uint32.
func (m *Memory) ReadUint32(addr uint64) (uint32, error) {
	b, err := m.Bytes(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 loads a little-endian uint64.
func (m *Memory) ReadUint64(addr uint64) (uint64, error) {
	b, err := m.Bytes(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint32 stores a little-endian uint32.
func (m *Memory) WriteUint32(addr uint64, v uint32) error {
	b, err := m.Bytes(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// WriteUint64 stores a little-endian uint64.
func (m *Memory) WriteUint64(addr uint64, v uint64) error {
	b, err := m.Bytes(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// Used returns the number of live bytes.
func (m *Memory) Used() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}
