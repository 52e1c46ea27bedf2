// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"encoding/binary"
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
)

// BufferRefType discriminates the three kinds of buffer reference.
type BufferRefType uint8

const (
	// BufferRefPtr is an absolute device address.
	BufferRefPtr BufferRefType = 0
	// BufferRefHandle names a queue-ordered allocation whose pointer is only
	// valid while the allocation is committed.
	BufferRefHandle BufferRefType = 1
	// BufferRefSlot is an ordinal into the per-execution binding table.
	BufferRefSlot BufferRefType = 2
)

func (t BufferRefType) String() string {
	switch t {
	case BufferRefPtr:
		return "ptr"
	case BufferRefHandle:
		return "handle"
	case BufferRefSlot:
		return "slot"
	}
	return fmt.Sprintf("BufferRefType(%d)", uint8(t))
}

// MaxLength is the length sentinel meaning "rest of the buffer".
// The wire format packs the length into 62 bits.
const MaxLength uint64 = 1<<62 - 1

// BufferRefSize is the wire size of a buffer reference.
const BufferRefSize = 24

// BufferRef references a device buffer range.
// Value is a device address, an allocation handle id or a slot ordinal
// depending on Type.
type BufferRef struct {
	Type   BufferRefType
	Offset uint64
	Length uint64
	Value  uint64
}

// PtrRef references [ptr+offset, +length).
func PtrRef(ptr, offset, length uint64) BufferRef {
	return BufferRef{Type: BufferRefPtr, Offset: offset, Length: length, Value: ptr}
}

// HandleRef references a range of an allocation handle.
func HandleRef(h *AllocationHandle, offset, length uint64) BufferRef {
	return BufferRef{Type: BufferRefHandle, Offset: offset, Length: length, Value: h.ID()}
}

// SlotRef references a range of binding table slot.
func SlotRef(slot uint32, offset, length uint64) BufferRef {
	return BufferRef{Type: BufferRefSlot, Offset: offset, Length: length, Value: uint64(slot)}
}

// MarshalBinary encodes the 24-byte wire form:
// offset u64, length<<2|type u64, value u64.
func (r BufferRef) MarshalBinary() ([]byte, error) {
	if r.Length > MaxLength || r.Type > BufferRefSlot {
		return nil, fmt.Errorf("%w: %+v", ErrInvalidBufferRef, r)
	}
	b := make([]byte, BufferRefSize)
	r.put(b)
	return b, nil
}

func (r BufferRef) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], r.Offset)
	binary.LittleEndian.PutUint64(b[8:], r.Length<<2|uint64(r.Type&3))
	binary.LittleEndian.PutUint64(b[16:], r.Value)
}

// UnmarshalBinary decodes the 24-byte wire form.
func (r *BufferRef) UnmarshalBinary(b []byte) error {
	if len(b) < BufferRefSize {
		return fmt.Errorf("%w: short buffer ref (%d bytes)", ErrInvalidBufferRef, len(b))
	}
	lt := binary.LittleEndian.Uint64(b[8:])
	r.Offset = binary.LittleEndian.Uint64(b[0:])
	r.Length = lt >> 2
	r.Type = BufferRefType(lt & 3)
	r.Value = binary.LittleEndian.Uint64(b[16:])
	if r.Type > BufferRefSlot {
		return fmt.Errorf("%w: type %d", ErrInvalidBufferRef, r.Type)
	}
	return nil
}

// AllocationHandle is the indirect reference to a queue-ordered allocation.
// Its pointer is published when the allocation commits and cleared when it
// is freed.
type AllocationHandle struct {
	ptr   atomix.Uint64
	size  atomix.Uint64
	block atomix.Int64
	id    uint64
	pool  uint32
}

// ID returns the handle id used in buffer references and host calls.
func (h *AllocationHandle) ID() uint64 { return h.id }

// Pool returns the pool the handle allocates from.
func (h *AllocationHandle) Pool() uint32 { return h.pool }

// Ptr returns the committed device address, or zero.
func (h *AllocationHandle) Ptr() uint64 { return h.ptr.LoadAcquire() }

// Size returns the committed size in bytes.
func (h *AllocationHandle) Size() uint64 { return h.size.LoadAcquire() }

// Block returns the pool block backing the allocation, or -1.
func (h *AllocationHandle) Block() int {
	h.ptr.LoadAcquire()
	return int(h.block.LoadRelaxed())
}

func (h *AllocationHandle) publish(ptr, size uint64, block int) {
	h.size.StoreRelaxed(size)
	h.block.StoreRelaxed(int64(block))
	h.ptr.StoreRelease(ptr)
}

func (h *AllocationHandle) clear() {
	h.ptr.StoreRelease(0)
	h.size.StoreRelaxed(0)
	h.block.StoreRelaxed(-1)
}

// HandleTable maps handle ids to allocation handles. Ids start at 1.
type HandleTable struct {
	mu      sync.RWMutex
	handles map[uint64]*AllocationHandle
	next    uint64
}

// NewHandleTable creates an empty handle table.
func NewHandleTable() *HandleTable {
	return &HandleTable{handles: make(map[uint64]*AllocationHandle)}
}

// New creates an uncommitted handle for pool.
func (t *HandleTable) New(pool uint32) *AllocationHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := &AllocationHandle{id: t.next, pool: pool}
	h.block.StoreRelaxed(-1)
	t.handles[h.id] = h
	return h
}

// Get returns the handle with id, or nil.
func (t *HandleTable) Get(id uint64) *AllocationHandle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handles[id]
}

// ResolveBufferRef resolves ref to a device address and length.
//
// Slot references are looked up in bindings, combining offsets and, for a
// MaxLength slot length, taking the rest of the binding. The binding itself
// must be a pointer or handle: slots never chain. Handles resolve through
// handles to their current pointer. A zero base pointer yields address zero
// with the computed length.
func ResolveBufferRef(ref BufferRef, bindings []BufferRef, handles *HandleTable) (uint64, uint64, error) {
	offset, length := ref.Offset, ref.Length
	typ, value := ref.Type, ref.Value
	if typ == BufferRefSlot {
		if value >= uint64(len(bindings)) {
			return 0, 0, fmt.Errorf("%w: slot %d of %d", ErrInvalidBufferRef, value, len(bindings))
		}
		b := bindings[value]
		if b.Type == BufferRefSlot {
			return 0, 0, fmt.Errorf("%w: slot %d binds another slot", ErrInvalidBufferRef, value)
		}
		if length == MaxLength {
			if b.Length == MaxLength {
				length = MaxLength
			} else if ref.Offset > b.Length {
				return 0, 0, fmt.Errorf("%w: slot %d offset %d past length %d", ErrInvalidBufferRef, value, ref.Offset, b.Length)
			} else {
				length = b.Length - ref.Offset
			}
		}
		offset += b.Offset
		typ, value = b.Type, b.Value
	}

	var base uint64
	switch typ {
	case BufferRefPtr:
		base = value
	case BufferRefHandle:
		if handles == nil {
			return 0, 0, fmt.Errorf("%w: handle %d without a handle table", ErrInvalidBufferRef, value)
		}
		h := handles.Get(value)
		if h == nil {
			return 0, 0, fmt.Errorf("%w: unknown handle %d", ErrInvalidBufferRef, value)
		}
		base = h.Ptr()
		if length == MaxLength && base != 0 {
			if size := h.Size(); offset <= size {
				length = size - offset
			}
		}
	default:
		return 0, 0, fmt.Errorf("%w: type %d", ErrInvalidBufferRef, typ)
	}
	if base == 0 {
		return 0, length, nil
	}
	return base + offset, length, nil
}
