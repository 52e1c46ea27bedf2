// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"fmt"

	"code.hybscloud.com/devq/aql"
)

// EntryType is the queue operation an entry requests.
type EntryType uint8

const (
	EntryInitialize EntryType = iota
	EntryDeinitialize
	EntryAlloca
	EntryDealloca
	EntryFill
	EntryCopy
	EntryExecute
	EntryBarrier
)

var entryTypeNames = [...]string{
	EntryInitialize:   "initialize",
	EntryDeinitialize: "deinitialize",
	EntryAlloca:       "alloca",
	EntryDealloca:     "dealloca",
	EntryFill:         "fill",
	EntryCopy:         "copy",
	EntryExecute:      "execute",
	EntryBarrier:      "barrier",
}

func (t EntryType) String() string {
	if int(t) < len(entryTypeNames) {
		return entryTypeNames[t]
	}
	return fmt.Sprintf("EntryType(%d)", uint8(t))
}

// EntryFlags modify how an entry is issued.
type EntryFlags uint16

const (
	// EntryFlagBarrier sets the barrier bit on the first packet the entry
	// emits, ordering it after all previously issued work.
	EntryFlagBarrier EntryFlags = 1 << 0
)

// Limits on the per-entry lists.
const (
	MaxWaits    = 8
	MaxSignals  = 8
	MaxReleases = 4
)

// SemaphoreWait is satisfied once Semaphore reaches Value.
type SemaphoreWait struct {
	Semaphore *Semaphore
	Value     uint64
}

// SemaphoreSignal sets Semaphore to Value when the entry retires.
type SemaphoreSignal struct {
	Semaphore *Semaphore
	Value     uint64
}

// Payload is the type-specific part of a queue entry. The concrete type
// determines the entry type.
type Payload interface {
	EntryType() EntryType
}

// InitializeArgs populates the scheduler's signal pool.
type InitializeArgs struct {
	Signals []aql.SignalHandle
}

// DeinitializeArgs drains the signal pool.
type DeinitializeArgs struct{}

// AllocaArgs allocates Size bytes from Pool into Handle.
type AllocaArgs struct {
	Pool         uint32
	MinAlignment uint32
	Size         uint64
	Handle       *AllocationHandle
}

// DeallocaArgs frees the allocation behind Handle.
type DeallocaArgs struct {
	Handle *AllocationHandle
}

// FillArgs fills Target with the low PatternLength bytes of Pattern.
type FillArgs struct {
	Target        BufferRef
	Pattern       uint64
	PatternLength uint8
}

// CopyArgs copies Source to Target. The copy length is the smaller of the
// two resolved lengths.
type CopyArgs struct {
	Source BufferRef
	Target BufferRef
}

// ExecuteArgs runs a command buffer with a binding table.
type ExecuteArgs struct {
	CommandBuffer *CommandBuffer
	Bindings      []BufferRef
	Flags         ExecutionFlags
}

// BarrierArgs orders later entries after earlier ones.
type BarrierArgs struct{}

func (InitializeArgs) EntryType() EntryType   { return EntryInitialize }
func (DeinitializeArgs) EntryType() EntryType { return EntryDeinitialize }
func (AllocaArgs) EntryType() EntryType       { return EntryAlloca }
func (DeallocaArgs) EntryType() EntryType     { return EntryDealloca }
func (FillArgs) EntryType() EntryType         { return EntryFill }
func (CopyArgs) EntryType() EntryType         { return EntryCopy }
func (ExecuteArgs) EntryType() EntryType      { return EntryExecute }
func (BarrierArgs) EntryType() EntryType      { return EntryBarrier }

// QueueEntry is a request submitted to a scheduler.
type QueueEntry struct {
	Flags    EntryFlags
	Epoch    uint32
	Waits    []SemaphoreWait
	Signals  []SemaphoreSignal
	Releases []uint64
	Payload  Payload
}

// Type returns the entry type derived from the payload.
func (e *QueueEntry) Type() EntryType {
	return e.Payload.EntryType()
}

func (e *QueueEntry) validate() error {
	if e.Payload == nil {
		return fmt.Errorf("%w: no payload", ErrInvalidEntry)
	}
	if len(e.Waits) > MaxWaits || len(e.Signals) > MaxSignals || len(e.Releases) > MaxReleases {
		return fmt.Errorf("%w: %d waits, %d signals, %d releases", ErrInvalidEntry, len(e.Waits), len(e.Signals), len(e.Releases))
	}
	for _, w := range e.Waits {
		if w.Semaphore == nil {
			return fmt.Errorf("%w: nil wait semaphore", ErrInvalidEntry)
		}
	}
	for _, s := range e.Signals {
		if s.Semaphore == nil {
			return fmt.Errorf("%w: nil signal semaphore", ErrInvalidEntry)
		}
	}
	switch p := e.Payload.(type) {
	case AllocaArgs:
		if p.Handle == nil {
			return fmt.Errorf("%w: alloca without handle", ErrInvalidEntry)
		}
	case FillArgs:
		switch p.PatternLength {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("%w: pattern length %d", ErrInvalidEntry, p.PatternLength)
		}
	case DeallocaArgs:
		if p.Handle == nil {
			return fmt.Errorf("%w: dealloca without handle", ErrInvalidEntry)
		}
	case ExecuteArgs:
		if p.CommandBuffer == nil || len(p.CommandBuffer.Blocks) == 0 {
			return fmt.Errorf("%w: execute without command buffer", ErrInvalidEntry)
		}
	}
	return nil
}
