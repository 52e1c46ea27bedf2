// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package aql

import (
	"errors"

	"code.hybscloud.com/atomix"
)

// SignalHandle identifies a signal in a [SignalTable]. Zero is the null signal.
type SignalHandle uint64

// NullSignal is the handle that refers to no signal.
const NullSignal SignalHandle = 0

// SignalKind distinguishes user signals from queue doorbells.
type SignalKind int64

const (
	SignalKindUser     SignalKind = 1
	SignalKindDoorbell SignalKind = -1
)

// ErrSignalTableFull is returned when a table has no free handles left.
var ErrSignalTableFull = errors.New("aql: signal table full")

// Signal is an HSA-style signal: a 64-bit value plus the timestamps the
// packet processor records when the signal is used for completion.
type Signal struct {
	value   atomix.Int64
	startTS atomix.Uint64
	endTS   atomix.Uint64
	kind    SignalKind
}

// Kind returns the signal kind.
func (s *Signal) Kind() SignalKind { return s.kind }

// Load returns the value with acquire ordering.
func (s *Signal) Load() int64 { return s.value.LoadAcquire() }

// Store sets the value with release ordering.
func (s *Signal) Store(v int64) { s.value.StoreRelease(v) }

// Add adds delta and returns the new value.
func (s *Signal) Add(delta int64) int64 { return s.value.AddAcqRel(delta) }

// Timestamps returns the start and end timestamps.
func (s *Signal) Timestamps() (start, end uint64) {
	return s.startTS.LoadAcquire(), s.endTS.LoadAcquire()
}

func (s *Signal) setTimestamps(start, end uint64) {
	s.startTS.StoreRelaxed(start)
	s.endTS.StoreRelaxed(end)
}

// Reset stores v and clears both timestamps.
func (s *Signal) Reset(v int64) {
	s.startTS.StoreRelaxed(0)
	s.endTS.StoreRelaxed(0)
	s.value.StoreRelease(v)
}

// SignalTable is a fixed-capacity arena of signals addressed by handle.
// Handles are index+1 and are never reused; recycling is the job of a pool
// built on top of the table.
type SignalTable struct {
	signals []Signal
	next    atomix.Uint64
}

// NewSignalTable creates a table able to hold capacity signals.
func NewSignalTable(capacity int) *SignalTable {
	if capacity < 1 {
		panic("aql: signal table capacity must be >= 1")
	}
	return &SignalTable{signals: make([]Signal, capacity)}
}

// Create allocates a signal with the given initial value.
func (t *SignalTable) Create(kind SignalKind, initial int64) (SignalHandle, error) {
	i := t.next.AddAcqRel(1) - 1
	if i >= uint64(len(t.signals)) {
		return NullSignal, ErrSignalTableFull
	}
	s := &t.signals[i]
	s.kind = kind
	s.Reset(initial)
	return SignalHandle(i + 1), nil
}

// Get returns the signal for h, or nil for the null or an unknown handle.
func (t *SignalTable) Get(h SignalHandle) *Signal {
	if h == NullSignal || uint64(h) > t.next.LoadAcquire() || uint64(h) > uint64(len(t.signals)) {
		return nil
	}
	return &t.signals[h-1]
}

// Load returns the value of h; the null signal reads as zero.
func (t *SignalTable) Load(h SignalHandle) int64 {
	if s := t.Get(h); s != nil {
		return s.Load()
	}
	return 0
}

// Len returns the number of created signals.
func (t *SignalTable) Len() int {
	n := t.next.LoadAcquire()
	if n > uint64(len(t.signals)) {
		n = uint64(len(t.signals))
	}
	return int(n)
}

// Clock is a monotonic tick source shared by processors so that timestamps
// from different queues are comparable.
type Clock struct {
	now atomix.Uint64
}

// Now advances the clock and returns the new tick.
func (c *Clock) Now() uint64 { return c.now.AddAcqRel(1) }
