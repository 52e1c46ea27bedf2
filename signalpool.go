// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"fmt"

	"code.hybscloud.com/devq/aql"
)

// SignalPool recycles completion and event signals for one scheduler.
//
// The handles are created by the host and handed to the scheduler through
// an Initialize entry; Deinitialize takes them back. Acquire and Release
// are safe from any kernel.
type SignalPool struct {
	free    *FreeList[aql.SignalHandle]
	signals *aql.SignalTable
}

func newSignalPool(capacity int, signals *aql.SignalTable) *SignalPool {
	return &SignalPool{free: NewFreeList[aql.SignalHandle](capacity), signals: signals}
}

// Initialize adds handles to the pool.
func (p *SignalPool) Initialize(handles []aql.SignalHandle) error {
	for _, h := range handles {
		if p.signals.Get(h) == nil {
			return fmt.Errorf("%w: signal %d", ErrInvalidEntry, h)
		}
		if err := p.free.Put(h); err != nil {
			return fmt.Errorf("%w: %d handles for a pool of %d", ErrSignalPoolExhausted, len(handles), p.free.Cap())
		}
	}
	return nil
}

// Deinitialize removes every pooled handle and returns them.
func (p *SignalPool) Deinitialize() []aql.SignalHandle {
	return p.free.Drain()
}

// Acquire takes a signal and stores initial into it.
// Returns ErrSignalPoolExhausted if the pool is empty.
func (p *SignalPool) Acquire(initial int64) (aql.SignalHandle, error) {
	h, err := p.free.Get()
	if err != nil {
		return aql.NullSignal, ErrSignalPoolExhausted
	}
	p.signals.Get(h).Reset(initial)
	return h, nil
}

// Release returns h to the pool. The null signal is ignored.
func (p *SignalPool) Release(h aql.SignalHandle) {
	if h == aql.NullSignal {
		return
	}
	if err := p.free.Put(h); err != nil {
		panic("devq: signal pool overflow")
	}
}

// Len returns the number of available signals.
func (p *SignalPool) Len() int { return p.free.Len() }
