// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package aql

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

var (
	// ErrUnknownKernel is returned when a dispatch names an unregistered
	// kernel object.
	ErrUnknownKernel = errors.New("aql: unknown kernel object")
	// ErrInvalidPacket is returned for packet types the processor cannot run.
	ErrInvalidPacket = errors.New("aql: invalid packet")
	// ErrNoAgent is returned when an agent dispatch reaches a processor
	// without an agent handler.
	ErrNoAgent = errors.New("aql: no agent handler")
)

// DispatchContext is passed to a kernel for one dispatch packet.
type DispatchContext struct {
	Queue  *Queue
	Index  uint64
	Packet KernelDispatch
}

// KernelFunc is the body of a kernel object.
type KernelFunc func(ctx *DispatchContext) error

// KernelTable maps kernel object handles to kernel bodies.
type KernelTable struct {
	mu      sync.RWMutex
	kernels map[uint64]kernelEntry
	next    uint64
}

type kernelEntry struct {
	name string
	fn   KernelFunc
}

// kernelObjectBase is the first kernel object handle; handles are spaced
// like code object addresses so they never collide with small integers.
const kernelObjectBase = 0x1000

// NewKernelTable creates an empty kernel table.
func NewKernelTable() *KernelTable {
	return &KernelTable{kernels: make(map[uint64]kernelEntry), next: kernelObjectBase}
}

// Register adds a kernel body and returns its kernel object handle.
func (t *KernelTable) Register(name string, fn KernelFunc) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj := t.next
	t.next += 0x100
	t.kernels[obj] = kernelEntry{name: name, fn: fn}
	return obj
}

// Lookup returns the kernel body and name registered under obj.
func (t *KernelTable) Lookup(obj uint64) (KernelFunc, string, bool) {
	t.mu.RLock()
	e, ok := t.kernels[obj]
	t.mu.RUnlock()
	return e.fn, e.name, ok
}

// AgentHandler services agent dispatch packets.
type AgentHandler interface {
	HandleAgentDispatch(q *Queue, index uint64, p *AgentDispatch) error
}

// ProcessorConfig wires a processor to its collaborators.
type ProcessorConfig struct {
	Signals *SignalTable
	Kernels *KernelTable
	Agent   AgentHandler
	Clock   *Clock
	// Observe, if set, is called with every packet before it launches.
	Observe func(q *Queue, index uint64, word uint32)
}

// Processor consumes packets from a single queue in order.
//
// Step is single-consumer: at most one goroutine may drive a processor.
type Processor struct {
	queue   *Queue
	cfg     ProcessorConfig
	retired atomix.Uint64
}

// NewProcessor creates a processor for q.
func NewProcessor(q *Queue, cfg ProcessorConfig) *Processor {
	if cfg.Signals == nil {
		panic("aql: processor requires a signal table")
	}
	if cfg.Clock == nil {
		cfg.Clock = &Clock{}
	}
	if cfg.Kernels == nil {
		cfg.Kernels = NewKernelTable()
	}
	return &Processor{queue: q, cfg: cfg}
}

// Queue returns the queue this processor consumes.
func (p *Processor) Queue() *Queue { return p.queue }

// Retired returns the number of packets that completed.
func (p *Processor) Retired() uint64 { return p.retired.LoadAcquire() }

// Step runs at most one packet.
// Returns false when the queue is empty, the head packet is INVALID, or a
// barrier's condition is not yet met.
func (p *Processor) Step() (bool, error) {
	q := p.queue
	r := q.readIndex.LoadRelaxed()
	if r >= q.writeIndex.LoadAcquire() {
		return false, nil
	}
	slot := q.Packet(r)
	word := slot.Word()
	h := Header(word)

	var (
		completion SignalHandle
		run        func() error
	)
	switch h.Type() {
	case PacketTypeInvalid:
		return false, nil
	case PacketTypeBarrierAnd:
		b := slot.Barrier()
		if !p.depsSatisfied(&b, true) {
			return false, nil
		}
		completion = b.CompletionSignal
	case PacketTypeBarrierOr:
		b := slot.Barrier()
		if !p.depsSatisfied(&b, false) {
			return false, nil
		}
		completion = b.CompletionSignal
	case PacketTypeVendorSpecific:
		if word>>16 != AMDFormatBarrierValue {
			return false, fmt.Errorf("%w: vendor format %d at %d", ErrInvalidPacket, word>>16, r)
		}
		bv := slot.BarrierValue()
		if !p.conditionMet(&bv) {
			return false, nil
		}
		completion = bv.CompletionSignal
	case PacketTypeKernelDispatch:
		kd := slot.KernelDispatch()
		fn, _, ok := p.cfg.Kernels.Lookup(kd.KernelObject)
		if !ok {
			return false, fmt.Errorf("%w: %#x at %d", ErrUnknownKernel, kd.KernelObject, r)
		}
		completion = kd.CompletionSignal
		run = func() error { return fn(&DispatchContext{Queue: q, Index: r, Packet: kd}) }
	case PacketTypeAgentDispatch:
		if p.cfg.Agent == nil {
			return false, ErrNoAgent
		}
		ad := slot.AgentDispatch()
		completion = ad.CompletionSignal
		run = func() error { return p.cfg.Agent.HandleAgentDispatch(q, r, &ad) }
	default:
		return false, fmt.Errorf("%w: type %d at %d", ErrInvalidPacket, h.Type(), r)
	}

	if p.cfg.Observe != nil {
		p.cfg.Observe(q, r, word)
	}
	start := p.cfg.Clock.Now()
	q.advance(r)
	var err error
	if run != nil {
		err = run()
	}
	end := p.cfg.Clock.Now()
	if s := p.cfg.Signals.Get(completion); s != nil {
		s.setTimestamps(start, end)
		s.Add(-1)
	}
	p.retired.AddAcqRel(1)
	if err != nil {
		return true, fmt.Errorf("aql: queue %d packet %d: %w", q.id, r, err)
	}
	return true, nil
}

func (p *Processor) depsSatisfied(b *Barrier, all bool) bool {
	some := false
	for _, dep := range b.DepSignals {
		if dep == NullSignal {
			continue
		}
		done := p.cfg.Signals.Load(dep) == 0
		if all && !done {
			return false
		}
		some = some || done
	}
	if all {
		return true
	}
	// A BARRIER_OR with no dependencies completes immediately.
	return some || b.DepSignals == [5]SignalHandle{}
}

func (p *Processor) conditionMet(bv *BarrierValue) bool {
	v := p.cfg.Signals.Load(bv.Signal) & bv.Mask
	switch bv.Condition {
	case ConditionEqual:
		return v == bv.Value
	case ConditionNotEqual:
		return v != bv.Value
	case ConditionLess:
		return v < bv.Value
	case ConditionGreaterEqual:
		return v >= bv.Value
	}
	return false
}

// Drain steps until the processor blocks and returns the packets run.
func (p *Processor) Drain() (int, error) {
	n := 0
	for {
		ok, err := p.Step()
		if ok {
			n++
		}
		if err != nil || !ok {
			return n, err
		}
	}
}

// Run steps the processor until ctx is done or a packet fails.
// Idle periods back off with [iox.Backoff].
func (p *Processor) Run(ctx context.Context) error {
	bo := iox.Backoff{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := p.Step()
		if err != nil {
			return err
		}
		if ok {
			bo.Reset()
			continue
		}
		bo.Wait()
	}
}
