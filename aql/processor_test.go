// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package aql_test

import (
	"errors"
	"testing"

	"code.hybscloud.com/devq/aql"
)

type recordingAgent struct {
	calls []aql.AgentDispatch
}

func (a *recordingAgent) HandleAgentDispatch(_ *aql.Queue, _ uint64, p *aql.AgentDispatch) error {
	a.calls = append(a.calls, *p)
	return nil
}

func newProcessor(t *testing.T, size int) (*aql.Queue, *aql.Processor, *aql.SignalTable, *aql.KernelTable) {
	t.Helper()
	q := aql.NewQueue(1, size, aql.QueueTypeMulti)
	signals := aql.NewSignalTable(16)
	kernels := aql.NewKernelTable()
	p := aql.NewProcessor(q, aql.ProcessorConfig{Signals: signals, Kernels: kernels, Agent: &recordingAgent{}})
	return q, p, signals, kernels
}

func emplaceDispatch(t *testing.T, q *aql.Queue, obj uint64, completion aql.SignalHandle, commit bool) uint64 {
	t.Helper()
	i, err := q.TryReserve(1)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	p := aql.KernelDispatch{WorkgroupSize: [3]uint16{1, 1, 1}, GridSize: [3]uint32{1, 1, 1}, KernelObject: obj, CompletionSignal: completion}
	q.Packet(i).FillKernelDispatch(&p)
	if commit {
		q.Packet(i).Commit(aql.MakeHeader(aql.PacketTypeKernelDispatch, false, aql.FenceScopeAgent, aql.FenceScopeAgent), 0)
	}
	return i
}

// =============================================================================
// Processor
// =============================================================================

// TestProcessorDispatch verifies kernel launch, completion signal decrement
// and timestamps.
func TestProcessorDispatch(t *testing.T) {
	q, p, signals, kernels := newProcessor(t, 4)
	var ran []uint64
	obj := kernels.Register("k", func(ctx *aql.DispatchContext) error {
		ran = append(ran, ctx.Index)
		return nil
	})
	sig, err := signals.Create(aql.SignalKindUser, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	emplaceDispatch(t, q, obj, sig, true)
	n, err := p.Drain()
	if err != nil || n != 1 {
		t.Fatalf("Drain: got (%d, %v), want (1, nil)", n, err)
	}
	if len(ran) != 1 || ran[0] != 0 {
		t.Fatalf("kernel runs: got %v", ran)
	}
	s := signals.Get(sig)
	if s.Load() != 0 {
		t.Fatalf("completion: got %d, want 0", s.Load())
	}
	start, end := s.Timestamps()
	if start == 0 || end <= start {
		t.Fatalf("timestamps: got start=%d end=%d", start, end)
	}
	if q.ReadIndex() != 1 || q.Packet(0).Header().Type() != aql.PacketTypeInvalid {
		t.Fatalf("slot not released: read=%d type=%v", q.ReadIndex(), q.Packet(0).Header().Type())
	}
}

// TestProcessorBlocksOnInvalid verifies in-order launch stops at the first
// INVALID packet even if later packets are ready.
func TestProcessorBlocksOnInvalid(t *testing.T) {
	q, p, _, kernels := newProcessor(t, 4)
	count := 0
	obj := kernels.Register("k", func(*aql.DispatchContext) error { count++; return nil })
	first := emplaceDispatch(t, q, obj, aql.NullSignal, false)
	emplaceDispatch(t, q, obj, aql.NullSignal, true)

	if n, _ := p.Drain(); n != 0 || count != 0 {
		t.Fatalf("Drain with INVALID head: got n=%d runs=%d", n, count)
	}
	q.Packet(first).Commit(aql.MakeHeader(aql.PacketTypeKernelDispatch, false, aql.FenceScopeAgent, aql.FenceScopeAgent), 0)
	if n, _ := p.Drain(); n != 2 || count != 2 {
		t.Fatalf("Drain after commit: got n=%d runs=%d", n, count)
	}
}

// TestProcessorFixupNextPacket verifies a kernel can rewrite and publish the
// packet after it, which then launches with the rewritten grid.
func TestProcessorFixupNextPacket(t *testing.T) {
	q, p, _, kernels := newProcessor(t, 4)
	var grid [3]uint32
	target := kernels.Register("target", func(ctx *aql.DispatchContext) error {
		grid = ctx.Packet.GridSize
		return nil
	})
	update := kernels.Register("update", func(ctx *aql.DispatchContext) error {
		next := ctx.Queue.Packet(ctx.Index + 1)
		next.SetGridSize([3]uint32{4, 1, 1})
		next.Commit(aql.MakeHeader(aql.PacketTypeKernelDispatch, false, aql.FenceScopeAgent, aql.FenceScopeAgent), 3)
		return nil
	})
	emplaceDispatch(t, q, update, aql.NullSignal, true)
	emplaceDispatch(t, q, target, aql.NullSignal, false)

	if n, err := p.Drain(); n != 2 || err != nil {
		t.Fatalf("Drain: got (%d, %v)", n, err)
	}
	if grid != [3]uint32{4, 1, 1} {
		t.Fatalf("grid: got %v, want [4 1 1]", grid)
	}
}

// TestProcessorBarrierAnd verifies barrier-and waits for every dependency.
func TestProcessorBarrierAnd(t *testing.T) {
	q, p, signals, _ := newProcessor(t, 4)
	a, _ := signals.Create(aql.SignalKindUser, 1)
	b, _ := signals.Create(aql.SignalKindUser, 1)
	i, _ := q.TryReserve(1)
	q.Packet(i).FillBarrier(&aql.Barrier{DepSignals: [5]aql.SignalHandle{a, b}})
	q.Packet(i).Commit(aql.MakeHeader(aql.PacketTypeBarrierAnd, true, aql.FenceScopeNone, aql.FenceScopeNone), 0)

	if ok, _ := p.Step(); ok {
		t.Fatalf("Step: barrier ran with unsatisfied deps")
	}
	signals.Get(a).Store(0)
	if ok, _ := p.Step(); ok {
		t.Fatalf("Step: barrier ran with one dep outstanding")
	}
	signals.Get(b).Store(0)
	if ok, err := p.Step(); !ok || err != nil {
		t.Fatalf("Step: got (%v, %v), want (true, nil)", ok, err)
	}
}

// TestProcessorBarrierOr verifies barrier-or completes on any dependency.
func TestProcessorBarrierOr(t *testing.T) {
	q, p, signals, _ := newProcessor(t, 4)
	a, _ := signals.Create(aql.SignalKindUser, 1)
	b, _ := signals.Create(aql.SignalKindUser, 1)
	i, _ := q.TryReserve(1)
	q.Packet(i).FillBarrier(&aql.Barrier{DepSignals: [5]aql.SignalHandle{a, b}})
	q.Packet(i).Commit(aql.MakeHeader(aql.PacketTypeBarrierOr, false, aql.FenceScopeNone, aql.FenceScopeNone), 0)
	if ok, _ := p.Step(); ok {
		t.Fatalf("Step: barrier-or ran with no dep satisfied")
	}
	signals.Get(b).Store(0)
	if ok, _ := p.Step(); !ok {
		t.Fatalf("Step: barrier-or did not run")
	}
}

// TestProcessorBarrierValue verifies the vendor barrier-value condition.
func TestProcessorBarrierValue(t *testing.T) {
	q, p, signals, _ := newProcessor(t, 4)
	s, _ := signals.Create(aql.SignalKindUser, 5)
	i, _ := q.TryReserve(1)
	q.Packet(i).FillBarrierValue(&aql.BarrierValue{Signal: s, Value: 3, Mask: -1, Condition: aql.ConditionLess})
	q.Packet(i).Commit(aql.MakeHeader(aql.PacketTypeVendorSpecific, false, aql.FenceScopeNone, aql.FenceScopeNone), aql.AMDFormatBarrierValue)
	if ok, _ := p.Step(); ok {
		t.Fatalf("Step: 5 < 3 must not hold")
	}
	signals.Get(s).Store(2)
	if ok, err := p.Step(); !ok || err != nil {
		t.Fatalf("Step: got (%v, %v)", ok, err)
	}
}

// TestProcessorAgentDispatch verifies agent packets reach the handler.
func TestProcessorAgentDispatch(t *testing.T) {
	q := aql.NewQueue(2, 4, aql.QueueTypeMulti)
	agent := &recordingAgent{}
	p := aql.NewProcessor(q, aql.ProcessorConfig{Signals: aql.NewSignalTable(1), Agent: agent})
	i, _ := q.Reserve(1)
	q.Packet(i).FillAgentDispatch(&aql.AgentDispatch{Args: [4]uint64{7}})
	q.Packet(i).Commit(aql.MakeHeader(aql.PacketTypeAgentDispatch, true, aql.FenceScopeSystem, aql.FenceScopeSystem), 3)
	if n, err := p.Drain(); n != 1 || err != nil {
		t.Fatalf("Drain: got (%d, %v)", n, err)
	}
	if len(agent.calls) != 1 || agent.calls[0].Type != 3 || agent.calls[0].Args[0] != 7 {
		t.Fatalf("agent calls: got %+v", agent.calls)
	}
}

// TestProcessorUnknownKernel verifies dispatching an unregistered object fails.
func TestProcessorUnknownKernel(t *testing.T) {
	q, p, _, _ := newProcessor(t, 2)
	emplaceDispatch(t, q, 0xDEAD, aql.NullSignal, true)
	if _, err := p.Step(); !errors.Is(err, aql.ErrUnknownKernel) {
		t.Fatalf("Step: got %v, want ErrUnknownKernel", err)
	}
}
