// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"fmt"
	"log/slog"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/devq/aql"
	"code.hybscloud.com/spin"
)

// HostCall is the agent dispatch type of a device→host request.
type HostCall uint16

const (
	// HostCallPoolGrow commits a pool block.
	// Args: pool, block, size, alignment. Return address: handle id.
	HostCallPoolGrow HostCall = iota
	// HostCallPoolTrim decommits a pool block. Args: pool, block.
	HostCallPoolTrim
	// HostCallPostRelease drops up to four host resource references.
	HostCallPostRelease
	// HostCallPostError reports a fatal condition. Args: code, arg0, arg1.
	HostCallPostError
	// HostCallPostSignal forwards a semaphore signal. Args: semaphore, value.
	HostCallPostSignal
	// HostCallPostTraceFlush asks the host to consume a trace buffer.
	// Args: scheduler handle.
	HostCallPostTraceFlush
)

var hostCallNames = [...]string{
	HostCallPoolGrow:       "POOL_GROW",
	HostCallPoolTrim:       "POOL_TRIM",
	HostCallPostRelease:    "POST_RELEASE",
	HostCallPostError:      "POST_ERROR",
	HostCallPostSignal:     "POST_SIGNAL",
	HostCallPostTraceFlush: "POST_TRACE_FLUSH",
}

func (c HostCall) String() string {
	if int(c) < len(hostCallNames) {
		return hostCallNames[c]
	}
	return fmt.Sprintf("HostCall(%d)", uint16(c))
}

// hostHeader is the header of every host call packet: a barrier so that
// calls are serviced in order, with system-scope fences on both sides.
var hostHeader = aql.MakeHeader(aql.PacketTypeAgentDispatch, true, aql.FenceScopeSystem, aql.FenceScopeSystem)

// hostQueue is the device side of the host call queue.
type hostQueue struct {
	queue *aql.Queue
	// assist, if set, services one host packet from the posting goroutine.
	// It returns false when another goroutine drives the host queue.
	assist func() bool
}

// post emplaces one host call. It waits while the host queue is full:
// this is the only device path that may wait on the host.
func (h *hostQueue) post(call HostCall, ret uint64, args [4]uint64, completion aql.SignalHandle) {
	sw := spin.Wait{}
	id, err := h.queue.TryReserve(1)
	for err != nil {
		if !IsWouldBlock(err) {
			panic("devq: host queue: " + err.Error())
		}
		if h.assist == nil || !h.assist() {
			sw.Once()
		}
		id, err = h.queue.TryReserve(1)
	}
	slot := h.queue.Packet(id)
	slot.FillAgentDispatch(&aql.AgentDispatch{
		ReturnAddress:    ret,
		Args:             args,
		CompletionSignal: completion,
	})
	slot.Commit(hostHeader, uint16(call))
	h.queue.RingDoorbell(id)
}

// HostService decodes host call packets and routes them to a HostHandler.
// It is the agent handler of the host queue's processor.
type HostService struct {
	handler HostHandler
	logger  *slog.Logger
	calls   [len(hostCallNames)]atomix.Uint64
}

// NewHostService creates a service forwarding to h.
func NewHostService(h HostHandler, logger *slog.Logger) *HostService {
	return &HostService{handler: h, logger: logger}
}

// Calls returns how many calls of type c were serviced.
func (s *HostService) Calls(c HostCall) uint64 {
	if int(c) >= len(s.calls) {
		return 0
	}
	return s.calls[c].LoadAcquire()
}

// HandleAgentDispatch implements [aql.AgentHandler].
func (s *HostService) HandleAgentDispatch(q *aql.Queue, index uint64, p *aql.AgentDispatch) error {
	call := HostCall(p.Type)
	s.logger.Debug("host call", "call", call, "index", index,
		"arg0", p.Args[0], "arg1", p.Args[1], "arg2", p.Args[2], "arg3", p.Args[3])
	var err error
	switch call {
	case HostCallPoolGrow:
		err = s.handler.PoolGrow(uint32(p.Args[0]), uint32(p.Args[1]), p.ReturnAddress, p.Args[2], p.Args[3])
	case HostCallPoolTrim:
		err = s.handler.PoolTrim(uint32(p.Args[0]), uint32(p.Args[1]))
	case HostCallPostRelease:
		err = s.handler.Release(p.Args)
	case HostCallPostError:
		err = s.handler.DeviceLost(&DeviceError{Code: ErrorCode(p.Args[0]), Arg0: p.Args[1], Arg1: p.Args[2]})
	case HostCallPostSignal:
		err = s.handler.Signal(p.Args[0], p.Args[1])
	case HostCallPostTraceFlush:
		err = s.handler.TraceFlush(p.Args[0])
	default:
		return fmt.Errorf("%w: host call type %d", ErrInvalidCommand, p.Type)
	}
	s.calls[call].AddAcqRel(1)
	if err != nil {
		s.logger.Error("host call failed", "call", call, "error", err)
		return fmt.Errorf("%s: %w", call, err)
	}
	return nil
}

// DefaultHostHandler services host calls against the device's own models.
//
// The callbacks are optional and must be set before the device runs.
type DefaultHostHandler struct {
	dev *Device

	// OnRelease is called with the resources of each POST_RELEASE.
	OnRelease func(resources [4]uint64)
	// OnSignal is called for each host-visible semaphore signal.
	OnSignal func(semaphore, payload uint64)
	// OnTrace is called for each consumed trace event.
	OnTrace func(scheduler uint64, ev TraceEvent)
	// OnQuery is called for each reclaimed timestamp query.
	OnQuery func(scheduler uint64, q QueryResult)
}

// NewDefaultHostHandler creates the default handler for d.
func NewDefaultHostHandler(d *Device) *DefaultHostHandler {
	return &DefaultHostHandler{dev: d}
}

// PoolGrow commits the block through the device allocator.
func (h *DefaultHostHandler) PoolGrow(pool, block uint32, handle, size, align uint64) error {
	if err := h.dev.allocator.Commit(pool, block, handle, size, align); err != nil {
		h.dev.markLost(&DeviceError{Code: CodeOf(err), Arg0: uint64(pool), Arg1: uint64(block)})
		return err
	}
	return nil
}

// PoolTrim decommits the block through the device allocator.
func (h *DefaultHostHandler) PoolTrim(pool, block uint32) error {
	if err := h.dev.allocator.Decommit(pool, block); err != nil {
		h.dev.markLost(&DeviceError{Code: CodeOf(err), Arg0: uint64(pool), Arg1: uint64(block)})
		return err
	}
	return nil
}

// Release forwards to OnRelease.
func (h *DefaultHostHandler) Release(resources [4]uint64) error {
	if h.OnRelease != nil {
		h.OnRelease(resources)
	}
	return nil
}

// DeviceLost marks the device lost.
func (h *DefaultHostHandler) DeviceLost(err *DeviceError) error {
	h.dev.markLost(err)
	return nil
}

// Signal forwards to OnSignal.
func (h *DefaultHostHandler) Signal(semaphore, payload uint64) error {
	if h.OnSignal != nil {
		h.OnSignal(semaphore, payload)
	}
	return nil
}

// TraceFlush drains the scheduler's trace buffer and reclaims completed
// timestamp queries.
func (h *DefaultHostHandler) TraceFlush(scheduler uint64) error {
	s := h.dev.scheduler(scheduler)
	if s == nil {
		return fmt.Errorf("%w: scheduler %d", ErrInvalidEntry, scheduler)
	}
	s.trace.Consume(func(ev TraceEvent) {
		if h.OnTrace != nil {
			h.OnTrace(scheduler, ev)
		}
	})
	s.queries.Reclaim(func(q QueryResult) {
		if h.OnQuery != nil {
			h.OnQuery(scheduler, q)
		}
	})
	return nil
}
