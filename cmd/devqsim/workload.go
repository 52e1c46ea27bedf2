// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"code.hybscloud.com/devq"
	"code.hybscloud.com/devq/aql"
	"code.hybscloud.com/iox"
	"github.com/rs/xid"
)

const (
	fillValue  = 3
	scaleValue = 7
)

// workload is the demo chain run once per round on one scheduler:
//
//	alloca → fill → execute(scale) → copy to result → dealloca
//
// Each step waits on the previous step's value of a single timeline
// semaphore and signals the next one.
type workload struct {
	dev    *devq.Device
	sched  *devq.Scheduler
	logger *slog.Logger

	pool   *devq.Pool
	cb     *devq.CommandBuffer
	result uint64
	n      int
	flags  devq.ExecutionFlags

	timeline *devq.Semaphore
	value    uint64
}

func newWorkload(dev *devq.Device, logger *slog.Logger, n int, flags devq.ExecutionFlags) (*workload, error) {
	if n <= 0 {
		return nil, fmt.Errorf("element count %d", n)
	}
	sched, err := dev.NewScheduler()
	if err != nil {
		return nil, err
	}
	result, err := dev.Memory().Alloc(4*uint64(n), 64)
	if err != nil {
		return nil, err
	}

	scale := registerScale(dev)
	block, err := devq.NewBlockBuilder().
		DebugGroupBegin("scale", 0x00FF00).
		Dispatch(scale, [3]uint32{uint32(n), 1, 1}, []devq.BufferRef{devq.SlotRef(0, 0, devq.MaxLength)}, []uint32{scaleValue}).
		DebugGroupEnd().
		Return().
		Build()
	if err != nil {
		return nil, err
	}
	cb, err := devq.NewCommandBuffer(block)
	if err != nil {
		return nil, err
	}
	return &workload{
		dev:      dev,
		sched:    sched,
		logger:   logger,
		pool:     dev.CreatePool(1, devq.PoolDecommitOnFree),
		cb:       cb,
		result:   result,
		n:        n,
		flags:    flags,
		timeline: dev.CreateSemaphore(0, false),
	}, nil
}

// registerScale registers buf[i] *= c for i < grid.x.
// Kernargs: [buf, c].
func registerScale(dev *devq.Device) devq.KernelArgs {
	m := dev.Memory()
	return dev.RegisterKernel("scale", func(ctx *aql.DispatchContext) error {
		buf, err := m.ReadUint64(ctx.Packet.KernargAddress)
		if err != nil {
			return err
		}
		c, err := m.ReadUint32(ctx.Packet.KernargAddress + 8)
		if err != nil {
			return err
		}
		for i := range uint64(ctx.Packet.GridSize[0]) {
			v, err := m.ReadUint32(buf + 4*i)
			if err != nil {
				return err
			}
			if err := m.WriteUint32(buf+4*i, v*c); err != nil {
				return err
			}
		}
		return nil
	}, 12, [3]uint16{64, 1, 1})
}

// step returns the wait on the current timeline value and the signal of
// the next one.
func (w *workload) step() ([]devq.SemaphoreWait, []devq.SemaphoreSignal) {
	var waits []devq.SemaphoreWait
	if w.value > 0 {
		waits = []devq.SemaphoreWait{{Semaphore: w.timeline, Value: w.value}}
	}
	w.value++
	return waits, []devq.SemaphoreSignal{{Semaphore: w.timeline, Value: w.value}}
}

func (w *workload) submit(payload devq.Payload) error {
	waits, signals := w.step()
	bo := iox.Backoff{}
	for {
		err := w.sched.Submit(&devq.QueueEntry{Waits: waits, Signals: signals, Payload: payload})
		if !devq.IsWouldBlock(err) {
			return err
		}
		bo.Wait()
	}
}

// round submits the chain, drives the device until the last step signals
// and checks the result buffer.
func (w *workload) round(timeout time.Duration) error {
	id := xid.New()
	logger := w.logger.With("round", id.String())
	h := w.dev.NewAllocationHandle(w.pool.ID())
	size := 4 * uint64(w.n)
	whole := devq.HandleRef(h, 0, devq.MaxLength)
	result, err := w.dev.Memory().Bytes(w.result, size)
	if err != nil {
		return err
	}
	clear(result)

	steps := []devq.Payload{
		devq.AllocaArgs{Pool: w.pool.ID(), MinAlignment: 64, Size: size, Handle: h},
		devq.FillArgs{Target: whole, Pattern: fillValue, PatternLength: 4},
		devq.ExecuteArgs{CommandBuffer: w.cb, Bindings: []devq.BufferRef{whole}, Flags: w.flags},
		devq.CopyArgs{Source: whole, Target: devq.PtrRef(w.result, 0, size)},
		devq.DeallocaArgs{Handle: h},
	}
	for _, p := range steps {
		if err := w.submit(p); err != nil {
			return fmt.Errorf("submit %s: %w", p.EntryType(), err)
		}
	}
	final := w.value
	logger.Debug("round submitted", "steps", len(steps), "final", final)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.dev.Run(ctx) }()

	bo := iox.Backoff{}
	for w.timeline.Value() < final && !w.dev.Lost() && ctx.Err() == nil {
		bo.Wait()
	}
	cancel()
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err := w.dev.LostError(); err != nil {
		return err
	}
	if got := w.timeline.Value(); got < final {
		return fmt.Errorf("timed out at step %d of %d", got, final)
	}

	want := uint32(fillValue * scaleValue)
	for i := range uint64(w.n) {
		v, err := w.dev.Memory().ReadUint32(w.result + 4*i)
		if err != nil {
			return err
		}
		if v != want {
			return fmt.Errorf("result[%d]: got %d, want %d", i, v, want)
		}
	}
	logger.Info("round complete", "elements", w.n, "retired", w.sched.Stats().Retired.LoadAcquire())
	return nil
}
