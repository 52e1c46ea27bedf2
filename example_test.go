// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !race

// These examples drive the device through atomix primitives, which the
// race detector reports as plain memory accesses. They are excluded from
// race testing.

package devq_test

import (
	"errors"
	"fmt"

	"code.hybscloud.com/devq"
	"code.hybscloud.com/devq/aql"
)

// ExampleScheduler_Submit fills a buffer once a host semaphore releases it.
func ExampleScheduler_Submit() {
	dev := devq.New().BuildDevice()
	sched, _ := dev.NewScheduler()

	buf, _ := dev.Memory().Alloc(8, 16)
	ready := dev.CreateSemaphore(0, false)
	done := dev.CreateSemaphore(0, false)
	sched.Submit(&devq.QueueEntry{
		Waits:   []devq.SemaphoreWait{{Semaphore: ready, Value: 1}},
		Signals: []devq.SemaphoreSignal{{Semaphore: done, Value: 1}},
		Payload: devq.FillArgs{Target: devq.PtrRef(buf, 0, 8), Pattern: 0xAB, PatternLength: 1},
	})

	dev.RunUntilIdle()
	fmt.Println("done before signal:", done.Value())

	dev.SignalSemaphore(ready, 1)
	dev.RunUntilIdle()
	b, _ := dev.Memory().Bytes(buf, 8)
	fmt.Println("done after signal:", done.Value())
	fmt.Printf("% x\n", b)

	// Output:
	// done before signal: 0
	// done after signal: 1
	// ab ab ab ab ab ab ab ab
}

// ExampleNewCommandBuffer records a command buffer that fills a bound
// buffer and doubles it with a user kernel.
func ExampleNewCommandBuffer() {
	dev := devq.New().BuildDevice()
	sched, _ := dev.NewScheduler()
	mem := dev.Memory()

	// double: dst[i] = 2 * src[i] for i < grid.x. Kernargs: [src, dst].
	double := dev.RegisterKernel("double", func(ctx *aql.DispatchContext) error {
		src, _ := mem.ReadUint64(ctx.Packet.KernargAddress)
		dst, _ := mem.ReadUint64(ctx.Packet.KernargAddress + 8)
		for i := range uint64(ctx.Packet.GridSize[0]) {
			v, err := mem.ReadUint32(src + 4*i)
			if err != nil {
				return err
			}
			if err := mem.WriteUint32(dst+4*i, 2*v); err != nil {
				return err
			}
		}
		return nil
	}, 16, [3]uint16{64, 1, 1})

	block, err := devq.NewBlockBuilder().
		Fill(devq.SlotRef(0, 0, devq.MaxLength), 21, 4).
		Barrier().
		Dispatch(double, [3]uint32{4, 1, 1}, []devq.BufferRef{devq.SlotRef(0, 0, 16), devq.SlotRef(1, 0, 16)}, nil).
		Return().
		Build()
	if err != nil {
		fmt.Println(err)
		return
	}
	cb, _ := devq.NewCommandBuffer(block)

	in, _ := mem.Alloc(16, 16)
	out, _ := mem.Alloc(16, 16)
	sched.Submit(&devq.QueueEntry{Payload: devq.ExecuteArgs{
		CommandBuffer: cb,
		Bindings:      []devq.BufferRef{devq.PtrRef(in, 0, 16), devq.PtrRef(out, 0, 16)},
	}})
	dev.RunUntilIdle()

	for i := range uint64(4) {
		v, _ := mem.ReadUint32(out + 4*i)
		fmt.Println(v)
	}

	// Output:
	// 42
	// 42
	// 42
	// 42
}

// ExampleDevice_RunUntilIdle shows how a device fault surfaces.
func ExampleDevice_RunUntilIdle() {
	dev := devq.New().BuildDevice()
	sched, _ := dev.NewScheduler()

	// Pool 3 does not exist.
	sched.Submit(&devq.QueueEntry{Payload: devq.AllocaArgs{
		Pool:   3,
		Size:   64,
		Handle: dev.NewAllocationHandle(3),
	}})
	_, err := dev.RunUntilIdle()
	fmt.Println(errors.Is(err, devq.ErrDeviceLost), errors.Is(err, devq.ErrInvalidPool))

	err = sched.Submit(&devq.QueueEntry{Payload: devq.BarrierArgs{}})
	fmt.Println(errors.Is(err, devq.ErrDeviceLost))

	// Output:
	// true true
	// true
}
