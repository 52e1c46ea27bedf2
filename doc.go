// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package devq provides a device-resident queue scheduler and command
// buffer executor built on AQL packet queues.
//
// A [Device] owns simulated device memory, a signal table, a host call
// queue and any number of [Scheduler] instances. Each scheduler has two
// AQL queues from package [code.hybscloud.com/devq/aql]:
//
//   - the scheduler queue, where scheduler_tick dispatches run
//   - the execution queue, where queue entries are issued as packets
//
// Everything the scheduler does happens inside kernels running on those
// queues. Nothing on the device blocks: work that cannot proceed stays
// queued as data and a later tick retries it.
//
// # Quick Start
//
//	dev := devq.New().QueueSize(256).BuildDevice()
//	sched, err := dev.NewScheduler()
//	if err != nil {
//	    return err
//	}
//
//	done := dev.CreateSemaphore(0, true)
//	buf, _ := dev.Memory().Alloc(4096, 64)
//	err = sched.Submit(&devq.QueueEntry{
//	    Signals: []devq.SemaphoreSignal{{Semaphore: done, Value: 1}},
//	    Payload: devq.FillArgs{
//	        Target:        devq.PtrRef(buf, 0, 4096),
//	        Pattern:       0xAB,
//	        PatternLength: 1,
//	    },
//	})
//
//	// Drive every queue on this goroutine until nothing is runnable.
//	if _, err := dev.RunUntilIdle(); err != nil {
//	    return err // device lost
//	}
//	// done.Value() == 1
//
// # Queue Entries
//
// A [QueueEntry] carries up to [MaxWaits] semaphore waits, [MaxSignals]
// semaphore signals, [MaxReleases] host resource releases and one
// payload:
//
//	InitializeArgs    populate the scheduler's signal pool
//	DeinitializeArgs  drain it again
//	AllocaArgs        queue-ordered allocation from a pool
//	DeallocaArgs      queue-ordered free
//	FillArgs          fill a buffer with a 1, 2, 4 or 8 byte pattern
//	CopyArgs          copy between buffers
//	ExecuteArgs       run a command buffer
//	BarrierArgs       order later entries after earlier ones
//
// Entries whose waits are unsatisfied sit on the wait list and register
// with their semaphores; a signal wakes the scheduler once per tick no
// matter how many of its waits it satisfied. Ready entries move to the
// run list, ordered by submission epoch, and are issued in order.
//
// # Command Buffers
//
// A [CommandBuffer] is an immutable program of [Block] values recorded
// with [BlockBuilder]. Each block ends in a branch or a return and has a
// fixed packet budget. An Execute entry dispatches issue_block for block 0;
// issue_block reserves the block's packets in one step, writes a packet
// per command and dispatches the next issue_block through the branch:
//
//	b0, _ := devq.NewBlockBuilder().
//	    Fill(devq.SlotRef(0, 0, devq.MaxLength), 0, 4).
//	    Barrier().
//	    Dispatch(kernel, [3]uint32{64, 1, 1}, bindings, nil).
//	    Return().
//	    Build()
//	cb, _ := devq.NewCommandBuffer(b0)
//
// Buffer references resolve against the execution's binding table when a
// block is issued, so one command buffer serves any number of executions.
//
// # Tracing
//
// [ExecutionTraceControl] and [ExecutionTraceDispatch] attach timestamp
// query signals to debug groups and to timed work. The scheduler posts
// POST_TRACE_FLUSH to the host when its trace ring has new events; the
// default host handler consumes them and reclaims completed queries.
//
// # Errors
//
// [Scheduler.Submit] returns [ErrWouldBlock] when the incoming queue is
// full. This error is sourced from [code.hybscloud.com/iox]:
//
//	backoff := iox.Backoff{}
//	for {
//	    err := sched.Submit(&entry)
//	    if err == nil {
//	        break
//	    }
//	    if !devq.IsWouldBlock(err) {
//	        return err
//	    }
//	    backoff.Wait()
//	}
//
// Fatal conditions on the device (an exhausted wake pool, a malformed
// command, a failed host commit) are reported to the host through
// POST_ERROR and make the device lost. Every later error matches
// [ErrDeviceLost] and, through [DeviceError], the sentinel for its code.
//
// # Concurrency
//
// Submit, Wake and semaphore signals are safe from any goroutine and from
// kernels. Per-scheduler lists are owned by the tick. [Device.RunUntilIdle]
// runs every queue on the caller's goroutine; [Device.Run] gives each
// queue its own goroutine, like independent hardware queues.
//
// # Dependencies
//
// This package uses [code.hybscloud.com/iox] for semantic errors,
// [code.hybscloud.com/atomix] for atomic primitives with explicit memory
// ordering, [code.hybscloud.com/spin] for spin waits,
// [github.com/google/btree] for ordered wait lists and the memory map, and
// [github.com/rs/xid] for scheduler and execution ids.
package devq
