// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

//go:generate mockgen -destination=mock_host_test.go -package=devq_test code.hybscloud.com/devq HostHandler

// Submitter is the producer side of a scheduler.
//
// Submit copies the entry into the scheduler's incoming soft queue and
// assigns its epoch. The caller must not modify slices referenced by the
// entry (waits, signals, bindings) until the entry retires.
//
// Example:
//
//	entry := devq.QueueEntry{
//	    Waits:   []devq.SemaphoreWait{{Semaphore: ready, Value: 1}},
//	    Signals: []devq.SemaphoreSignal{{Semaphore: done, Value: 1}},
//	    Payload: devq.FillArgs{Target: devq.PtrRef(buf, 0, 256), Pattern: 0xAB, PatternLength: 1},
//	}
//	if err := sched.Submit(&entry); err != nil {
//	    // ErrWouldBlock: retry later; anything else is fatal
//	}
type Submitter interface {
	Submit(entry *QueueEntry) error
}

// WakeTarget is anything a semaphore can wake: in practice a scheduler,
// which responds by enqueuing a WORK_AVAILABLE tick on its own queue.
type WakeTarget interface {
	Wake()
}

// HostHandler services device→host calls.
//
// Calls arrive in order on the host queue. Each method returns once the
// request is complete; the host service then retires the call's completion
// signal, which releases any device work waiting on it.
type HostHandler interface {
	// PoolGrow commits block of pool with at least size bytes aligned to
	// align and publishes the pointer through the allocation handle.
	PoolGrow(pool, block uint32, handle, size, align uint64) error
	// PoolTrim decommits block of pool.
	PoolTrim(pool, block uint32) error
	// Release drops host references to up to four resources (zero = none).
	Release(resources [4]uint64) error
	// DeviceLost reports a fatal device condition.
	DeviceLost(err *DeviceError) error
	// Signal fans out a host-visible semaphore update.
	Signal(semaphore, payload uint64) error
	// TraceFlush asks the host to consume the scheduler's trace buffer.
	TraceFlush(scheduler uint64) error
}
