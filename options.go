// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"io"
	"log/slog"
)

// Options configures a device and the schedulers it creates.
type Options struct {
	// AQL queue sizes (round up to next power of 2)
	executionQueueSize int
	schedulerQueueSize int
	hostQueueSize      int

	// Per-scheduler fixed-capacity structures
	entryCapacity  int
	signalPoolSize int
	queryRingSize  int
	traceCapacity  int

	// Device-wide
	signalCount  int
	memorySize   uint64
	issueWorkers int

	logger      *slog.Logger
	hostHandler func(*Device) HostHandler
}

// Builder creates devices with fluent configuration.
//
// Example:
//
//	// Defaults: 256-packet execution queues, 64 MiB of device memory
//	dev := devq.New().BuildDevice()
//
//	// Small queues and a logger for debugging
//	dev := devq.New().
//	    QueueSize(64).
//	    Logger(slog.Default()).
//	    BuildDevice()
type Builder struct {
	opts Options
}

// New creates a device builder with default capacities.
func New() *Builder {
	return &Builder{opts: Options{
		executionQueueSize: 256,
		schedulerQueueSize: 64,
		hostQueueSize:      64,
		entryCapacity:      128,
		signalPoolSize:     64,
		queryRingSize:      256,
		traceCapacity:      1024,
		signalCount:        4096,
		memorySize:         64 << 20,
		issueWorkers:       1,
	}}
}

// QueueSize sets the execution queue size in packets.
// Must be >= 2; rounds up to the next power of 2.
func (b *Builder) QueueSize(n int) *Builder {
	mustCapacity(n)
	b.opts.executionQueueSize = n
	return b
}

// SchedulerQueueSize sets the size of the queue that scheduler ticks are
// dispatched on.
func (b *Builder) SchedulerQueueSize(n int) *Builder {
	mustCapacity(n)
	b.opts.schedulerQueueSize = n
	return b
}

// HostQueueSize sets the size of the device→host call queue.
func (b *Builder) HostQueueSize(n int) *Builder {
	mustCapacity(n)
	b.opts.hostQueueSize = n
	return b
}

// EntryCapacity sets how many queue entries a scheduler tracks at once:
// the incoming soft queue capacity and the entry arena size.
func (b *Builder) EntryCapacity(n int) *Builder {
	mustCapacity(n)
	b.opts.entryCapacity = n
	return b
}

// SignalPoolSize sets how many signals each scheduler's pool is
// initialized with.
func (b *Builder) SignalPoolSize(n int) *Builder {
	mustCapacity(n)
	b.opts.signalPoolSize = n
	return b
}

// QueryRingSize sets the number of trace query signals per scheduler.
func (b *Builder) QueryRingSize(n int) *Builder {
	mustCapacity(n)
	b.opts.queryRingSize = n
	return b
}

// TraceCapacity sets the trace event ring capacity per scheduler.
func (b *Builder) TraceCapacity(n int) *Builder {
	mustCapacity(n)
	b.opts.traceCapacity = n
	return b
}

// SignalCount sets the capacity of the device signal table.
func (b *Builder) SignalCount(n int) *Builder {
	mustCapacity(n)
	b.opts.signalCount = n
	return b
}

// Memory sets the size of the simulated device address space.
func (b *Builder) Memory(bytes uint64) *Builder {
	b.opts.memorySize = bytes
	return b
}

// IssueWorkers sets how many goroutines issue the commands of one block.
// Values <= 1 issue sequentially.
func (b *Builder) IssueWorkers(n int) *Builder {
	b.opts.issueWorkers = n
	return b
}

// Logger sets the structured logger. Defaults to discarding output.
func (b *Builder) Logger(l *slog.Logger) *Builder {
	b.opts.logger = l
	return b
}

// HostHandler overrides the handler for device→host calls. fn is called
// once with the device under construction. Defaults to
// [NewDefaultHostHandler].
func (b *Builder) HostHandler(fn func(d *Device) HostHandler) *Builder {
	b.opts.hostHandler = fn
	return b
}

// BuildDevice creates the device.
func (b *Builder) BuildDevice() *Device {
	opts := b.opts
	if opts.logger == nil {
		opts.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return newDevice(opts)
}

func mustCapacity(n int) {
	if n < 2 {
		panic("devq: capacity must be >= 2")
	}
}

// roundToPow2 rounds n up to the next power of 2.
func roundToPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}

// pad is cache line padding to prevent false sharing.
type pad [64]byte

// padShort pads a slot holding one 8-byte word to a cache line.
type padShort [64 - 8]byte
