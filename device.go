// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/devq/aql"
	"github.com/rs/xid"
)

// Device is a simulated agent: device memory, a signal table, the builtin
// kernels, the host call queue and every scheduler with its two AQL
// queues.
//
// Packets run when the device is driven, either on the caller's goroutine
// with [Device.RunUntilIdle] or with one goroutine per queue with
// [Device.Run]. The two are mutually exclusive.
type Device struct {
	opts   Options
	logger *slog.Logger

	memory    *Memory
	signals   *aql.SignalTable
	clock     *aql.Clock
	kernels   *aql.KernelTable
	builtins  Kernels
	handles   *HandleTable
	allocator *Allocator

	host        *hostQueue
	hostService *HostService
	hostProc    *aql.Processor

	mu         sync.RWMutex
	schedulers []*Scheduler
	processors []*aql.Processor
	semaphores []*Semaphore
	queueIDs   uint64

	running atomix.Uint32
	lost    atomix.Uint32
	lostMu  sync.Mutex
	lostErr *DeviceError
}

func newDevice(opts Options) *Device {
	d := &Device{
		opts:    opts,
		logger:  opts.logger,
		memory:  NewMemory(opts.memorySize),
		signals: aql.NewSignalTable(opts.signalCount),
		clock:   &aql.Clock{},
		kernels: aql.NewKernelTable(),
		handles: NewHandleTable(),
	}
	d.allocator = newAllocator(d.memory, d.handles)
	d.registerBuiltins()

	var handler HostHandler
	if opts.hostHandler != nil {
		handler = opts.hostHandler(d)
	} else {
		handler = NewDefaultHostHandler(d)
	}
	d.hostService = NewHostService(handler, d.logger)
	d.host = &hostQueue{queue: aql.NewQueue(d.nextQueueID(), opts.hostQueueSize, aql.QueueTypeMulti)}
	d.hostProc = aql.NewProcessor(d.host.queue, d.processorConfig(d.hostService))
	d.host.assist = d.assistHost
	d.processors = append(d.processors, d.hostProc)
	return d
}

func (d *Device) nextQueueID() uint64 {
	id := d.queueIDs
	d.queueIDs++
	return id
}

func (d *Device) processorConfig(agent aql.AgentHandler) aql.ProcessorConfig {
	return aql.ProcessorConfig{
		Signals: d.signals,
		Kernels: d.kernels,
		Agent:   agent,
		Clock:   d.clock,
	}
}

// assistHost services one host call from a device path that found the
// host queue full. Only possible when nothing else drives the host queue.
func (d *Device) assistHost() bool {
	if d.running.LoadAcquire() != 2 {
		return false
	}
	ok, err := d.hostProc.Step()
	if err != nil {
		d.fault(d.hostProc.Queue(), err)
		return true
	}
	return ok
}

// Logger returns the device logger.
func (d *Device) Logger() *slog.Logger { return d.logger }

// Memory returns the device address space.
func (d *Device) Memory() *Memory { return d.memory }

// Signals returns the device signal table.
func (d *Device) Signals() *aql.SignalTable { return d.signals }

// Handles returns the allocation handle table.
func (d *Device) Handles() *HandleTable { return d.handles }

// Allocator returns the queue-ordered allocator.
func (d *Device) Allocator() *Allocator { return d.allocator }

// Builtins returns the builtin kernel table.
func (d *Device) Builtins() *Kernels { return &d.builtins }

// HostService returns the service handling host calls.
func (d *Device) HostService() *HostService { return d.hostService }

// HostQueue returns the device→host call queue.
func (d *Device) HostQueue() *aql.Queue { return d.host.queue }

// CreatePool adds an allocation pool of n blocks.
func (d *Device) CreatePool(n int, policy PoolPolicy) *Pool {
	return d.allocator.CreatePool(n, policy)
}

// NewAllocationHandle creates an uncommitted handle for pool.
func (d *Device) NewAllocationHandle(pool uint32) *AllocationHandle {
	return d.handles.New(pool)
}

// RegisterKernel adds a user kernel and returns its dispatch arguments.
func (d *Device) RegisterKernel(name string, fn aql.KernelFunc, kernargSize uint16, workgroupSize [3]uint16) KernelArgs {
	return KernelArgs{
		KernelObject:  d.kernels.Register(name, fn),
		Setup:         3,
		WorkgroupSize: workgroupSize,
		KernargSize:   kernargSize,
	}
}

// NewScheduler creates a scheduler with its scheduler and execution queues
// and submits the Initialize entry that populates its signal pool.
func (d *Device) NewScheduler() (*Scheduler, error) {
	if d.Lost() {
		return nil, d.lostError()
	}
	o := d.opts
	d.mu.Lock()
	defer d.mu.Unlock()

	s := &Scheduler{
		dev:        d,
		handle:     uint64(len(d.schedulers) + 1),
		id:         xid.New(),
		incoming:   NewSoftQueue[QueueEntry](o.entryCapacity),
		retired:    NewSoftQueue[int32](o.entryCapacity),
		arena:      newEntryArena(o.entryCapacity),
		signalPool: newSignalPool(o.signalPoolSize, d.signals),
		trace:      newTraceBuffer(o.traceCapacity, d.clock),
		host:       d.host,
	}
	s.logger = d.logger.With("scheduler", s.id.String())
	s.waitList = newQueueList(s.arena, listWait)
	s.runList = newQueueList(s.arena, listRun)
	s.wake.init(s)
	s.wakeSet = WakeSet{self: s}

	var err error
	s.schedQueue = aql.NewQueue(d.nextQueueID(), o.schedulerQueueSize, aql.QueueTypeMulti)
	if s.schedKernargs, err = newKernargRing(d.memory, s.schedQueue.Size()); err != nil {
		return nil, err
	}
	s.execQueue = aql.NewQueue(d.nextQueueID(), o.executionQueueSize, aql.QueueTypeMulti)
	if s.execKernargs, err = newKernargRing(d.memory, s.execQueue.Size()); err != nil {
		return nil, err
	}
	if s.queries, err = newQueryRing(d.signals, o.queryRingSize); err != nil {
		return nil, err
	}
	s.exec = execution{sched: s, entry: nilIndex}
	if s.exec.control, err = d.memory.Alloc(controlKernargsSize, kernargAlignment); err != nil {
		return nil, err
	}
	signals := make([]aql.SignalHandle, o.signalPoolSize)
	for i := range signals {
		if signals[i], err = d.signals.Create(aql.SignalKindUser, 1); err != nil {
			return nil, err
		}
	}

	cfg := d.processorConfig(nil)
	d.processors = append(d.processors, aql.NewProcessor(s.schedQueue, cfg), aql.NewProcessor(s.execQueue, cfg))
	d.schedulers = append(d.schedulers, s)
	s.logger.Info("scheduler created", "handle", s.handle,
		"sched_queue", s.schedQueue.ID(), "exec_queue", s.execQueue.ID())

	if err := s.Submit(&QueueEntry{Payload: InitializeArgs{Signals: signals}}); err != nil {
		return nil, err
	}
	return s, nil
}

// scheduler returns the scheduler with handle, or nil.
func (d *Device) scheduler(handle uint64) *Scheduler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if handle == 0 || handle > uint64(len(d.schedulers)) {
		return nil
	}
	return d.schedulers[handle-1]
}

// Schedulers returns every scheduler in creation order.
func (d *Device) Schedulers() []*Scheduler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Scheduler(nil), d.schedulers...)
}

// CreateSemaphore creates a timeline semaphore. Signals of a host-visible
// semaphore are also posted to the host as POST_SIGNAL.
func (d *Device) CreateSemaphore(initial uint64, hostVisible bool) *Semaphore {
	d.mu.Lock()
	defer d.mu.Unlock()
	var host *hostQueue
	if hostVisible {
		host = d.host
	}
	s := newSemaphore(uint64(len(d.semaphores)+1), initial, host)
	d.semaphores = append(d.semaphores, s)
	return s
}

// Semaphore returns the semaphore with id, or nil.
func (d *Device) Semaphore(id uint64) *Semaphore {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id == 0 || id > uint64(len(d.semaphores)) {
		return nil
	}
	return d.semaphores[id-1]
}

// SignalSemaphore signals s from the host and wakes every scheduler
// waiting on it.
func (d *Device) SignalSemaphore(s *Semaphore, value uint64) {
	ws := NewWakeSet(nil)
	s.Signal(value, ws)
	ws.Flush()
}

func (d *Device) processorList() []*aql.Processor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*aql.Processor(nil), d.processors...)
}

// RunUntilIdle steps every queue round-robin on the calling goroutine
// until no queue makes progress. It returns the number of packets run and
// the device error if the device is lost.
func (d *Device) RunUntilIdle() (int, error) {
	if !d.running.CompareAndSwapAcqRel(0, 2) {
		return 0, ErrRunning
	}
	defer d.running.StoreRelease(0)

	total := 0
	for {
		progress := false
		for _, p := range d.processorList() {
			n, err := p.Drain()
			total += n
			if n > 0 {
				progress = true
			}
			if err != nil {
				d.fault(p.Queue(), err)
				return total, d.lostError()
			}
		}
		if !progress {
			return total, d.LostError()
		}
	}
}

// Run drives every queue on its own goroutine until ctx is done or a
// packet fails. Schedulers created while Run is active are not driven
// until the next call.
func (d *Device) Run(ctx context.Context) error {
	if !d.running.CompareAndSwapAcqRel(0, 1) {
		return ErrRunning
	}
	defer d.running.StoreRelease(0)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	for _, p := range d.processorList() {
		wg.Add(1)
		go func(p *aql.Processor) {
			defer wg.Done()
			err := p.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			d.fault(p.Queue(), err)
			once.Do(func() {
				first = err
				cancel()
			})
		}(p)
	}
	wg.Wait()
	if first != nil {
		return first
	}
	return ctx.Err()
}

// fault marks the device lost after a packet on q failed.
func (d *Device) fault(q *aql.Queue, err error) {
	d.logger.Error("packet failed", "queue", q.ID(), "error", err)
	d.markLost(&DeviceError{Code: CodeOf(err), Arg0: q.ID(), Arg1: q.ReadIndex()})
}

// Lost reports whether the device stopped after a fatal error.
func (d *Device) Lost() bool { return d.lost.LoadAcquire() != 0 }

// LostError returns the error that made the device lost, or nil.
func (d *Device) LostError() error {
	if !d.Lost() {
		return nil
	}
	return d.lostError()
}

// lostError returns an error matching ErrDeviceLost.
func (d *Device) lostError() error {
	d.lostMu.Lock()
	defer d.lostMu.Unlock()
	if d.lostErr != nil {
		return d.lostErr
	}
	return ErrDeviceLost
}

// markLost records err and stops every scheduler. The first error wins.
func (d *Device) markLost(err *DeviceError) {
	d.lostMu.Lock()
	if d.lostErr == nil {
		d.lostErr = err
	}
	d.lostMu.Unlock()
	if !d.lost.CompareAndSwapAcqRel(0, 1) {
		return
	}
	d.logger.Error("device lost", "code", err.Code, "arg0", err.Arg0, "arg1", err.Arg1)
	for _, s := range d.Schedulers() {
		s.markLost()
	}
}

// DeviceSnapshot is a point-in-time copy of device state.
type DeviceSnapshot struct {
	Lost       bool                `json:"lost"`
	Error      string              `json:"error,omitempty"`
	MemoryUsed uint64              `json:"memory_used"`
	Signals    int                 `json:"signals"`
	HostCalls  map[string]uint64   `json:"host_calls"`
	Schedulers []SchedulerSnapshot `json:"schedulers"`
}

// Snapshot copies the device's counters.
func (d *Device) Snapshot() DeviceSnapshot {
	snap := DeviceSnapshot{
		Lost:       d.Lost(),
		MemoryUsed: d.memory.Used(),
		Signals:    d.signals.Len(),
		HostCalls:  make(map[string]uint64, len(hostCallNames)),
	}
	if err := d.LostError(); err != nil {
		snap.Error = err.Error()
	}
	for c := range hostCallNames {
		snap.HostCalls[HostCall(c).String()] = d.hostService.Calls(HostCall(c))
	}
	for _, s := range d.Schedulers() {
		snap.Schedulers = append(snap.Schedulers, s.Snapshot())
	}
	return snap
}

func (d *Device) String() string {
	return fmt.Sprintf("devq.Device{schedulers: %d, lost: %v}", len(d.Schedulers()), d.Lost())
}
