// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

// Internals exposed to the external test package.

var (
	NewSignalPool  = newSignalPool
	NewTraceBuffer = newTraceBuffer
	NewQueryRing   = newQueryRing
)

// BlockSlack returns the packet range of b that is issued as no-ops.
func BlockSlack(b *Block) (uint32, uint32) { return b.slack() }

// QueryCount returns the query ids b acquires under flags.
func QueryCount(b *Block, flags ExecutionFlags) uint32 { return b.QueryMap.count(flags) }

// TestList drives a queueList over its own arena.
type TestList struct {
	arena *entryArena
	list  queueList
}

func NewTestList(n int) *TestList {
	a := newEntryArena(n)
	return &TestList{arena: a, list: newQueueList(a, listRun)}
}

// Alloc takes an arena slot for an entry with epoch.
func (l *TestList) Alloc(epoch uint32) int32 {
	i, ok := l.arena.alloc(&QueueEntry{Epoch: epoch, Payload: BarrierArgs{}})
	if !ok {
		return nilIndex
	}
	return i
}

func (l *TestList) Free(i int32) { l.arena.release(i) }
func (l *TestList) Available() int { return l.arena.available() }
func (l *TestList) Insert(i int32) { l.list.insert(i) }
func (l *TestList) Append(i int32) { l.list.append(i) }
func (l *TestList) PushFront(i int32) { l.list.pushFront(i) }
func (l *TestList) PopFront() int32 { return l.list.popFront() }
func (l *TestList) RemoveAfter(prev, i int32) { l.list.removeAfter(prev, i) }
func (l *TestList) Len() int { return l.list.len() }
func (l *TestList) Front() int32 { return l.list.front() }
func (l *TestList) Epoch(i int32) uint32 { return l.arena.at(i).entry.Epoch }
func (l *TestList) Next(i int32) int32 { return l.arena.at(i).next }
func (l *TestList) Listed(i int32) bool { return l.arena.at(i).list != listNone }

// Epochs returns the list's epochs from head to tail.
func (l *TestList) Epochs() []uint32 {
	var out []uint32
	l.list.each(func(i int32) bool {
		out = append(out, l.arena.at(i).entry.Epoch)
		return true
	})
	return out
}

// TestWakePool wraps a scheduler-less wake pool.
type TestWakePool struct{ pool WakePool }

func NewTestWakePool(target WakeTarget) *TestWakePool {
	p := &TestWakePool{}
	p.pool.init(target)
	return p
}

func (p *TestWakePool) Reserve(s *Semaphore) (*WakeEntry, error) { return p.pool.reserve(s) }
func (p *TestWakePool) Release(e *WakeEntry) { p.pool.release(e) }
func (p *TestWakePool) Sweep() { p.pool.sweep() }
func (p *TestWakePool) Reserved() int { return p.pool.reserved() }
