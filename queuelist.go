// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import "code.hybscloud.com/devq/aql"

// listID records which scheduler list an arena slot is on.
type listID uint8

const (
	listNone listID = iota
	listWait
	listRun
	listIssued
)

func (l listID) String() string {
	switch l {
	case listNone:
		return "none"
	case listWait:
		return "wait"
	case listRun:
		return "run"
	case listIssued:
		return "issued"
	}
	return "?"
}

// nilIndex terminates index-linked lists.
const nilIndex int32 = -1

// entrySlot is one entry of the scheduler's arena.
// Slots are owned by the tick; kernels only read a slot between its issue
// (published by the packet commit) and its retirement.
type entrySlot struct {
	entry      QueueEntry
	waits      [MaxWaits]SemaphoreWait
	waitCount  int
	next       int32
	list       listID
	used       bool
	completion aql.SignalHandle
}

// entryArena hands out stable slot indices. Single-threaded (tick only).
type entryArena struct {
	slots []entrySlot
	free  []int32
}

func newEntryArena(n int) *entryArena {
	a := &entryArena{
		slots: make([]entrySlot, n),
		free:  make([]int32, n),
	}
	for i := range a.free {
		// Pop from the end hands out 0, 1, 2, ...
		a.free[i] = int32(n - 1 - i)
	}
	return a
}

func (a *entryArena) at(i int32) *entrySlot { return &a.slots[i] }

func (a *entryArena) available() int { return len(a.free) }

func (a *entryArena) alloc(e *QueueEntry) (int32, bool) {
	n := len(a.free)
	if n == 0 {
		return nilIndex, false
	}
	i := a.free[n-1]
	a.free = a.free[:n-1]
	s := &a.slots[i]
	*s = entrySlot{entry: *e, next: nilIndex, used: true}
	s.waitCount = copy(s.waits[:], e.Waits)
	return i, true
}

func (a *entryArena) release(i int32) {
	s := &a.slots[i]
	if !s.used {
		panic("devq: double free of entry slot")
	}
	*s = entrySlot{next: nilIndex}
	a.free = append(a.free, i)
}

// queueList is a singly linked list threaded through the arena.
// The owning scheduler is the only mutator.
type queueList struct {
	arena *entryArena
	head  int32
	tail  int32
	id    listID
	n     int
}

func newQueueList(a *entryArena, id listID) queueList {
	return queueList{arena: a, head: nilIndex, tail: nilIndex, id: id}
}

func (l *queueList) len() int { return l.n }

func (l *queueList) empty() bool { return l.head == nilIndex }

func (l *queueList) front() int32 { return l.head }

func (l *queueList) link(i int32) *entrySlot {
	s := l.arena.at(i)
	if s.list != listNone {
		panic("devq: entry already on the " + s.list.String() + " list")
	}
	s.list = l.id
	s.next = nilIndex
	l.n++
	return s
}

// append adds i at the tail regardless of epoch.
func (l *queueList) append(i int32) {
	l.link(i)
	if l.tail == nilIndex {
		l.head, l.tail = i, i
		return
	}
	l.arena.at(l.tail).next = i
	l.tail = i
}

// pushFront adds i at the head regardless of epoch.
func (l *queueList) pushFront(i int32) {
	s := l.link(i)
	s.next = l.head
	l.head = i
	if l.tail == nilIndex {
		l.tail = i
	}
}

// insert places i before the first entry with a later epoch.
func (l *queueList) insert(i int32) {
	epoch := l.arena.at(i).entry.Epoch
	prev := nilIndex
	cur := l.head
	for cur != nilIndex && !epochAfter(l.arena.at(cur).entry.Epoch, epoch) {
		prev, cur = cur, l.arena.at(cur).next
	}
	s := l.link(i)
	s.next = cur
	if prev == nilIndex {
		l.head = i
	} else {
		l.arena.at(prev).next = i
	}
	if cur == nilIndex {
		l.tail = i
	}
}

// removeAfter unlinks i, whose predecessor is prev (nilIndex for the head).
func (l *queueList) removeAfter(prev, i int32) {
	s := l.arena.at(i)
	if prev == nilIndex {
		l.head = s.next
	} else {
		l.arena.at(prev).next = s.next
	}
	if l.tail == i {
		l.tail = prev
	}
	s.next = nilIndex
	s.list = listNone
	l.n--
}

// popFront unlinks and returns the head, or nilIndex.
func (l *queueList) popFront() int32 {
	i := l.head
	if i != nilIndex {
		l.removeAfter(nilIndex, i)
	}
	return i
}

// each calls fn for every member in order until fn returns false.
func (l *queueList) each(fn func(i int32) bool) {
	for i := l.head; i != nilIndex; i = l.arena.at(i).next {
		if !fn(i) {
			return
		}
	}
}

// epochAfter reports whether a was submitted after b, tolerating wraparound.
func epochAfter(a, b uint32) bool {
	return int32(a-b) > 0
}
