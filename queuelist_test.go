// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq_test

import (
	"slices"
	"testing"

	"code.hybscloud.com/devq"
)

// =============================================================================
// Entry Lists
// =============================================================================

// TestListInsertByEpoch verifies that insert keeps the list sorted by
// submission epoch.
func TestListInsertByEpoch(t *testing.T) {
	l := devq.NewTestList(8)
	for _, e := range []uint32{5, 1, 9, 3, 7} {
		l.Insert(l.Alloc(e))
	}
	if got, want := l.Epochs(), []uint32{1, 3, 5, 7, 9}; !slices.Equal(got, want) {
		t.Fatalf("Epochs: got %v, want %v", got, want)
	}
	if l.Len() != 5 {
		t.Fatalf("Len: got %d, want 5", l.Len())
	}

	// Insert at the tail must update the tail for a later append.
	l.Insert(l.Alloc(11))
	l.Append(l.Alloc(2))
	if got, want := l.Epochs(), []uint32{1, 3, 5, 7, 9, 11, 2}; !slices.Equal(got, want) {
		t.Fatalf("Epochs after append: got %v, want %v", got, want)
	}
}

// TestListInsertWraparound verifies epoch ordering across uint32 overflow.
func TestListInsertWraparound(t *testing.T) {
	l := devq.NewTestList(4)
	l.Insert(l.Alloc(2))
	l.Insert(l.Alloc(0xFFFF_FFFE))
	l.Insert(l.Alloc(0))
	if got, want := l.Epochs(), []uint32{0xFFFF_FFFE, 0, 2}; !slices.Equal(got, want) {
		t.Fatalf("Epochs: got %v, want %v", got, want)
	}
}

// TestListRemove verifies removal at head, middle and tail.
func TestListRemove(t *testing.T) {
	l := devq.NewTestList(8)
	var idx []int32
	for e := range uint32(4) {
		i := l.Alloc(e)
		idx = append(idx, i)
		l.Append(i)
	}

	// Middle
	l.RemoveAfter(idx[0], idx[1])
	if got, want := l.Epochs(), []uint32{0, 2, 3}; !slices.Equal(got, want) {
		t.Fatalf("after middle removal: got %v, want %v", got, want)
	}
	if l.Listed(idx[1]) {
		t.Fatalf("removed entry still marked listed")
	}

	// Tail, then append must link after the new tail.
	l.RemoveAfter(idx[2], idx[3])
	l.Append(idx[3])
	if got, want := l.Epochs(), []uint32{0, 2, 3}; !slices.Equal(got, want) {
		t.Fatalf("after tail removal: got %v, want %v", got, want)
	}

	// Head
	if got := l.PopFront(); got != idx[0] {
		t.Fatalf("PopFront: got %d, want %d", got, idx[0])
	}
	l.PushFront(idx[0])
	if l.Front() != idx[0] || l.Len() != 3 {
		t.Fatalf("PushFront: front=%d len=%d", l.Front(), l.Len())
	}

	for l.Len() > 0 {
		l.PopFront()
	}
	if got := l.PopFront(); got != -1 {
		t.Fatalf("PopFront on empty: got %d, want -1", got)
	}
}

// TestListDoubleLinkPanics verifies that an entry cannot be on two lists.
func TestListDoubleLinkPanics(t *testing.T) {
	l := devq.NewTestList(2)
	i := l.Alloc(1)
	l.Append(i)
	defer func() {
		if recover() == nil {
			t.Fatalf("Append of a listed entry did not panic")
		}
	}()
	l.Append(i)
}

// TestArenaExhaustion verifies slot accounting and double free detection.
func TestArenaExhaustion(t *testing.T) {
	l := devq.NewTestList(2)
	a := l.Alloc(1)
	b := l.Alloc(2)
	if a == b || a < 0 || b < 0 {
		t.Fatalf("Alloc: got %d and %d", a, b)
	}
	if got := l.Alloc(3); got != -1 {
		t.Fatalf("Alloc on full arena: got %d, want -1", got)
	}
	l.Free(a)
	if l.Available() != 1 {
		t.Fatalf("Available: got %d, want 1", l.Available())
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("double free did not panic")
		}
	}()
	l.Free(a)
}
