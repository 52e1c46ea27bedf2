// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package devq

import (
	"fmt"
	"sync"

	"code.hybscloud.com/atomix"
)

// BlockState is the life cycle state of a pool block.
//
//	Decommitted → PendingCommit → Allocated ⇄ Committed
//	Allocated → PendingDecommit → Decommitted
//
// The device moves blocks out of Decommitted, Committed and Allocated with
// CAS; the host completes the pending transitions.
type BlockState uint32

const (
	BlockDecommitted BlockState = iota
	BlockPendingCommit
	BlockCommitted
	BlockAllocated
	BlockPendingDecommit
)

func (s BlockState) String() string {
	switch s {
	case BlockDecommitted:
		return "decommitted"
	case BlockPendingCommit:
		return "pending-commit"
	case BlockCommitted:
		return "committed"
	case BlockAllocated:
		return "allocated"
	case BlockPendingDecommit:
		return "pending-decommit"
	}
	return fmt.Sprintf("BlockState(%d)", uint32(s))
}

// PoolPolicy selects what happens to a block when its allocation is freed.
type PoolPolicy uint8

const (
	// PoolRetainOnFree keeps freed blocks committed for reuse.
	PoolRetainOnFree PoolPolicy = 0
	// PoolDecommitOnFree returns freed blocks to the host.
	PoolDecommitOnFree PoolPolicy = 1
)

type poolBlock struct {
	state atomix.Uint32
	ptr   atomix.Uint64
	size  atomix.Uint64
}

// Pool is a dedicated-block pool: every allocation owns one whole block,
// committed by the host at the allocation's size.
type Pool struct {
	id     uint32
	policy PoolPolicy
	blocks []poolBlock
}

// ID returns the pool id used in Alloca entries and host calls.
func (p *Pool) ID() uint32 { return p.id }

// Policy returns the free policy.
func (p *Pool) Policy() PoolPolicy { return p.policy }

// Blocks returns the number of blocks.
func (p *Pool) Blocks() int { return len(p.blocks) }

// BlockState returns the state of block i.
func (p *Pool) BlockState(i int) BlockState {
	return BlockState(p.blocks[i].state.LoadAcquire())
}

func (p *Pool) transition(i int, from, to BlockState) bool {
	return p.blocks[i].state.CompareAndSwapAcqRel(uint32(from), uint32(to))
}

// claimCommitted takes a free committed block that fits size and align.
func (p *Pool) claimCommitted(size, align uint64) (int, uint64, uint64, bool) {
	for i := range p.blocks {
		b := &p.blocks[i]
		if BlockState(b.state.LoadAcquire()) != BlockCommitted {
			continue
		}
		ptr, bsize := b.ptr.LoadAcquire(), b.size.LoadAcquire()
		if bsize < size || (align > 1 && ptr&(align-1) != 0) {
			continue
		}
		if p.transition(i, BlockCommitted, BlockAllocated) {
			return i, ptr, bsize, true
		}
	}
	return -1, 0, 0, false
}

// claimDecommitted reserves a block for a host commit.
func (p *Pool) claimDecommitted() (int, bool) {
	for i := range p.blocks {
		if p.transition(i, BlockDecommitted, BlockPendingCommit) {
			return i, true
		}
	}
	return -1, false
}

// Allocator owns the device's queue-ordered allocation pools.
// Device kernels claim blocks; the host commits and decommits them.
type Allocator struct {
	mu      sync.RWMutex
	pools   []*Pool
	memory  *Memory
	handles *HandleTable
}

func newAllocator(m *Memory, handles *HandleTable) *Allocator {
	return &Allocator{memory: m, handles: handles}
}

// CreatePool adds a pool of n decommitted blocks.
func (a *Allocator) CreatePool(n int, policy PoolPolicy) *Pool {
	if n < 1 {
		panic("devq: pool must have at least one block")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	p := &Pool{id: uint32(len(a.pools)), policy: policy, blocks: make([]poolBlock, n)}
	a.pools = append(a.pools, p)
	return p
}

// Pool returns the pool with id.
func (a *Allocator) Pool(id uint32) (*Pool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(id) >= len(a.pools) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPool, id)
	}
	return a.pools[id], nil
}

// Commit backs a pending block with device memory and publishes it through
// the allocation handle. Host side of POOL_GROW.
func (a *Allocator) Commit(pool, block uint32, handle, size, align uint64) error {
	p, err := a.Pool(pool)
	if err != nil {
		return err
	}
	if int(block) >= len(p.blocks) || p.BlockState(int(block)) != BlockPendingCommit {
		return fmt.Errorf("%w: pool %d block %d is not pending commit", ErrInvalidPool, pool, block)
	}
	h := a.handles.Get(handle)
	if h == nil {
		return fmt.Errorf("%w: unknown handle %d", ErrInvalidBufferRef, handle)
	}
	ptr, err := a.memory.Alloc(size, align)
	if err != nil {
		p.transition(int(block), BlockPendingCommit, BlockDecommitted)
		return err
	}
	b := &p.blocks[block]
	b.size.StoreRelaxed(size)
	b.ptr.StoreRelease(ptr)
	h.publish(ptr, size, int(block))
	p.transition(int(block), BlockPendingCommit, BlockAllocated)
	return nil
}

// Decommit returns a pending block's memory. Host side of POOL_TRIM.
func (a *Allocator) Decommit(pool, block uint32) error {
	p, err := a.Pool(pool)
	if err != nil {
		return err
	}
	if int(block) >= len(p.blocks) || p.BlockState(int(block)) != BlockPendingDecommit {
		return fmt.Errorf("%w: pool %d block %d is not pending decommit", ErrInvalidPool, pool, block)
	}
	b := &p.blocks[block]
	ptr := b.ptr.LoadAcquire()
	b.ptr.StoreRelease(0)
	b.size.StoreRelaxed(0)
	p.transition(int(block), BlockPendingDecommit, BlockDecommitted)
	return a.memory.Free(ptr)
}
