package rose

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/swiss"
)

// chunk is a 1 MiB self-aligned mapping carved into 63 blocks of
// 16 KiB behind a header block at offset 0. The descriptor and its
// block descriptors live on the Go heap; the mapping holds payload
// only.
type chunk struct {
	base uintptr

	// prev and next are guarded by the tracker lock.
	prev, next *chunk
	tracker    *chunkTracker

	nactive    atomic.Int64
	activeMask atomic.Uint64

	blocks [blocksPerChunk]block
}

// chunkTracker is the list of live chunks plus the registry resolving
// chunk base addresses back to descriptors. One instance per
// allocator universe. The registry lock is a leaf: it is never held
// while another lock is taken.
type chunkTracker struct {
	mu    sync.Mutex
	first *chunk

	regMu sync.RWMutex
	reg   *swiss.Map[uint64, *chunk]
}

func (t *chunkTracker) init() {
	t.reg = swiss.New[uint64, *chunk](16)
}

// blockFor resolves a payload pointer to its block descriptor by
// masking down to the chunk base and indexing the block number.
// Returns nil for addresses this universe never issued.
func (t *chunkTracker) blockFor(p uintptr) *block {
	t.regMu.RLock()
	c, ok := t.reg.Get(uint64(chunkBase(p)))
	t.regMu.RUnlock()
	if !ok {
		return nil
	}
	no := int((p & (chunkSize - 1)) >> blockShift)
	if no == 0 {
		return nil
	}
	return &c.blocks[no-1]
}

// newChunk maps a fresh self-aligned chunk and initializes its block
// descriptors.
func (a *Allocator) newChunk() (*chunk, error) {
	base, err := vmMapAligned(chunkSize, chunkSize)
	if err != nil {
		return nil, err
	}
	c := &chunk{base: base}
	for i := range c.blocks {
		b := &c.blocks[i]
		b.ch = c
		b.no = i + 1
		b.base = base + uintptr(i+1)*blockSize
	}
	return c, nil
}

// bindImpl links the chunk at the head of the tracker, registers it
// for pointer resolution and activates all 63 blocks.
func (c *chunk) bindImpl(tracker *chunkTracker) {
	c.tracker = tracker
	tracker.mu.Lock()
	c.prev = nil
	c.next = tracker.first
	if c.next != nil {
		c.next.prev = c
	}
	tracker.first = c
	tracker.mu.Unlock()

	tracker.regMu.Lock()
	tracker.reg.Put(uint64(c.base), c)
	tracker.regMu.Unlock()

	c.activeMask.Store(1<<blocksPerChunk - 1)
	c.nactive.Store(blocksPerChunk)
}

// bind places every block into the root heap's unsized linkage as an
// applicant.
func (c *chunk) bind(root *heap, tracker *chunkTracker) {
	c.bindImpl(tracker)
	for i := range c.blocks {
		root.lkgs[0].receiveApplicant(&c.blocks[i])
	}
}

// reserveAndBind withholds the first block for the caller and
// distributes the rest. Unlike bind followed by an unsized-linkage
// request, the reserved block cannot be stolen between the two steps.
func (c *chunk) reserveAndBind(root *heap, tracker *chunkTracker) (*block, error) {
	c.bindImpl(tracker)
	lift := &c.blocks[0]
	for i := 1; i < blocksPerChunk; i++ {
		root.lkgs[0].receiveApplicant(&c.blocks[i])
	}
	return lift, nil
}

// free unmaps any still-active block runs, unlinks the chunk from the
// tracker and registry, and releases the header block. No block of
// the chunk may be referenced by any linkage by the time this runs.
func (c *chunk) free() {
	mask := c.activeMask.Load()
	for mask != 0 {
		tz := bits.TrailingZeros64(mask)
		run := bits.TrailingZeros64(^(mask >> uint(tz)))
		vmUnmap(c.base+uintptr(tz+1)*blockSize, uintptr(run)*blockSize)
		mask &^= (1<<uint(run) - 1) << uint(tz)
	}
	c.activeMask.Store(0)

	t := c.tracker
	t.mu.Lock()
	if c == t.first {
		t.first = c.next
		if c.next != nil {
			c.next.prev = nil
		}
	} else {
		c.prev.next = c.next
		if c.next != nil {
			c.next.prev = c.prev
		}
	}
	t.mu.Unlock()

	t.regMu.Lock()
	t.reg.Delete(uint64(c.base))
	t.regMu.Unlock()

	vmUnmap(c.base, blockSize)
}
