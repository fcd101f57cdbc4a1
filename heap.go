package rose

import (
	"sync/atomic"
	"unsafe"
)

// heap is an array of linkages, one per size class plus the unsized
// linkage at index 0. Heaps form a hierarchy: thread-heap →
// (optional) region-heap → root. A nil parent marks the root, the
// only heap allowed to map chunks. Heaps carry no lock of their own;
// structural changes go through linkage locks.
type heap struct {
	parent     *heap
	ownedHeaps atomic.Int64
	ctx        *Allocator
	lkgs       [numClasses]linkage
}

func newHeap(ctx *Allocator, parent *heap) *heap {
	h := &heap{ctx: ctx, parent: parent}
	for i := range h.lkgs {
		h.lkgs[i].init(h, i)
	}
	return h
}

// reinit readies a recycled region-heap slot for reuse.
func (h *heap) reinit(ctx *Allocator, parent *heap) {
	h.ctx = ctx
	h.parent = parent
	h.ownedHeaps.Store(0)
	for i := range h.lkgs {
		h.lkgs[i].init(h, i)
	}
}

// allocObject dispatches to the linkage for the request's size class.
func (h *heap) allocObject(tid uint64, size int) (unsafe.Pointer, error) {
	k := sizeToIndex(size)
	if k < 0 {
		return nil, ErrNoSizeClass
	}
	return h.lkgs[k].allocObject(h, tid)
}

// reqBlock finds a replacement block for size class lkgi, trying this
// heap's sized linkage, its unsized linkage, then the parent, finally
// mapping a fresh chunk at the root. Returns a locked block.
func (h *heap) reqBlock(lkgi int) (*block, error) {
	if b, err := h.reqBlockFromSized(lkgi); err == nil {
		return b, nil
	}
	if b, err := h.reqBlockFromUnsized(indexToSize(lkgi)); err == nil {
		return b, nil
	}
	if h.parent == nil {
		return h.reqBlockFromTop(lkgi)
	}
	return h.parent.reqBlock(lkgi)
}

// reqBlockFromSized takes the first block of the sized linkage whose
// free lists are not both null. Residues with both lists null are
// excised and dropped silently; they are caught elsewhere once their
// counters move.
func (h *heap) reqBlockFromSized(lkgi int) (*block, error) {
	l := &h.lkgs[lkgi]
	l.mu.Lock()
	b := l.active.Load()
	for b != nil {
		b.mu.Lock()
		if b.gfl.Load() == 0 && b.pfl.Load() == 0 {
			next := l.exciseLocked(b)
			b.mu.Unlock()
			b = next
			continue
		}
		l.exciseLocked(b)
		l.nblocks--
		l.mu.Unlock()
		return b, nil
	}
	l.mu.Unlock()
	return nil, errFreelistEmpty
}

// reqBlockFromUnsized pops the head of the unsized linkage and
// reformats it to the requested object size if needed.
func (h *heap) reqBlockFromUnsized(osize int) (*block, error) {
	l := &h.lkgs[0]
	l.mu.Lock()
	b := l.active.Load()
	if b == nil {
		l.mu.Unlock()
		return nil, errFreelistEmpty
	}
	b.mu.Lock()
	l.exciseLocked(b)
	l.nblocks--
	l.mu.Unlock()
	if int(b.osize.Load()) != osize {
		b.formatToSize(osize)
	}
	return b, nil
}

// reqBlockFromTop maps a new chunk, reserves one block for the caller
// and hands the remaining applicants to this heap's unsized linkage.
// Root heap only.
func (h *heap) reqBlockFromTop(lkgi int) (*block, error) {
	c, err := h.ctx.newChunk()
	if err != nil {
		return nil, err
	}
	b, err := c.reserveAndBind(h, &h.ctx.tracker)
	if err != nil {
		return nil, err
	}
	b.formatToSize(indexToSize(lkgi))
	b.mu.Lock()
	return b, nil
}

// shouldRecv reports whether a linkage of this heap accepts an
// incoming block under its lift boundary.
func (h *heap) shouldRecv(l *linkage) bool {
	o := &h.ctx.options
	if h.parent == nil {
		if l.index == 0 {
			return l.nblocks < o.RootUnsizedBoundary
		}
		return l.nblocks < o.RootSizedBoundary
	}
	if l.index == 0 {
		return l.nblocks < o.UnsizedBoundary
	}
	return l.nblocks < o.SizedBoundary
}

// heapCatch routes a block that left linkage lkgi of a child. A nil
// heap is the root escape: the block's pages are returned to the OS.
// Catch never reinstalls into the linkage that just released the
// block; empty blocks are redirected to the unsized linkage. Block
// lock held on entry and consumed on every path.
func heapCatch(h *heap, b *block, lkgi int) {
	if h == nil {
		b.free()
		return
	}
	recv := &h.lkgs[lkgi]
	if recv == b.owningLkg.Load() {
		heapCatch(h.parent, b, lkgi)
		return
	}
	if b.acnt.Load() == 0 {
		recv = &h.lkgs[0]
	}
	if h.shouldRecv(recv) {
		recv.receiveBlock(b)
		return
	}
	heapCatch(h.parent, b, lkgi)
}

// evacuateAndClean drains every linkage in index order, dispatching
// all blocks upward.
func (h *heap) evacuateAndClean() {
	for i := range h.lkgs {
		h.lkgs[i].evacuateAndClean()
	}
}
