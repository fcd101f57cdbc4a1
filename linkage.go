package rose

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// linkage is the per-size-class list of blocks within one heap.
//
// List discipline for sized linkages:
//  1. blocks right of head always have significant free space
//  2. a block that drains empty is lifted upstream if the linkage's
//     block count is at or above the lift boundary
//  3. blocks left of head have no significant free space
//  4. blocks enter right of head only via the half-empty transition
//     or a downstream evacuation
//  5. blocks enter left of head only when the head fills or a
//     downstream heap evacuates
//
// The unsized linkage (index 0) holds empty blocks of any class
// awaiting reuse; allocation from it reformats the block.
type linkage struct {
	owningHeap *heap
	active     atomic.Pointer[block]
	index      int
	nblocks    int // guarded by mu
	mu         sync.Mutex
}

func (l *linkage) init(h *heap, index int) {
	l.owningHeap = h
	l.index = index
	l.active.Store(nil)
	l.nblocks = 0
}

// exciseLocked unlinks b from the list, repointing active if it was
// the entry block. Returns b's old right neighbor. Linkage and block
// locks held.
func (l *linkage) exciseLocked(b *block) *block {
	if l.active.Load() == b {
		if b.next != nil || b.prev == nil {
			l.active.Store(b.next)
		} else {
			l.active.Store(b.prev)
		}
	}
	if b.prev != nil {
		b.prev.next = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
	next := b.next
	b.prev, b.next = nil, nil
	return next
}

// installHead makes a freshly requested block the head with no
// neighbors. Linkage lock and block lock held; releases the block
// lock.
func (l *linkage) installHead(b *block, tid uint64) {
	b.flags.Or(flHead | flInTheatre)
	b.flags.And(^flRightOfHead)
	b.owningTid.Store(tid)
	b.owningLkg.Store(l)
	b.prev, b.next = nil, nil
	l.active.Store(b)
	l.nblocks++
	b.mu.Unlock()
}

// allocObject serves one object for the linkage's size class.
// Owner-thread only.
func (l *linkage) allocObject(h *heap, tid uint64) (unsafe.Pointer, error) {
	head := l.active.Load()
	if head == nil {
		l.mu.Lock()
		b, err := l.reqBlockFromHeap(h)
		if err != nil {
			l.mu.Unlock()
			return nil, err
		}
		l.installHead(b, tid)
		l.mu.Unlock()
		p, err := b.allocObject()
		if err != nil {
			return nil, errSpoiledPromotee
		}
		return p, nil
	}

	if p, err := head.allocObject(); err == nil {
		return p, nil
	}

	l.mu.Lock()
	head.mu.Lock()

	// Slide: walk right of head, silently cauterizing blocks whose
	// free lists are both null (exhausted, or frozen mid-migration;
	// the threshold machinery reclaims them later). Promote the first
	// usable right neighbor.
	var found *block
	for head.next != nil {
		nxt := head.next
		nxt.mu.Lock()
		if nxt.gfl.Load() == 0 && nxt.pfl.Load() == 0 {
			head.next = nxt.next
			if nxt.next != nil {
				nxt.next.prev = head
			}
			nxt.prev, nxt.next = nil, nil
			nxt.mu.Unlock()
			continue
		}
		found = nxt // still locked
		break
	}
	if found != nil {
		head.flags.And(^flHead)
		head.owningTid.Store(tidNone)
		found.flags.Or(flHead | flInTheatre)
		found.flags.And(^flRightOfHead)
		found.owningTid.Store(tid)
		found.owningLkg.Store(l)
		l.active.Store(found)

		found.mu.Unlock()
		head.mu.Unlock()
		l.mu.Unlock()

		p, err := found.allocObject()
		if err != nil {
			return nil, errSpoiledPromotee
		}
		return p, nil
	}

	// Pull: acquire a replacement from the heap hierarchy and install
	// it between the old head and its right neighbors.
	nb, err := l.reqBlockFromHeap(h)
	if err != nil {
		head.mu.Unlock()
		l.mu.Unlock()
		return nil, err
	}
	nb.flags.Or(flHead | flInTheatre)
	nb.flags.And(^flRightOfHead)
	nb.owningTid.Store(tid)
	nb.owningLkg.Store(l)

	head.flags.And(^flHead)
	head.owningTid.Store(tidNone)
	nb.prev = head
	nb.next = head.next
	if nb.next != nil {
		nb.next.prev = nb
	}
	head.next = nb
	l.nblocks++
	l.active.Store(nb)
	nb.mu.Unlock()

	head.mu.Unlock()
	l.mu.Unlock()

	p, err := nb.allocObject()
	if err != nil {
		return nil, errSpoiledPromotee
	}
	return p, nil
}

// reqBlockFromHeap asks the owning heap for a replacement block on
// behalf of this linkage: the heap's unsized linkage first, then the
// parent hierarchy, finally a fresh chunk. The linkage's own sized
// list was already exhausted by the caller. Returns a locked block.
func (l *linkage) reqBlockFromHeap(h *heap) (*block, error) {
	if b, err := h.reqBlockFromUnsized(indexToSize(l.index)); err == nil {
		return b, nil
	}
	if h.parent == nil {
		return h.reqBlockFromTop(l.index)
	}
	return h.parent.reqBlock(l.index)
}

// blockDidBecomeEmpty lifts a drained block out of the linkage when
// the lift boundary permits. Linkage and block locks held on entry;
// both are released on every path (catch consumes the block lock).
func (l *linkage) blockDidBecomeEmpty(b *block) {
	if !l.shouldLift() {
		b.mu.Unlock()
		l.mu.Unlock()
		return
	}
	h := l.owningHeap
	l.exciseLocked(b)
	b.owningTid.Store(tidNone)
	b.flags.And(^flInTheatre)
	l.nblocks--
	l.mu.Unlock()

	heapCatch(h, b, l.index)
}

// blockDidBecomePartiallyEmpty reinserts a half-empty left-of-head
// block immediately right of head. Never escalates to the heap.
// Linkage and block locks held on entry; releases both and the
// rightShift token.
func (l *linkage) blockDidBecomePartiallyEmpty(b *block) {
	head := l.active.Load()
	if head == nil || head == b {
		l.exciseLocked(b)
		l.active.Store(b)
	} else {
		if b.prev != nil {
			b.prev.next = b.next
		}
		if b.next != nil {
			b.next.prev = b.prev
		}
		b.prev = head
		b.next = head.next
		if b.next != nil {
			b.next.prev = b
		}
		head.next = b
	}
	b.flags.Or(flRightOfHead)
	b.rightShift.Store(false)
	b.mu.Unlock()
	l.mu.Unlock()
}

// receiveBlock attaches an incoming lifted block at the front of the
// list. The block does not become HEAD; the next allocation promotes
// it. Block lock held on entry; releases both locks.
func (l *linkage) receiveBlock(b *block) {
	l.mu.Lock()
	head := l.active.Load()
	b.next = head
	if head != nil {
		b.prev = head.prev
		head.prev = b
		if b.prev != nil {
			b.prev.next = b
		}
	} else {
		b.prev = nil
	}
	b.owningLkg.Store(l)
	b.owningTid.Store(tidNone)
	b.flags.And(^flRightOfHead)
	l.active.Store(b)
	l.nblocks++
	b.mu.Unlock()
	l.mu.Unlock()
}

// receiveApplicant attaches a fresh chunk-bind block. Same insertion
// as receiveBlock but the applicant arrives unlocked.
func (l *linkage) receiveApplicant(b *block) {
	l.mu.Lock()
	head := l.active.Load()
	b.next = head
	if head != nil {
		b.prev = head.prev
		head.prev = b
		if b.prev != nil {
			b.prev.next = b
		}
	} else {
		b.prev = nil
	}
	b.owningLkg.Store(l)
	b.owningTid.Store(tidNone)
	b.flags.And(^flRightOfHead)
	l.active.Store(b)
	l.nblocks++
	l.mu.Unlock()
}

// shouldLift reports whether an empty-left event should push the
// block upstream. The unsized linkage never lifts on this path.
func (l *linkage) shouldLift() bool {
	if l.index == 0 {
		return false
	}
	o := &l.owningHeap.ctx.options
	if l.owningHeap.parent == nil {
		return l.nblocks >= o.RootSizedBoundary
	}
	return l.nblocks >= o.SizedBoundary
}

// evacuateAndClean steals the head and dispatches every block upward.
// The owning-linkage back-references are left in place so catch's
// same-linkage escape routes them past this linkage.
func (l *linkage) evacuateAndClean() {
	l.mu.Lock()
	h := l.owningHeap
	head := l.active.Swap(nil)
	if head != nil {
		for b := head.next; b != nil; {
			nxt := b.next
			b.mu.Lock()
			b.flags.And(^(flInTheatre | flHead))
			b.owningTid.Store(tidNone)
			l.nblocks--
			heapCatch(h, b, l.index)
			b = nxt
		}
		for b := head; b != nil; {
			prv := b.prev
			b.mu.Lock()
			b.flags.And(^(flInTheatre | flHead))
			b.owningTid.Store(tidNone)
			l.nblocks--
			heapCatch(h, b, l.index)
			b = prv
		}
	}
	l.mu.Unlock()
}
