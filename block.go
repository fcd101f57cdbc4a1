package rose

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// Block flags.
const (
	// flHead marks the block currently serving owner-thread
	// allocations in its linkage.
	flHead uint32 = 1 << iota
	// flInTheatre marks blocks installed in a linkage's list.
	flInTheatre
	// flRightOfHead marks blocks reinserted right of head after the
	// half-empty transition.
	flRightOfHead
)

// block is the descriptor of one 16 KiB unit of same-size object
// storage. The descriptor is arena-owned by its chunk; the payload
// free lists are threaded through the mapped slots themselves.
type block struct {
	// pfl is the private free list. Only the owning thread pushes and
	// pops it without the lock; migrations touch it under both locks.
	pfl atomic.Uintptr
	// gfl is the foreign free list. Non-owner frees push under the
	// block lock; the owner drains it with a single exchange.
	gfl atomic.Uintptr

	flags atomic.Uint32
	// rightShift is the single-slot token guarding the became-
	// partially-empty migration. At most one claim per threshold
	// crossing.
	rightShift atomic.Bool

	osize atomic.Uint32
	ocnt  atomic.Uint32
	acnt  atomic.Int32

	// prev and next are guarded by the owning linkage's lock.
	prev, next *block

	owningLkg atomic.Pointer[linkage]
	owningTid atomic.Uint64

	mu sync.Mutex

	base uintptr // first payload slot, block-aligned
	ch   *chunk
	no   int // 1-based block number within the chunk
}

// formatToSize writes an in-place singly-linked free list through the
// payload: slot i points at slot i+1, the last slot at zero. Callers
// must hold the block lock or exclusive access to an unpublished
// block.
func (b *block) formatToSize(osize int) {
	ocnt := blockSize / osize
	b.osize.Store(uint32(osize))
	b.ocnt.Store(uint32(ocnt))
	b.flags.Store(0)
	b.acnt.Store(0)
	b.gfl.Store(0)
	b.pfl.Store(b.base)
	for i := 0; i < ocnt; i++ {
		slot := b.base + uintptr(i*osize)
		next := slot + uintptr(osize)
		if i == ocnt-1 {
			next = 0
		}
		*(*uintptr)(unsafe.Pointer(slot)) = next
	}
}

func (b *block) popPrivate() unsafe.Pointer {
	p := b.pfl.Load()
	b.pfl.Store(*(*uintptr)(unsafe.Pointer(p)))
	b.acnt.Add(1)
	return unsafe.Pointer(p)
}

// allocObject pops a slot from the private free list, refilling it
// from the foreign list when it runs dry. Owner-thread only.
func (b *block) allocObject() (unsafe.Pointer, error) {
	if b.pfl.Load() != 0 {
		return b.popPrivate(), nil
	}
	b.mu.Lock()
	b.pfl.Store(b.gfl.Swap(0))
	b.mu.Unlock()
	if b.pfl.Load() != 0 {
		return b.popPrivate(), nil
	}
	return nil, errBlockEmpty
}

// deallocObject returns a slot to the block. Owner-thread frees push
// the private list without the lock; foreign frees push the foreign
// list under it. Threshold crossings dispatch the migration paths.
func (b *block) deallocObject(tid uint64, p unsafe.Pointer) {
	if tid != tidNone && tid == b.owningTid.Load() {
		*(*uintptr)(p) = b.pfl.Load()
		b.pfl.Store(uintptr(p))
	} else {
		b.mu.Lock()
		*(*uintptr)(p) = b.gfl.Load()
		b.gfl.Store(uintptr(p))
		b.mu.Unlock()
	}

	acnt := b.acnt.Add(-1)
	switch {
	case acnt == 0:
		b.didBecomeEmpty()
	case acnt == int32(b.ocnt.Load()/2):
		b.didBecomePartiallyEmpty()
	}
}

// didBecomeEmpty runs on the thread whose decrement produced zero.
// The head block never lifts; a block resurrected by a concurrent
// allocation stays put. The free lists are nulled while the linkage
// lock is taken so that list walkers skip the block mid-transition.
func (b *block) didBecomeEmpty() {
	b.mu.Lock()
	if b.flags.Load()&flHead != 0 {
		b.mu.Unlock()
		return
	}
	if b.acnt.Load() != 0 {
		// spurious: refilled between the decrement and the lock
		b.mu.Unlock()
		return
	}
	pfl, gfl := b.pfl.Load(), b.gfl.Load()
	b.pfl.Store(0)
	b.gfl.Store(0)
	b.mu.Unlock()

	// The owning linkage may change while the block lock is dropped;
	// revalidate identity after taking the candidate's lock.
	var lkg *linkage
	for {
		lkg = b.owningLkg.Load()
		lkg.mu.Lock()
		if lkg == b.owningLkg.Load() {
			break
		}
		lkg.mu.Unlock()
	}
	b.mu.Lock()
	b.pfl.Store(pfl)
	b.gfl.Store(gfl)
	lkg.blockDidBecomeEmpty(b)
}

// didBecomePartiallyEmpty fires on the strict downward crossing of
// capacity/2. The rightShift token admits exactly one dispatch per
// crossing; every failure path releases it.
func (b *block) didBecomePartiallyEmpty() {
	if b.flags.Load()&flRightOfHead != 0 {
		return
	}
	b.mu.Lock()
	if b.flags.Load()&flRightOfHead != 0 {
		b.mu.Unlock()
		return
	}
	if !b.rightShift.CompareAndSwap(false, true) {
		// another thread is mid-shift
		b.mu.Unlock()
		return
	}
	if b.acnt.Load() == 0 {
		// drained to zero; the empty path owns this transition
		b.mu.Unlock()
		b.rightShift.Store(false)
		return
	}
	fl := b.flags.Load()
	if fl&flHead != 0 || fl&flInTheatre == 0 {
		b.mu.Unlock()
		b.rightShift.Store(false)
		return
	}
	if int32(b.ocnt.Load()/2) < b.acnt.Load() {
		// refilled past the threshold meanwhile
		b.mu.Unlock()
		b.rightShift.Store(false)
		return
	}

	pfl, gfl := b.pfl.Load(), b.gfl.Load()
	b.pfl.Store(0)
	b.gfl.Store(0)
	b.mu.Unlock()

	// The owning linkage may change while the block lock is dropped;
	// revalidate identity after taking the candidate's lock.
	var lkg *linkage
	for {
		lkg = b.owningLkg.Load()
		lkg.mu.Lock()
		if lkg == b.owningLkg.Load() {
			break
		}
		lkg.mu.Unlock()
	}
	b.mu.Lock()
	b.pfl.Store(pfl)
	b.gfl.Store(gfl)
	lkg.blockDidBecomePartiallyEmpty(b)
}

// free releases the block's pages individually and retires the chunk
// when its last block goes. Called with the block lock held; the lock
// is released before unmapping.
func (b *block) free() {
	c := b.ch
	remaining := c.nactive.Add(-1)
	c.activeMask.And(^(uint64(1) << (b.no - 1)))
	b.mu.Unlock()
	vmUnmap(b.base, blockSize)

	if remaining == 0 {
		c.free()
	}
}
