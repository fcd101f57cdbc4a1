// Package rose is a thread-caching, size-segregated slab allocator.
// Objects are served from per-thread heaps backed by 16 KiB blocks
// carved out of 1 MiB chunks; partly-empty and empty blocks migrate
// between thread, region and root heaps under bounded lift policies.
package rose

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/tidwall/hashmap"
)

// Allocator is one allocator universe: root heap, chunk tracker,
// thread-id space, region pool and thread registry. Universes are
// independent; tests create as many as they like.
type Allocator struct {
	options Options

	root    *heap
	tracker chunkTracker
	tids    *tidSpace
	regions regionPool

	mu      sync.Mutex
	threads *hashmap.Map[uint64, *Thread]
}

// Thread is an attached worker's handle: its non-zero id and its
// thread heap. A Thread's Alloc and Free must be called from the
// goroutine that owns it; Free on another Thread's pointers is the
// foreign-free path and always safe.
type Thread struct {
	ctx  *Allocator
	id   uint64
	heap *heap
}

// Region is a regional heap sitting between thread heaps and the
// root. Region slots come from a process-wide freelist and are
// reused after destroy.
type Region struct {
	ctx  *Allocator
	heap *heap
}

// New creates an allocator universe.
func New(options ...Options) (*Allocator, error) {
	opt := DefaultOptions
	if len(options) > 0 {
		opt = options[0]
	}
	if err := checkOptions(opt); err != nil {
		return nil, err
	}
	a := &Allocator{
		options: opt,
		tids:    newTidSpace(opt.RecycleThreadIDs),
		threads: new(hashmap.Map[uint64, *Thread]),
	}
	a.tracker.init()
	a.root = newHeap(a, nil)
	return a, nil
}

// Attach creates a thread heap under the root and assigns the caller
// a thread id.
func (a *Allocator) Attach() (*Thread, error) {
	return a.attach(a.root)
}

func (a *Allocator) attach(parent *heap) (*Thread, error) {
	t := &Thread{
		ctx:  a,
		id:   a.tids.next(),
		heap: newHeap(a, parent),
	}
	parent.ownedHeaps.Add(1)
	a.mu.Lock()
	a.threads.Set(t.id, t)
	a.mu.Unlock()
	return t, nil
}

// Detach evacuates the thread heap and releases the id, which is
// reissued later only when RecycleThreadIDs is set. The Thread
// is unusable afterwards; pointers it allocated stay valid and may
// be freed through any path.
func (t *Thread) Detach() {
	if t.heap == nil {
		return
	}
	t.heap.evacuateAndClean()
	t.heap.parent.ownedHeaps.Add(-1)
	t.heap = nil
	t.ctx.mu.Lock()
	t.ctx.threads.Delete(t.id)
	t.ctx.mu.Unlock()
	t.ctx.tids.release(t.id)
	t.id = tidNone
}

// Alloc returns a pointer to size bytes of storage from the thread
// heap. The internal retry kinds drive the fallback tiers and never
// surface; callers see a pointer, ErrNoSizeClass or ErrOutOfMemory,
// or ErrDetached once the Thread has detached.
func (t *Thread) Alloc(size int) (unsafe.Pointer, error) {
	if t.heap == nil {
		return nil, ErrDetached
	}
	for {
		p, err := t.heap.allocObject(t.id, size)
		switch {
		case err == nil:
			return p, nil
		case errors.Is(err, errSpoiledPromotee), errors.Is(err, errBlockEmpty):
			continue
		case errors.Is(err, errMapFailed):
			return nil, ErrOutOfMemory
		default:
			return nil, err
		}
	}
}

// AllocBytes is Alloc returning the storage as a byte slice.
func (t *Thread) AllocBytes(size int) ([]byte, error) {
	p, err := t.Alloc(size)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), size), nil
}

// Free returns a pointer to its block. Nil is a no-op, as is any
// pointer this universe never issued.
func (t *Thread) Free(p unsafe.Pointer) {
	t.ctx.freeObject(t.id, p)
}

// FreeBytes frees a slice obtained from AllocBytes.
func (t *Thread) FreeBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	t.Free(unsafe.Pointer(&b[0]))
}

// Free is the ownerless deallocation path for pointers handed to
// code with no Thread. Always takes the foreign-free route.
func (a *Allocator) Free(p unsafe.Pointer) {
	a.freeObject(tidNone, p)
}

func (a *Allocator) freeObject(tid uint64, p unsafe.Pointer) {
	if p == nil {
		return
	}
	b := a.tracker.blockFor(uintptr(p))
	if b == nil {
		return
	}
	b.deallocObject(tid, p)
}

// CreateRegion takes a regional heap slot from the freelist,
// refilling it in batches when empty.
func (a *Allocator) CreateRegion() (*Region, error) {
	h := a.regions.get(a)
	return &Region{ctx: a, heap: h}, nil
}

// Attach creates a thread heap under the region.
func (r *Region) Attach() (*Thread, error) {
	if r.heap == nil {
		return nil, ErrRegionDestroyed
	}
	return r.ctx.attach(r.heap)
}

// DestroyRegion evacuates the regional heap and returns its slot to
// the freelist. All threads attached to the region must have
// detached first.
func (a *Allocator) DestroyRegion(r *Region) error {
	if r.heap == nil {
		return ErrRegionDestroyed
	}
	if r.heap.ownedHeaps.Load() != 0 {
		return ErrRegionBusy
	}
	r.heap.evacuateAndClean()
	a.regions.put(r.heap)
	r.heap = nil
	return nil
}

// regionPool is the process-wide freelist of regional heap slots.
type regionPool struct {
	mu   sync.Mutex
	free []*heap
}

func (p *regionPool) get(a *Allocator) *heap {
	p.mu.Lock()
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		h.reinit(a, a.root)
		return h
	}
	p.mu.Unlock()

	// refill a batch of slots, keep one
	batch := make([]*heap, a.options.RegionSlotBatch)
	for i := range batch {
		batch[i] = newHeap(a, a.root)
	}
	p.mu.Lock()
	p.free = append(p.free, batch[1:]...)
	p.mu.Unlock()
	return batch[0]
}

func (p *regionPool) put(h *heap) {
	p.mu.Lock()
	p.free = append(p.free, h)
	p.mu.Unlock()
}
