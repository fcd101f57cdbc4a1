package rose

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

func TestRequestTiersFirstAlloc(t *testing.T) {
	assert := assert.New(t)
	a, err := New()
	assert.NoError(err)
	th, err := a.Attach()
	assert.NoError(err)

	// first allocation escalates thread → root → fresh chunk: one
	// block reserved, 62 applicants in the root's unsized linkage
	p := mustAlloc(t, th, 100)
	b := a.blockOf(p)
	assert.NotNil(b)
	assert.Equal(uint32(128), b.osize.Load())

	assert.Equal(62, a.root.lkgs[0].nblocks)
	assert.Equal(1, th.heap.lkgs[7].nblocks)
	assert.Equal(b, th.heap.lkgs[7].active.Load())

	// second class pulls an applicant, not a second chunk
	mustAlloc(t, th, 1000)
	assert.Equal(61, a.root.lkgs[0].nblocks)
	assert.Equal(uint64(1), a.Stat().Chunks)
}

func TestUnsizedReformat(t *testing.T) {
	assert := assert.New(t)
	a, err := New()
	assert.NoError(err)

	// a detached thread's head block lands empty in the root's
	// unsized linkage
	th1, err := a.Attach()
	assert.NoError(err)
	p := mustAlloc(t, th1, 24)
	b := a.blockOf(p)
	assert.Equal(uint32(24), b.osize.Load())
	th1.Free(p)
	th1.Detach()
	assert.Equal(&a.root.lkgs[0], b.owningLkg.Load())

	// the next thread's request for class 9 pops it back out and
	// reformats it
	th2, err := a.Attach()
	assert.NoError(err)
	p2 := mustAlloc(t, th2, 256)
	assert.Equal(b, a.blockOf(p2))
	assert.Equal(uint32(256), b.osize.Load())
	assert.Equal(uint32(blockSize/256), b.ocnt.Load())
}

func TestCatchSkipsReleasingLinkage(t *testing.T) {
	assert := assert.New(t)
	opt := DefaultOptions
	opt.SizedBoundary = 1
	a, err := New(opt)
	assert.NoError(err)
	th, err := a.Attach()
	assert.NoError(err)

	p1 := mustAlloc(t, th, twoSlotSize)
	p2 := mustAlloc(t, th, twoSlotSize)
	mustAlloc(t, th, twoSlotSize)
	b1 := a.blockOf(p1)
	lkg := &th.heap.lkgs[19]
	assert.Equal(lkg, b1.owningLkg.Load())

	// the lifted block must not re-enter the linkage that released
	// it: it skips to the root and, being empty, lands unsized
	th.Free(p1)
	th.Free(p2)
	got := b1.owningLkg.Load()
	assert.NotEqual(lkg, got)
	assert.Equal(&a.root.lkgs[0], got)
}

func TestRootUnsizedAcceptBoundary(t *testing.T) {
	assert := assert.New(t)
	opt := DefaultOptions
	opt.SizedBoundary = 1
	opt.RootUnsizedBoundary = 61
	a, err := New(opt)
	assert.NoError(err)
	th, err := a.Attach()
	assert.NoError(err)

	// five allocations leave 60 applicants in the root's unsized
	// linkage (one reserved block, two pulled). Draining two blocks
	// lifts both: the first is accepted at 60 < 61, the second is
	// rejected at the boundary and escapes to the OS.
	p1 := mustAlloc(t, th, twoSlotSize)
	p2 := mustAlloc(t, th, twoSlotSize)
	p3 := mustAlloc(t, th, twoSlotSize)
	p4 := mustAlloc(t, th, twoSlotSize)
	mustAlloc(t, th, twoSlotSize)
	assert.Equal(60, a.root.lkgs[0].nblocks)

	blocksBefore := a.Stat().Blocks
	th.Free(p1)
	th.Free(p2)
	assert.Equal(61, a.root.lkgs[0].nblocks)

	th.Free(p3)
	th.Free(p4)
	assert.Equal(61, a.root.lkgs[0].nblocks)
	assert.Equal(blocksBefore-1, a.Stat().Blocks)
}

func TestHeapEvacuationReturnsBlocks(t *testing.T) {
	assert := assert.New(t)
	a, err := New()
	assert.NoError(err)
	th, err := a.Attach()
	assert.NoError(err)

	// live objects survive their thread: the blocks move upstream
	p := mustAlloc(t, th, 128)
	buf := unsafe.Slice((*byte)(p), 128)
	for i := range buf {
		buf[i] = byte(i)
	}
	b := a.blockOf(p)
	th.Detach()

	// non-empty block is caught by the root's sized linkage
	assert.Equal(&a.root.lkgs[7], b.owningLkg.Load())
	for i := range buf {
		assert.Equal(byte(i), buf[i])
	}

	// and an ownerless free still finds its way home
	a.Free(p)
	assert.Equal(int32(0), b.acnt.Load())
}
