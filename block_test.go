package rose

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// mapBlock maps one standalone block for white-box tests. The HEAD
// flag keeps the threshold machinery from dispatching into a linkage
// that does not exist here.
func mapBlock(t *testing.T) *block {
	t.Helper()
	base, err := vmMapAligned(blockSize, blockSize)
	if err != nil {
		t.Fatal(err)
	}
	b := &block{base: base}
	t.Cleanup(func() { vmUnmap(base, blockSize) })
	b.flags.Store(flHead)
	return b
}

func flLen(head uintptr) (n int) {
	for p := head; p != 0; p = *(*uintptr)(unsafe.Pointer(p)) {
		n++
	}
	return
}

func TestBlockFormat(t *testing.T) {
	assert := assert.New(t)
	b := mapBlock(t)

	for k := 1; k < numClasses; k++ {
		osize := indexToSize(k)
		b.formatToSize(osize)
		b.flags.Store(flHead)

		assert.Equal(uint32(osize), b.osize.Load())
		assert.Equal(uint32(blockSize/osize), b.ocnt.Load())
		assert.Equal(int32(0), b.acnt.Load())
		assert.Equal(uintptr(0), b.gfl.Load())
		assert.Equal(b.base, b.pfl.Load())
		assert.Equal(int(b.ocnt.Load()), flLen(b.pfl.Load()))
	}
}

func TestBlockAllocExhaust(t *testing.T) {
	assert := assert.New(t)
	b := mapBlock(t)
	b.formatToSize(512)
	b.flags.Store(flHead)

	cap := int(b.ocnt.Load())
	seen := make(map[uintptr]bool, cap)
	for i := 0; i < cap; i++ {
		p, err := b.allocObject()
		assert.NoError(err)
		assert.False(seen[uintptr(p)])
		seen[uintptr(p)] = true
		assert.Equal(b.base, blockBase(uintptr(p)))
	}
	assert.Equal(int32(cap), b.acnt.Load())

	_, err := b.allocObject()
	assert.ErrorIs(err, errBlockEmpty)
}

func TestBlockDeallocOwnerAndForeign(t *testing.T) {
	assert := assert.New(t)
	b := mapBlock(t)
	b.formatToSize(1024)
	b.flags.Store(flHead)
	b.owningTid.Store(7)

	cap := int(b.ocnt.Load())
	ptrs := make([]unsafe.Pointer, cap)
	for i := range ptrs {
		p, err := b.allocObject()
		assert.NoError(err)
		ptrs[i] = p
	}

	// owner free lands on the private list, foreign free on the
	// foreign list under the lock
	b.deallocObject(7, ptrs[0])
	assert.Equal(uintptr(ptrs[0]), b.pfl.Load())
	assert.Equal(uintptr(0), b.gfl.Load())

	b.deallocObject(3, ptrs[1])
	assert.Equal(uintptr(ptrs[1]), b.gfl.Load())

	b.deallocObject(tidNone, ptrs[2])
	assert.Equal(uintptr(ptrs[2]), b.gfl.Load())

	// alive = capacity - |pfl| - |gfl|
	assert.Equal(int32(cap-3), b.acnt.Load())
	assert.Equal(cap-3, cap-flLen(b.pfl.Load())-flLen(b.gfl.Load()))

	// draining the private list swaps the foreign list in
	p, err := b.allocObject()
	assert.NoError(err)
	assert.Equal(ptrs[0], p)
	p, err = b.allocObject()
	assert.NoError(err)
	assert.Equal(ptrs[2], p)
	assert.Equal(uintptr(0), b.gfl.Load())
}

func TestBlockReuseIsLIFO(t *testing.T) {
	assert := assert.New(t)
	b := mapBlock(t)
	b.formatToSize(256)
	b.flags.Store(flHead)
	b.owningTid.Store(1)

	p1, err := b.allocObject()
	assert.NoError(err)
	b.deallocObject(1, p1)
	p2, err := b.allocObject()
	assert.NoError(err)
	assert.Equal(p1, p2)
}
