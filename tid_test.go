package rose

import (
	"testing"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
)

func TestTidMonotonic(t *testing.T) {
	assert := assert.New(t)
	s := newTidSpace(false)

	assert.Equal(uint64(1), s.next())
	assert.Equal(uint64(2), s.next())

	// without recycling, released ids are never reissued
	s.release(2)
	assert.Equal(uint64(3), s.next())
}

func TestTidRecycle(t *testing.T) {
	assert := assert.New(t)
	s := newTidSpace(true)

	a, b := s.next(), s.next()
	assert.Equal(uint64(1), a)
	assert.Equal(uint64(2), b)

	s.release(a)
	assert.Equal(a, s.next())
	assert.Equal(uint64(3), s.next())
}

func TestTidConcurrentUnique(t *testing.T) {
	assert := assert.New(t)
	s := newTidSpace(false)

	const workers = 32
	const perWorker = 1000
	ids := make([][]uint64, workers)

	var wg conc.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Go(func() {
			out := make([]uint64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				out = append(out, s.next())
			}
			ids[w] = out
		})
	}
	wg.Wait()

	seen := make(map[uint64]bool, workers*perWorker)
	for _, out := range ids {
		for _, id := range out {
			assert.NotZero(id)
			assert.False(seen[id])
			seen[id] = true
		}
	}
	assert.Equal(workers*perWorker, len(seen))
}
