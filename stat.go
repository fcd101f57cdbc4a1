package rose

import "github.com/bytedance/sonic"

// Stat is a point-in-time snapshot of a universe. Counters are read
// without stopping the world, so concurrent traffic may skew them by
// a block or two.
type Stat struct {
	Chunks      uint64
	Blocks      uint64
	LiveObjects uint64
	MappedBytes uint64
	Threads     uint64
	RegionSlots uint64
}

// Stat
func (a *Allocator) Stat() (stat Stat) {
	a.tracker.mu.Lock()
	for c := a.tracker.first; c != nil; c = c.next {
		stat.Chunks++
		mask := c.activeMask.Load()
		for i := 0; i < blocksPerChunk; i++ {
			if mask&(1<<uint(i)) == 0 {
				continue
			}
			stat.Blocks++
			if n := c.blocks[i].acnt.Load(); n > 0 {
				stat.LiveObjects += uint64(n)
			}
		}
	}
	a.tracker.mu.Unlock()

	// header block plus every still-mapped payload block
	stat.MappedBytes = (stat.Chunks + stat.Blocks) * blockSize

	a.mu.Lock()
	stat.Threads = uint64(a.threads.Len())
	a.mu.Unlock()

	a.regions.mu.Lock()
	stat.RegionSlots = uint64(len(a.regions.free))
	a.regions.mu.Unlock()
	return
}

// MarshalJSON
func (s Stat) MarshalJSON() ([]byte, error) {
	type alias Stat
	return sonic.Marshal(alias(s))
}
