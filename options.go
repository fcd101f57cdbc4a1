package rose

// Options is the configuration of an Allocator.
type Options struct {
	// Lift boundaries. A linkage accepts an incoming block while its
	// block count is below the boundary and lifts on empty-left
	// events at or above it.
	RootUnsizedBoundary int
	RootSizedBoundary   int
	UnsizedBoundary     int
	SizedBoundary       int

	// RecycleThreadIDs reissues detached thread ids before advancing
	// the monotonic counter.
	RecycleThreadIDs bool

	// RegionSlotBatch is how many regional heap slots a freelist
	// refill produces at once.
	RegionSlotBatch int
}

// DefaultOptions
var DefaultOptions = Options{
	RootUnsizedBoundary: 64,
	RootSizedBoundary:   32,
	UnsizedBoundary:     24,
	SizedBoundary:       16,
	RecycleThreadIDs:    false,
	RegionSlotBatch:     8,
}

func checkOptions(options Options) error {
	if options.RootUnsizedBoundary <= 0 || options.RootSizedBoundary <= 0 ||
		options.UnsizedBoundary <= 0 || options.SizedBoundary <= 0 {
		return errInvalidBoundary
	}
	if options.RegionSlotBatch <= 0 {
		return errInvalidBatch
	}
	return nil
}
