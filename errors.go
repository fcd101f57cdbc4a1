package rose

import "errors"

var (
	// ErrNoSizeClass is returned when no size class can serve the
	// requested allocation size.
	ErrNoSizeClass = errors.New("rose: no size class for allocation size")

	// ErrOutOfMemory is returned when the operating system refuses to
	// map a new chunk.
	ErrOutOfMemory = errors.New("rose: out of memory")

	// ErrDetached is returned when a Thread is used after Detach.
	ErrDetached = errors.New("rose: thread is detached")

	// ErrRegionDestroyed is returned when a Region is used after
	// DestroyRegion.
	ErrRegionDestroyed = errors.New("rose: region is destroyed")

	// ErrRegionBusy is returned when DestroyRegion runs before every
	// attached thread heap has detached.
	ErrRegionBusy = errors.New("rose: region has attached heaps")
)

var (
	errInvalidBoundary = errors.New("rose/options: invalid lift boundary")
	errInvalidBatch    = errors.New("rose/options: invalid region slot batch")
)

// Internal retry kinds. These drive the fallback tiers and never
// escape the public API.
var (
	errBlockEmpty    = errors.New("rose: block empty")
	errMapFailed     = errors.New("rose: map failed")
	errFreelistEmpty = errors.New("rose: freelist empty")

	// errSpoiledPromotee reports that a freshly promoted head was
	// exhausted by another thread before the promoting thread could
	// allocate from it. Diagnostic only.
	errSpoiledPromotee = errors.New("rose: spoiled promotee")
)
