package rose

import (
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The mapping shim is the only code allowed to talk to the OS about
// virtual memory. Everything is anonymous, private, zero-filled and
// read-write.

// vmMap reserves and commits size bytes.
func vmMap(size uintptr) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, nil, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errMapFailed
	}
	return uintptr(p), nil
}

// vmMapAligned reserves and commits size bytes with the base aligned
// to align. Over-maps 2*align - page and trims the unaligned prefix
// and suffix.
func vmMapAligned(size, align uintptr) (uintptr, error) {
	mapped := (align << 1) - pageSize
	p, err := unix.MmapPtr(-1, 0, nil, mapped,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return 0, errMapFailed
	}
	addr := uintptr(p)
	offset := addr & (align - 1)
	if offset != 0 {
		vmUnmap(addr, align-offset)
		addr += align - offset
		vmUnmap(addr+size, mapped-size-(align-offset))
	} else {
		vmUnmap(addr+size, mapped-size)
	}
	return addr, nil
}

// vmUnmap releases [base, base+size). Failure is logged and the
// memory treated as leaked; unmap failures are not recoverable.
func vmUnmap(base, size uintptr) {
	if size == 0 {
		return
	}
	if err := unix.MunmapPtr(unsafe.Pointer(base), size); err != nil {
		slog.Error("rose: munmap failed, leaking pages",
			"base", base, "size", size, "err", err)
	}
}
