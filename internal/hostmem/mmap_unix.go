//go:build unix

package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func PageSize() int {
	return unix.Getpagesize()
}

// Map reserves size bytes of private, anonymous, read/write memory. The size
// is rounded up to a whole number of host pages.
func Map(size uint64) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("hostmem: size must be greater than 0")
	}

	page := uint64(PageSize())
	size = (size + page - 1) &^ (page - 1)

	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("hostmem: size %d exceeds host address limit", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", size, err)
	}

	region, err := newRegion(mem, PermRead|PermWrite, unix.Munmap)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	return region, nil
}
