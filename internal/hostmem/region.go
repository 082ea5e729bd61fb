// Package hostmem provides host memory regions that can back guest physical
// memory.
package hostmem

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"
)

var (
	ErrRegionClaimed = errors.New("hostmem: region is claimed by a virtual machine")
	ErrRegionClosed  = errors.New("hostmem: region is closed")
)

type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
)

func (p Perm) String() string {
	s := ""
	if p&PermRead != 0 {
		s += "r"
	} else {
		s += "-"
	}
	if p&PermWrite != 0 {
		s += "w"
	} else {
		s += "-"
	}
	return s
}

// Region is an anonymously backed host memory block with a stable address.
//
// The host may write to a Region until it is claimed. A Claim is the proof of
// exclusive ownership a virtual machine needs before it maps the region into
// a guest, and there is at most one per Region.
type Region struct {
	mu      sync.Mutex
	mem     []byte
	perm    Perm
	claimed bool
	unmap   func([]byte) error
}

func newRegion(mem []byte, perm Perm, unmap func([]byte) error) (*Region, error) {
	if len(mem) == 0 {
		return nil, fmt.Errorf("hostmem: empty region")
	}
	if addr := uintptr(unsafe.Pointer(&mem[0])); addr%uintptr(PageSize()) != 0 {
		return nil, fmt.Errorf("hostmem: region base 0x%x is not page aligned", addr)
	}
	return &Region{mem: mem, perm: perm, unmap: unmap}, nil
}

func (r *Region) Size() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return uint64(len(r.mem))
}

func (r *Region) Perm() Perm { return r.perm }

// Addr returns the host virtual address of the first byte, or zero after
// Close.
func (r *Region) Addr() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

func (r *Region) ReadAt(p []byte, off int64) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return 0, ErrRegionClosed
	}
	if off < 0 || off >= int64(len(r.mem)) {
		return 0, fmt.Errorf("hostmem: ReadAt offset 0x%x out of bounds 0x%x", off, len(r.mem))
	}

	n = copy(p, r.mem[off:])
	if n < len(p) {
		err = fmt.Errorf("hostmem: ReadAt short read")
	}
	return n, err
}

// WriteAt fails with ErrRegionClaimed once the region has been claimed.
func (r *Region) WriteAt(p []byte, off int64) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return 0, ErrRegionClosed
	}
	if r.claimed {
		return 0, ErrRegionClaimed
	}
	if r.perm&PermWrite == 0 {
		return 0, fmt.Errorf("hostmem: region is not writable")
	}
	if off < 0 || off >= int64(len(r.mem)) {
		return 0, fmt.Errorf("hostmem: WriteAt offset 0x%x out of bounds 0x%x", off, len(r.mem))
	}

	n = copy(r.mem[off:], p)
	if n < len(p) {
		err = fmt.Errorf("hostmem: WriteAt short write")
	}
	return n, err
}

// Claim hands out exclusive use of the region. It succeeds once.
func (r *Region) Claim() (*Claim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return nil, ErrRegionClosed
	}
	if r.claimed {
		return nil, ErrRegionClaimed
	}
	r.claimed = true

	return &Claim{
		region: r,
		addr:   uintptr(unsafe.Pointer(&r.mem[0])),
		size:   uint64(len(r.mem)),
		perm:   r.perm,
	}, nil
}

func (r *Region) Claimed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.claimed
}

// Close unmaps the region. It fails while a claim is outstanding.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return nil
	}
	if r.claimed {
		return ErrRegionClaimed
	}

	mem := r.mem
	r.mem = nil
	if r.unmap == nil {
		return nil
	}
	if err := r.unmap(mem); err != nil {
		return fmt.Errorf("hostmem: unmap: %w", err)
	}
	return nil
}

// Claim is exclusive ownership of a Region.
type Claim struct {
	region *Region
	addr   uintptr
	size   uint64
	perm   Perm
}

func (c *Claim) HostAddr() uintptr { return c.addr }
func (c *Claim) Size() uint64      { return c.size }
func (c *Claim) Perm() Perm        { return c.perm }

// Release gives the region back to the host. The caller must make sure no
// guest can still reach it.
func (c *Claim) Release() {
	if c == nil || c.region == nil {
		return
	}

	c.region.mu.Lock()
	c.region.claimed = false
	c.region.mu.Unlock()

	c.region = nil
}
