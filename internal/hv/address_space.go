package hv

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrSlotInUse          = errors.New("memory slot already in use")
	ErrMappingOverlap     = errors.New("memory mapping overlaps an existing mapping")
	ErrMappingOutOfRange  = errors.New("memory mapping exceeds guest physical address space")
	ErrAddressSpaceSealed = errors.New("guest address space is sealed")
)

type MemoryFlags uint32

const MemoryFlagReadOnly MemoryFlags = 1 << 1

// MemoryRegionMapping binds a range of host virtual memory to guest physical
// memory.
type MemoryRegionMapping struct {
	Slot          uint32
	GuestPhysAddr uint64
	Size          uint64
	HostAddr      uintptr
	Flags         MemoryFlags
}

// End returns the first guest physical address after the mapping.
func (m MemoryRegionMapping) End() uint64 {
	return m.GuestPhysAddr + m.Size
}

func (m MemoryRegionMapping) String() string {
	return fmt.Sprintf("slot %d [0x%x-0x%x) -> host 0x%x flags=0x%x",
		m.Slot, m.GuestPhysAddr, m.End(), m.HostAddr, uint32(m.Flags))
}

// AddressSpace tracks the memory mappings of one VM. It checks every mapping
// before it reaches the backend and stops accepting new ones once the guest
// has started running.
type AddressSpace struct {
	mu sync.Mutex

	arch  CpuArchitecture
	limit uint64

	mappings []MemoryRegionMapping
	sealed   bool
}

// NewAddressSpace creates an address space accepting mappings within
// [0, limit).
func NewAddressSpace(arch CpuArchitecture, limit uint64) *AddressSpace {
	return &AddressSpace{
		arch:  arch,
		limit: limit,
	}
}

// Check reports whether m could be registered, without recording it.
func (a *AddressSpace) Check(m MemoryRegionMapping) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.checkLocked(m)
}

// Register validates m and records it.
func (a *AddressSpace) Register(m MemoryRegionMapping) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkLocked(m); err != nil {
		return err
	}

	a.mappings = append(a.mappings, m)
	return nil
}

func (a *AddressSpace) checkLocked(m MemoryRegionMapping) error {
	if a.sealed {
		return fmt.Errorf("address_space: register slot %d: %w", m.Slot, ErrAddressSpaceSealed)
	}

	if m.Size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size mapping in slot %d", m.Slot)
	}

	end := m.GuestPhysAddr + m.Size
	if end < m.GuestPhysAddr {
		return fmt.Errorf("address_space: slot %d [0x%x+0x%x) overflows: %w",
			m.Slot, m.GuestPhysAddr, m.Size, ErrMappingOutOfRange)
	}
	if end > a.limit {
		return fmt.Errorf("address_space: slot %d [0x%x-0x%x) beyond limit 0x%x: %w",
			m.Slot, m.GuestPhysAddr, end, a.limit, ErrMappingOutOfRange)
	}

	for _, existing := range a.mappings {
		if existing.Slot == m.Slot {
			return fmt.Errorf("address_space: slot %d: %w", m.Slot, ErrSlotInUse)
		}
		if m.GuestPhysAddr < existing.End() && end > existing.GuestPhysAddr {
			return fmt.Errorf("address_space: slot %d [0x%x-0x%x) overlaps slot %d [0x%x-0x%x): %w",
				m.Slot, m.GuestPhysAddr, end,
				existing.Slot, existing.GuestPhysAddr, existing.End(), ErrMappingOverlap)
		}
	}

	return nil
}

// Seal rejects any further Register call.
func (a *AddressSpace) Seal() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sealed = true
}

func (a *AddressSpace) Sealed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.sealed
}

// Mappings returns a copy of all registered mappings.
func (a *AddressSpace) Mappings() []MemoryRegionMapping {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MemoryRegionMapping, len(a.mappings))
	copy(result, a.mappings)
	return result
}

func (a *AddressSpace) Limit() uint64 {
	return a.limit
}

func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

// AlignUp aligns value up to the specified alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
