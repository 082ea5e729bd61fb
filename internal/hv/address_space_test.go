package hv

import (
	"errors"
	"testing"
)

func TestAddressSpaceRegister(t *testing.T) {
	tests := []struct {
		name     string
		existing []MemoryRegionMapping
		mapping  MemoryRegionMapping
		wantErr  error
		anyErr   bool
	}{
		{
			name:    "whole space",
			mapping: MemoryRegionMapping{Slot: 0, GuestPhysAddr: 0, Size: 0x2000},
		},
		{
			name:    "beyond limit",
			mapping: MemoryRegionMapping{Slot: 0, GuestPhysAddr: 0x1000, Size: 0x2000},
			wantErr: ErrMappingOutOfRange,
		},
		{
			name:    "overflow",
			mapping: MemoryRegionMapping{Slot: 0, GuestPhysAddr: ^uint64(0) - 0xfff, Size: 0x2000},
			wantErr: ErrMappingOutOfRange,
		},
		{
			name:    "zero size",
			mapping: MemoryRegionMapping{Slot: 0, GuestPhysAddr: 0, Size: 0},
			anyErr:  true,
		},
		{
			name:     "duplicate slot",
			existing: []MemoryRegionMapping{{Slot: 0, GuestPhysAddr: 0, Size: 0x1000}},
			mapping:  MemoryRegionMapping{Slot: 0, GuestPhysAddr: 0x1000, Size: 0x1000},
			wantErr:  ErrSlotInUse,
		},
		{
			name:     "overlap",
			existing: []MemoryRegionMapping{{Slot: 0, GuestPhysAddr: 0, Size: 0x1000}},
			mapping:  MemoryRegionMapping{Slot: 1, GuestPhysAddr: 0x800, Size: 0x1000},
			wantErr:  ErrMappingOverlap,
		},
		{
			name:     "adjacent",
			existing: []MemoryRegionMapping{{Slot: 0, GuestPhysAddr: 0, Size: 0x1000}},
			mapping:  MemoryRegionMapping{Slot: 1, GuestPhysAddr: 0x1000, Size: 0x1000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			as := NewAddressSpace(ArchitectureX86_64, 0x2000)
			for _, m := range tt.existing {
				if err := as.Register(m); err != nil {
					t.Fatalf("register existing %v: %v", m, err)
				}
			}

			err := as.Register(tt.mapping)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Register(%v) = %v, want %v", tt.mapping, err, tt.wantErr)
				}
			case tt.anyErr:
				if err == nil {
					t.Fatalf("Register(%v) succeeded, want error", tt.mapping)
				}
			default:
				if err != nil {
					t.Fatalf("Register(%v): %v", tt.mapping, err)
				}
			}

			want := len(tt.existing)
			if err == nil {
				want++
			}
			if got := len(as.Mappings()); got != want {
				t.Fatalf("got %d mappings, want %d", got, want)
			}
		})
	}
}

func TestAddressSpaceCheckDoesNotRecord(t *testing.T) {
	as := NewAddressSpace(ArchitectureX86_64, 0x2000)
	m := MemoryRegionMapping{Slot: 0, Size: 0x2000}

	if err := as.Check(m); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got := len(as.Mappings()); got != 0 {
		t.Fatalf("Check recorded %d mappings", got)
	}
	if err := as.Register(m); err != nil {
		t.Fatalf("Register after Check: %v", err)
	}
	if err := as.Check(m); !errors.Is(err, ErrSlotInUse) {
		t.Fatalf("Check of a registered slot = %v, want %v", err, ErrSlotInUse)
	}
}

func TestAddressSpaceSeal(t *testing.T) {
	as := NewAddressSpace(ArchitectureX86_64, 0x2000)
	if err := as.Register(MemoryRegionMapping{Slot: 0, Size: 0x1000}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	as.Seal()
	if !as.Sealed() {
		t.Fatal("Sealed() = false after Seal")
	}

	err := as.Register(MemoryRegionMapping{Slot: 1, GuestPhysAddr: 0x1000, Size: 0x1000})
	if !errors.Is(err, ErrAddressSpaceSealed) {
		t.Fatalf("Register after Seal = %v, want %v", err, ErrAddressSpaceSealed)
	}
}

func TestAlignUp(t *testing.T) {
	for _, tc := range []struct{ value, align, want uint64 }{
		{0, 0x1000, 0},
		{1, 0x1000, 0x1000},
		{0x1000, 0x1000, 0x1000},
		{0x1001, 0x1000, 0x2000},
		{7, 0, 7},
	} {
		if got := AlignUp(tc.value, tc.align); got != tc.want {
			t.Errorf("AlignUp(0x%x, 0x%x) = 0x%x, want 0x%x", tc.value, tc.align, got, tc.want)
		}
	}
}

func TestExitEventString(t *testing.T) {
	if got, want := HaltExit(5, "KVM_EXIT_HLT").String(), "halt(5): KVM_EXIT_HLT"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := UnhandledExit(2, "").String(), "unhandled(2)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestRegisterString(t *testing.T) {
	if got := RegisterAMD64Rax.String(); got != "rax" {
		t.Errorf("RegisterAMD64Rax.String() = %q", got)
	}
	if got := Register(9999).String(); got != "Register(9999)" {
		t.Errorf("Register(9999).String() = %q", got)
	}
}
