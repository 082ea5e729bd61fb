package hv

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/rmvm/internal/hostmem"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrVCPULimit             = errors.New("only one vCPU is supported per virtual machine")
	ErrNoVCPU                = errors.New("virtual machine has no vCPU")
	ErrNoMemory              = errors.New("virtual machine has no memory bound")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

// RflagsReserved is bit 1 of RFLAGS. It always reads as one and some
// backends refuse to enter a guest with it clear.
const RflagsReserved = 1 << 1

// RflagsZF is the zero flag.
const RflagsZF = 1 << 6

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

// Segment is the part of a segment register the harness touches. Setting a
// Segment rewrites base and selector and leaves the rest of the backend's
// descriptor cache untouched.
type Segment struct {
	Base     uint64
	Selector uint16
}

func (s Segment) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// Segment registers, values are Segment.
	RegisterAMD64Cs
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64R8:     "r8",
	RegisterAMD64R9:     "r9",
	RegisterAMD64R10:    "r10",
	RegisterAMD64R11:    "r11",
	RegisterAMD64R12:    "r12",
	RegisterAMD64R13:    "r13",
	RegisterAMD64R14:    "r14",
	RegisterAMD64R15:    "r15",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
	RegisterAMD64Cs:     "cs",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

// VirtualCPU is a single vCPU. Its methods must be called from the vCPU's own
// thread, which VirtualMachine.VirtualCPUCall and VirtualMachine.Run provide.
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	// SetRegisters performs a read-modify-write of the backend register file.
	// Registers missing from regs keep their current value.
	SetRegisters(regs map[Register]RegisterValue) error
	// GetRegisters fills in the value of every key present in regs.
	GetRegisters(regs map[Register]RegisterValue) error

	// Run enters the guest and blocks until it exits.
	Run(ctx context.Context) (ExitEvent, error)
}

type RunConfig interface {
	Run(ctx context.Context, vcpu VirtualCPU) error
}

type VirtualMachine interface {
	io.Closer

	Hypervisor() Hypervisor

	// BindMemory maps the claimed host region into guest physical memory at
	// guestPhysAddr under slot. The claim keeps the host from writing to the
	// region for as long as the VM uses it.
	BindMemory(slot uint32, guestPhysAddr uint64, mem *hostmem.Claim) (MemoryRegionMapping, error)
	Mappings() []MemoryRegionMapping

	NewVirtualCPU() (VirtualCPU, error)

	Run(ctx context.Context, cfg RunConfig) error
	VirtualCPUCall(id int, f func(vcpu VirtualCPU) error) error
}

type VMConfig interface {
	CPUCount() int
	// MemorySize is the span of guest physical memory, starting at zero,
	// that mappings may occupy.
	MemorySize() uint64
}

type SimpleVMConfig struct {
	NumCPUs int
	MemSize uint64
}

func (c SimpleVMConfig) CPUCount() int      { return c.NumCPUs }
func (c SimpleVMConfig) MemorySize() uint64 { return c.MemSize }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
