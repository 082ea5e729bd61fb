package harness

import (
	"context"
	"fmt"

	"github.com/tinyrange/rmvm/internal/hostmem"
	"github.com/tinyrange/rmvm/internal/hv"
)

// fakeHypervisor counts the calls made on it and hands out a fakeVM whose
// vCPU returns exit (or emulates the fixture when exit is zero).
type fakeHypervisor struct {
	calls   int
	exit    hv.ExitEvent
	bindErr error

	vm *fakeVM
}

func (h *fakeHypervisor) Close() error                     { return nil }
func (h *fakeHypervisor) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (h *fakeHypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	h.calls++
	if config.CPUCount() != 1 {
		return nil, hv.ErrVCPULimit
	}
	h.vm = &fakeVM{
		h:     h,
		space: hv.NewAddressSpace(hv.ArchitectureX86_64, config.MemorySize()),
	}
	return h.vm, nil
}

type fakeVM struct {
	h      *fakeHypervisor
	space  *hv.AddressSpace
	claims []*hostmem.Claim
	vcpu   *fakeVCPU
	closed bool
}

func (v *fakeVM) Hypervisor() hv.Hypervisor          { return v.h }
func (v *fakeVM) Mappings() []hv.MemoryRegionMapping { return v.space.Mappings() }

func (v *fakeVM) BindMemory(slot uint32, gpa uint64, mem *hostmem.Claim) (hv.MemoryRegionMapping, error) {
	v.h.calls++
	if v.h.bindErr != nil {
		return hv.MemoryRegionMapping{}, v.h.bindErr
	}
	m := hv.MemoryRegionMapping{Slot: slot, GuestPhysAddr: gpa, Size: mem.Size(), HostAddr: mem.HostAddr()}
	if err := v.space.Register(m); err != nil {
		return hv.MemoryRegionMapping{}, err
	}
	v.claims = append(v.claims, mem)
	return m, nil
}

func (v *fakeVM) NewVirtualCPU() (hv.VirtualCPU, error) {
	v.h.calls++
	if v.vcpu != nil {
		return nil, hv.ErrVCPULimit
	}
	v.vcpu = &fakeVCPU{
		vm:   v,
		regs: map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Cs: hv.Segment{Base: 0xffff0000, Selector: 0xf000}},
	}
	return v.vcpu, nil
}

func (v *fakeVM) Run(ctx context.Context, cfg hv.RunConfig) error {
	v.h.calls++
	if v.vcpu == nil {
		return hv.ErrNoVCPU
	}
	v.space.Seal()
	return cfg.Run(ctx, v.vcpu)
}

func (v *fakeVM) VirtualCPUCall(id int, f func(hv.VirtualCPU) error) error {
	v.h.calls++
	if v.vcpu == nil || id != 0 {
		return hv.ErrNoVCPU
	}
	return f(v.vcpu)
}

func (v *fakeVM) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	for _, c := range v.claims {
		c.Release()
	}
	return nil
}

type fakeVCPU struct {
	vm   *fakeVM
	regs map[hv.Register]hv.RegisterValue

	runs          int
	readsAfterRun int
}

func (c *fakeVCPU) VirtualMachine() hv.VirtualMachine { return c.vm }
func (c *fakeVCPU) ID() int                           { return 0 }

func (c *fakeVCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	for reg, v := range regs {
		c.regs[reg] = v
	}
	return nil
}

func (c *fakeVCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	if c.runs > 0 {
		c.readsAfterRun++
	}
	for reg := range regs {
		v, ok := c.regs[reg]
		if !ok {
			return fmt.Errorf("fake: register %s not set", reg)
		}
		regs[reg] = v
	}
	return nil
}

func (c *fakeVCPU) reg(r hv.Register) uint64 {
	v, _ := c.regs[r].(hv.Register64)
	return uint64(v)
}

// Run emulates the fixture's effect on the registers.
func (c *fakeVCPU) Run(ctx context.Context) (hv.ExitEvent, error) {
	c.runs++
	if c.vm.h.exit.Kind != hv.ExitInvalid {
		return c.vm.h.exit, nil
	}

	sum := (c.reg(hv.RegisterAMD64Rax) + c.reg(hv.RegisterAMD64Rbx)) & 0xffff
	flags := c.reg(hv.RegisterAMD64Rflags) &^ hv.RflagsZF
	if sum == 10 {
		flags |= hv.RflagsZF
	}

	// mov ax, 0 leaves the upper bits of rax alone.
	c.regs[hv.RegisterAMD64Rax] = hv.Register64(c.reg(hv.RegisterAMD64Rax) &^ 0xffff)
	c.regs[hv.RegisterAMD64Rflags] = hv.Register64(flags)
	c.regs[hv.RegisterAMD64Rip] = hv.Register64(0x0b)

	return hv.HaltExit(5, "KVM_EXIT_HLT"), nil
}

var (
	_ hv.Hypervisor     = &fakeHypervisor{}
	_ hv.VirtualMachine = &fakeVM{}
	_ hv.VirtualCPU     = &fakeVCPU{}
)
