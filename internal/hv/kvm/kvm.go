//go:build linux

package kvm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/rmvm/internal/hostmem"
	"github.com/tinyrange/rmvm/internal/hv"
	"github.com/tinyrange/rmvm/internal/timeslice"
	"golang.org/x/sys/unix"
)

const kvmDevice = "/dev/kvm"

var (
	tsKvmHostTime  = timeslice.RegisterKind("kvm_host_time", 0)
	tsKvmGuestTime = timeslice.RegisterKind("kvm_guest_time", timeslice.SliceFlagGuestTime)
)

type virtualCPU struct {
	rec *timeslice.State

	vm       *virtualMachine
	runQueue chan func()
	id       int
	fd       int
	run      []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for fn := range v.runQueue {
		fn()
	}
}

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// requestImmediateExit kicks the vCPU thread tid out of KVM_RUN.
func (v *virtualCPU) requestImmediateExit(tid int) error {
	v.runData().immediate_exit = 1

	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

type virtualMachine struct {
	rec *timeslice.State

	hv   *hypervisor
	mu   sync.Mutex
	vmFd int

	vcpus  map[int]*virtualCPU
	claims []*hostmem.Claim

	addressSpace *hv.AddressSpace
}

// implements hv.VirtualMachine.
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }

func (v *virtualMachine) Mappings() []hv.MemoryRegionMapping {
	return v.addressSpace.Mappings()
}

var (
	tsKvmSetUserMemoryRegion = timeslice.RegisterKind("kvm_set_user_memory_region", 0)
)

// BindMemory implements hv.VirtualMachine. On success the VM owns mem and
// releases it on Close. On failure mem stays with the caller.
func (v *virtualMachine) BindMemory(slot uint32, guestPhysAddr uint64, mem *hostmem.Claim) (hv.MemoryRegionMapping, error) {
	if mem == nil {
		return hv.MemoryRegionMapping{}, fmt.Errorf("kvm: bind memory: nil claim")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vmFd < 0 {
		return hv.MemoryRegionMapping{}, fmt.Errorf("kvm: bind memory after close")
	}

	mapping := hv.MemoryRegionMapping{
		Slot:          slot,
		GuestPhysAddr: guestPhysAddr,
		Size:          mem.Size(),
		HostAddr:      mem.HostAddr(),
	}
	page := uint64(unix.Getpagesize())
	if hv.AlignUp(guestPhysAddr, page) != guestPhysAddr || hv.AlignUp(mapping.Size, page) != mapping.Size {
		return hv.MemoryRegionMapping{}, fmt.Errorf("kvm: bind memory: slot %d [0x%x+0x%x) is not page aligned", slot, guestPhysAddr, mapping.Size)
	}

	if mem.Perm()&hostmem.PermWrite == 0 {
		mapping.Flags |= hv.MemoryFlagReadOnly
	}

	if err := v.addressSpace.Check(mapping); err != nil {
		return hv.MemoryRegionMapping{}, fmt.Errorf("kvm: bind memory: %w", err)
	}

	var flags uint32
	if mapping.Flags&hv.MemoryFlagReadOnly != 0 {
		flags |= kvmMemReadonly
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         flags,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    mapping.Size,
		UserspaceAddr: uint64(mapping.HostAddr),
	}); err != nil {
		return hv.MemoryRegionMapping{}, fmt.Errorf("kvm: set user memory region: %w", err)
	}

	v.rec.Record(tsKvmSetUserMemoryRegion)

	if err := v.addressSpace.Register(mapping); err != nil {
		return hv.MemoryRegionMapping{}, fmt.Errorf("kvm: bind memory: %w", err)
	}
	v.claims = append(v.claims, mem)

	slog.Debug("kvm: bound memory", "mapping", mapping)

	return mapping, nil
}

var (
	tsKvmCreateVCPU   = timeslice.RegisterKind("kvm_create_vcpu", 0)
	tsKvmMmapVCPU     = timeslice.RegisterKind("kvm_mmap_vcpu", 0)
	tsKvmArchVCPUInit = timeslice.RegisterKind("kvm_arch_vcpu_init", 0)
)

// NewVirtualCPU implements hv.VirtualMachine.
func (v *virtualMachine) NewVirtualCPU() (hv.VirtualCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vmFd < 0 {
		return nil, fmt.Errorf("kvm: create vCPU after close")
	}
	if len(v.vcpus) != 0 {
		return nil, fmt.Errorf("kvm: create vCPU %d: %w", len(v.vcpus), hv.ErrVCPULimit)
	}

	mmapSize, err := getVcpuMmapSize(v.hv.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: get kvm_run mmap size: %w", err)
	}

	id := len(v.vcpus)

	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vCPU %d: %w", id, err)
	}

	v.rec.Record(tsKvmCreateVCPU)

	run, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: mmap vCPU %d kvm_run: %w", id, err)
	}

	v.rec.Record(tsKvmMmapVCPU)

	if err := v.hv.archVCPUInit(v, vcpuFd); err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("kvm: initialize vCPU %d: %w", id, err)
	}

	v.rec.Record(tsKvmArchVCPUInit)

	vcpu := &virtualCPU{
		rec:      timeslice.NewState(),
		vm:       v,
		id:       id,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 16),
	}
	v.vcpus[id] = vcpu

	go vcpu.start()

	slog.Debug("kvm: created vCPU", "id", id, "runSize", mmapSize)

	return vcpu, nil
}

// Close implements hv.VirtualMachine. It is synchronous so that every claim
// is back with its owner when Close returns.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vmFd < 0 {
		return nil
	}

	vcpus := v.vcpus
	v.vcpus = nil

	for _, vcpu := range vcpus {
		close(vcpu.runQueue)
	}

	for _, vcpu := range vcpus {
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
	}

	var closeErr error
	if err := unix.Close(v.vmFd); err != nil {
		closeErr = fmt.Errorf("kvm: close vm fd: %w", err)
	}
	v.vmFd = -1

	// The VM fd is gone so no guest can reach the memory any more.
	for _, claim := range v.claims {
		claim.Release()
	}
	v.claims = nil

	return closeErr
}

func (v *virtualMachine) vcpu(id int) (*virtualCPU, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.vmFd < 0 {
		return nil, fmt.Errorf("kvm: virtual machine is closed")
	}

	vcpu, ok := v.vcpus[id]
	if !ok {
		return nil, fmt.Errorf("kvm: no vCPU %d found: %w", id, hv.ErrNoVCPU)
	}

	return vcpu, nil
}

// Run implements hv.VirtualMachine. The address space is sealed before the
// guest first runs.
func (v *virtualMachine) Run(ctx context.Context, cfg hv.RunConfig) error {
	if cfg == nil {
		return fmt.Errorf("kvm: RunConfig is nil")
	}

	vcpu, err := v.vcpu(0)
	if err != nil {
		return err
	}

	if len(v.addressSpace.Mappings()) == 0 {
		return fmt.Errorf("kvm: run: %w", hv.ErrNoMemory)
	}
	v.addressSpace.Seal()

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- cfg.Run(ctx, vcpu)
	}

	return <-done
}

func (v *virtualMachine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	vcpu, err := v.vcpu(id)
	if err != nil {
		return err
	}

	done := make(chan error, 1)

	vcpu.runQueue <- func() {
		done <- f(vcpu)
	}

	return <-done
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// Probe implements hv.Prober.
func (h *hypervisor) Probe() (hv.BackendInfo, error) {
	version, err := getApiVersion(h.fd)
	if err != nil {
		return hv.BackendInfo{}, fmt.Errorf("kvm: get API version: %w", err)
	}

	info := hv.BackendInfo{
		Name:       "kvm",
		Device:     kvmDevice,
		APIVersion: version,
	}

	for _, c := range []struct {
		cap      kvmCap
		required bool
	}{
		{kvmCapUserMemory, true},
		{kvmCapSetTssAddr, true},
		{kvmCapNrMemslots, true},
		{kvmCapExtCpuid, false},
		{kvmCapNrVcpus, false},
		{kvmCapImmediateExit, false},
	} {
		value, err := checkExtension(h.fd, c.cap)
		if err != nil {
			return hv.BackendInfo{}, fmt.Errorf("kvm: check %s: %w", c.cap, err)
		}

		info.Capabilities = append(info.Capabilities, hv.Capability{
			Name:     c.cap.String(),
			Value:    value,
			Required: c.required,
		})
	}

	return info, nil
}

var (
	tsKvmCreateVm   = timeslice.RegisterKind("kvm_create_vm", 0)
	tsKvmArchVMInit = timeslice.RegisterKind("kvm_arch_vm_init", 0)
)

// NewVirtualMachine implements hv.Hypervisor. The VM starts with no memory
// and no vCPU.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.CPUCount() != 1 {
		return nil, fmt.Errorf("kvm: %w, got %d", hv.ErrVCPULimit, config.CPUCount())
	}
	if config.MemorySize() == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}

	vm := &virtualMachine{
		hv:    h,
		rec:   timeslice.NewState(),
		vcpus: make(map[int]*virtualCPU),
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm.rec.Record(tsKvmCreateVm)

	vm.vmFd = vmFd

	if err := h.archVMInit(vm); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: initialize VM: %w", err)
	}

	vm.rec.Record(tsKvmArchVMInit)

	vm.addressSpace = hv.NewAddressSpace(h.Architecture(), config.MemorySize())

	// Set finalizer to catch VMs that are garbage collected without being closed
	runtime.SetFinalizer(vm, func(v *virtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
	_ hv.Prober     = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open(kvmDevice, unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", kvmDevice, err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
