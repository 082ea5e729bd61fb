//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/rmvm/internal/hv"
	"golang.org/x/sys/unix"
)

// Identity-mapped TSS below 4GiB, required by Intel hosts before the first
// vCPU runs in real mode.
const tssAddr = 0xfffbd000

func regField(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &regs.Rax
	case hv.RegisterAMD64Rbx:
		return &regs.Rbx
	case hv.RegisterAMD64Rcx:
		return &regs.Rcx
	case hv.RegisterAMD64Rdx:
		return &regs.Rdx
	case hv.RegisterAMD64Rsi:
		return &regs.Rsi
	case hv.RegisterAMD64Rdi:
		return &regs.Rdi
	case hv.RegisterAMD64Rsp:
		return &regs.Rsp
	case hv.RegisterAMD64Rbp:
		return &regs.Rbp
	case hv.RegisterAMD64R8:
		return &regs.R8
	case hv.RegisterAMD64R9:
		return &regs.R9
	case hv.RegisterAMD64R10:
		return &regs.R10
	case hv.RegisterAMD64R11:
		return &regs.R11
	case hv.RegisterAMD64R12:
		return &regs.R12
	case hv.RegisterAMD64R13:
		return &regs.R13
	case hv.RegisterAMD64R14:
		return &regs.R14
	case hv.RegisterAMD64R15:
		return &regs.R15
	case hv.RegisterAMD64Rip:
		return &regs.Rip
	case hv.RegisterAMD64Rflags:
		return &regs.Rflags
	default:
		return nil
	}
}

func segField(sregs *kvmSRegs, reg hv.Register) *kvmSegment {
	switch reg {
	case hv.RegisterAMD64Cs:
		return &sregs.Cs
	default:
		return nil
	}
}

// classify reports which register files regs touches.
func classify(regs map[hv.Register]hv.RegisterValue) (regular, special bool, err error) {
	var scratch kvmRegs
	var sscratch kvmSRegs

	for reg := range regs {
		switch {
		case regField(&scratch, reg) != nil:
			regular = true
		case segField(&sscratch, reg) != nil:
			special = true
		default:
			return false, false, fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}

	return regular, special, nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegularRegister, hasSpecialRegisters, err := classify(regs)
	if err != nil {
		return err
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg, value := range regs {
			field := regField(&regularRegs, reg)
			if field == nil {
				continue
			}
			r64, ok := value.(hv.Register64)
			if !ok {
				return fmt.Errorf("kvm: register %v wants hv.Register64, got %T", reg, value)
			}
			*field = uint64(r64)
		}

		if err := setRegisters(v.fd, &regularRegs); err != nil {
			return fmt.Errorf("kvm: set registers: %w", err)
		}
	}

	if hasSpecialRegisters {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg, value := range regs {
			field := segField(&specialRegs, reg)
			if field == nil {
				continue
			}
			seg, ok := value.(hv.Segment)
			if !ok {
				return fmt.Errorf("kvm: register %v wants hv.Segment, got %T", reg, value)
			}
			field.Base = seg.Base
			field.Selector = seg.Selector
		}

		if err := setSRegs(v.fd, &specialRegs); err != nil {
			return fmt.Errorf("kvm: set special registers: %w", err)
		}
	}

	return nil
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegularRegister, hasSpecialRegisters, err := classify(regs)
	if err != nil {
		return err
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg := range regs {
			if field := regField(&regularRegs, reg); field != nil {
				regs[reg] = hv.Register64(*field)
			}
		}
	}

	if hasSpecialRegisters {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg := range regs {
			if field := segField(&specialRegs, reg); field != nil {
				regs[reg] = hv.Segment{Base: field.Base, Selector: field.Selector}
			}
		}
	}

	return nil
}

func (v *virtualCPU) Run(ctx context.Context) (hv.ExitEvent, error) {
	if err := ctx.Err(); err != nil {
		return hv.ExitEvent{}, err
	}

	run := v.runData()

	// clear immediate_exit in case it was set
	run.immediate_exit = 0

	usingContext := false
	var stopNotify func() bool
	if done := ctx.Done(); done != nil {
		usingContext = true
		tid := unix.Gettid()
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.requestImmediateExit(tid)
		})
	}
	if stopNotify != nil {
		defer stopNotify()
	}

	v.rec.Record(tsKvmHostTime)

	// keep trying to run the vCPU until it exits or an error occurs
	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if usingContext && ctx.Err() != nil {
				v.rec.Record(tsKvmGuestTime)
				return hv.ExitEvent{}, ctx.Err()
			}

			continue
		} else if err != nil {
			return hv.ExitEvent{}, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	v.rec.Record(tsKvmGuestTime)

	return decodeExit(run), nil
}

// decodeExit turns the kvm_run exit payload into an hv.ExitEvent. Only HLT
// counts as a halt. A shutdown exit is a triple fault and is unhandled.
func decodeExit(run *kvmRunData) hv.ExitEvent {
	reason := kvmExitReason(run.exit_reason)
	raw := uint32(reason)

	switch reason {
	case kvmExitHlt:
		return hv.HaltExit(raw, reason.String())
	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		return hv.UnhandledExit(raw, fmt.Sprintf("%s: %s", reason, ie.Suberror))
	case kvmExitIo:
		io := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		dir := "in"
		if io.direction == kvmExitIoOut {
			dir = "out"
		}
		return hv.UnhandledExit(raw, fmt.Sprintf("%s: %s port 0x%04x size %d count %d",
			reason, dir, io.port, io.size, io.count))
	case kvmExitMmio:
		mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
		dir := "read"
		if mmio.isWrite != 0 {
			dir = "write"
		}
		return hv.UnhandledExit(raw, fmt.Sprintf("%s: %s 0x%x len %d", reason, dir, mmio.physAddr, mmio.len))
	case kvmExitFailEntry:
		fe := (*kvmExitFailEntryData)(unsafe.Pointer(&run.anon0[0]))
		return hv.UnhandledExit(raw, fmt.Sprintf("%s: hardware entry failure reason 0x%x on cpu %d",
			reason, fe.hardwareEntryFailureReason, fe.cpu))
	case kvmExitException:
		ex := (*kvmExitExceptionData)(unsafe.Pointer(&run.anon0[0]))
		return hv.UnhandledExit(raw, fmt.Sprintf("%s: vector %d error code 0x%x", reason, ex.exception, ex.errorCode))
	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		return hv.UnhandledExit(raw, fmt.Sprintf("%s: %s", reason, systemEventName(system.typ)))
	default:
		return hv.UnhandledExit(raw, reason.String())
	}
}

func systemEventName(typ uint32) string {
	switch typ {
	case kvmSystemEventShutdown:
		return "shutdown"
	case kvmSystemEventReset:
		return "reset"
	case kvmSystemEventCrash:
		return "crash"
	default:
		return fmt.Sprintf("type %d", typ)
	}
}

func (hv *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (hv *hypervisor) archVCPUInit(vm *virtualMachine, vcpuFd int) error {
	cpuId, err := getSupportedCpuId(hv.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}
