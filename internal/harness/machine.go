// Package harness runs a fixture in a single-vCPU guest and checks the
// register state it halts with.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/rmvm/internal/hostmem"
	"github.com/tinyrange/rmvm/internal/hv"
	"github.com/tinyrange/rmvm/internal/payload"
	"github.com/tinyrange/rmvm/internal/timeslice"
)

var (
	tsMapMemory   = timeslice.RegisterKind("harness_map_memory", timeslice.SliceFlagInitTime)
	tsLoadPayload = timeslice.RegisterKind("harness_load_payload", timeslice.SliceFlagInitTime)
	tsCreateVM    = timeslice.RegisterKind("harness_create_vm", timeslice.SliceFlagInitTime)
	tsBindMemory  = timeslice.RegisterKind("harness_bind_memory", timeslice.SliceFlagInitTime)
	tsCreateVCPU  = timeslice.RegisterKind("harness_create_vcpu", timeslice.SliceFlagInitTime)
	tsInitState   = timeslice.RegisterKind("harness_init_state", timeslice.SliceFlagInitTime)
	tsGuestRun    = timeslice.RegisterKind("harness_guest_run", 0)
	tsVerify      = timeslice.RegisterKind("harness_verify", 0)
	tsClose       = timeslice.RegisterKind("harness_close", 0)
)

type State int

const (
	StateReady State = iota
	StateRunning
	StateHalted
	StateUnhandledExit
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateUnhandledExit:
		return "unhandled-exit"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is the register state read back after the guest halted.
type Result struct {
	Exit hv.ExitEvent

	// Value is the fixture's result register.
	Value  uint64
	Rax    uint64
	Rbx    uint64
	Rip    uint64
	Rflags uint64

	// Invocations counts calls into the backend's run primitive.
	Invocations int
}

func (r Result) ZeroFlag() bool { return r.Rflags&hv.RflagsZF != 0 }

// Machine is a guest that has been set up and is ready to run once.
type Machine struct {
	cfg     Config
	fixture *payload.Fixture
	rec     *timeslice.State

	region  *hostmem.Region
	vm      hv.VirtualMachine
	mapping hv.MemoryRegionMapping

	state State
	ran   bool
}

// Setup validates cfg, maps guest memory, loads the fixture into it, creates
// the VM, binds the memory, creates the vCPU and sets its start state. A
// ConfigurationError is returned before anything is mapped or any call is
// made on h.
func Setup(h hv.Hypervisor, cfg Config) (*Machine, error) {
	fx, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	cfg.normalize()

	m := &Machine{
		cfg:     cfg,
		fixture: fx,
		rec:     timeslice.NewState(),
	}

	if err := m.setup(h); err != nil {
		if cerr := m.Close(); cerr != nil {
			slog.Error("harness: close after failed setup", "error", cerr)
		}
		return nil, err
	}

	return m, nil
}

func (m *Machine) setup(h hv.Hypervisor) error {
	region, err := hostmem.Map(m.cfg.MemorySize)
	if err != nil {
		return &BackendSetupError{Op: "map guest memory", Err: err}
	}
	m.region = region

	m.rec.Record(tsMapMemory)
	slog.Debug("harness: mapped guest memory", "size", region.Size(), "addr", fmt.Sprintf("0x%x", region.Addr()))

	if err := payload.Load(region, m.fixture); err != nil {
		return &BackendSetupError{Op: "load payload", Err: err}
	}

	m.rec.Record(tsLoadPayload)

	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: region.Size(),
	})
	if err != nil {
		return &BackendSetupError{Op: "create virtual machine", Err: err}
	}
	m.vm = vm

	m.rec.Record(tsCreateVM)

	claim, err := region.Claim()
	if err != nil {
		return &BackendSetupError{Op: "claim guest memory", Err: err}
	}

	mapping, err := vm.BindMemory(m.cfg.Slot, 0, claim)
	if err != nil {
		claim.Release()
		return &BackendSetupError{Op: "bind guest memory", Err: err}
	}
	m.mapping = mapping

	m.rec.Record(tsBindMemory)
	slog.Debug("harness: bound guest memory", "slot", mapping.Slot, "size", mapping.Size)

	if _, err := vm.NewVirtualCPU(); err != nil {
		return &BackendSetupError{Op: "create vCPU", Err: err}
	}

	m.rec.Record(tsCreateVCPU)

	if err := vm.VirtualCPUCall(0, m.initState); err != nil {
		return &BackendSetupError{Op: "initialize vCPU state", Err: err}
	}

	m.rec.Record(tsInitState)

	return nil
}

// initState puts the vCPU at the fixture's entry point in real mode with a
// zero code segment and the configured operands.
func (m *Machine) initState(vcpu hv.VirtualCPU) error {
	seg := map[hv.Register]hv.RegisterValue{hv.RegisterAMD64Cs: nil}
	if err := vcpu.GetRegisters(seg); err != nil {
		return fmt.Errorf("read code segment: %w", err)
	}

	cs, ok := seg[hv.RegisterAMD64Cs].(hv.Segment)
	if !ok {
		return fmt.Errorf("read code segment: got %T", seg[hv.RegisterAMD64Cs])
	}
	cs.Base = 0
	cs.Selector = 0
	seg[hv.RegisterAMD64Cs] = cs

	if err := vcpu.SetRegisters(seg); err != nil {
		return fmt.Errorf("write code segment: %w", err)
	}

	first, second := m.fixture.OperandRegisters[0], m.fixture.OperandRegisters[1]
	if err := vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rip:    hv.Register64(m.fixture.LoadAddr),
		hv.RegisterAMD64Rflags: hv.Register64(hv.RflagsReserved),
		first:                  hv.Register64(m.cfg.Operands.First),
		second:                 hv.Register64(m.cfg.Operands.Second),
	}); err != nil {
		return fmt.Errorf("write general registers: %w", err)
	}

	return nil
}

func (m *Machine) State() State                    { return m.state }
func (m *Machine) Config() Config                  { return m.cfg }
func (m *Machine) Fixture() *payload.Fixture       { return m.fixture }
func (m *Machine) Mapping() hv.MemoryRegionMapping { return m.mapping }

// Run executes the guest until it exits and checks the result register. A
// Machine runs at most once.
func (m *Machine) Run(ctx context.Context) (Result, error) {
	if m.ran {
		return Result{}, ErrAlreadyRun
	}
	if m.vm == nil {
		return Result{}, fmt.Errorf("harness: machine is closed")
	}
	m.ran = true

	loop := &runLoop{m: m}
	if err := m.vm.Run(ctx, loop); err != nil {
		return loop.result, err
	}

	m.rec.Record(tsGuestRun)

	res := loop.result
	slog.Debug("harness: guest halted",
		"exit", res.Exit,
		"rip", fmt.Sprintf("0x%x", res.Rip),
		"rflags", fmt.Sprintf("0x%x", res.Rflags),
	)

	if res.Value != m.cfg.ExpectedResult {
		return res, &PostconditionError{
			Register: m.fixture.ResultRegister,
			Expected: m.cfg.ExpectedResult,
			Actual:   res.Value,
		}
	}

	m.rec.Record(tsVerify)

	return res, nil
}

// Close tears down the VM and unmaps guest memory. It is safe to call more
// than once.
func (m *Machine) Close() error {
	var errs []error

	if m.vm != nil {
		if err := m.vm.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close virtual machine: %w", err))
		}
		m.vm = nil
	}

	if m.region != nil {
		if err := m.region.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unmap guest memory: %w", err))
		}
		m.region = nil
	}

	m.rec.Record(tsClose)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("harness: %w", err)
	}
	return nil
}

// runLoop is the hv.RunConfig the harness hands to the VM. It runs on the
// vCPU thread.
type runLoop struct {
	m      *Machine
	result Result
}

func (l *runLoop) Run(ctx context.Context, vcpu hv.VirtualCPU) error {
	m := l.m

	m.state = StateRunning

	exit, err := vcpu.Run(ctx)
	l.result.Invocations++
	if err != nil {
		return fmt.Errorf("harness: run guest: %w", err)
	}
	l.result.Exit = exit

	if exit.Kind != hv.ExitHalt {
		m.state = StateUnhandledExit
		return &UnexpectedExitError{Exit: exit}
	}
	m.state = StateHalted

	regs := map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64Rax:      nil,
		hv.RegisterAMD64Rbx:      nil,
		hv.RegisterAMD64Rip:      nil,
		hv.RegisterAMD64Rflags:   nil,
		m.fixture.ResultRegister: nil,
	}
	if err := vcpu.GetRegisters(regs); err != nil {
		return fmt.Errorf("harness: read registers after halt: %w", err)
	}

	read := func(reg hv.Register) (uint64, error) {
		v, ok := regs[reg].(hv.Register64)
		if !ok {
			return 0, fmt.Errorf("harness: register %s: got %T", reg, regs[reg])
		}
		return uint64(v), nil
	}

	for _, r := range []struct {
		reg hv.Register
		dst *uint64
	}{
		{hv.RegisterAMD64Rax, &l.result.Rax},
		{hv.RegisterAMD64Rbx, &l.result.Rbx},
		{hv.RegisterAMD64Rip, &l.result.Rip},
		{hv.RegisterAMD64Rflags, &l.result.Rflags},
		{m.fixture.ResultRegister, &l.result.Value},
	} {
		v, err := read(r.reg)
		if err != nil {
			return err
		}
		*r.dst = v
	}

	return nil
}
