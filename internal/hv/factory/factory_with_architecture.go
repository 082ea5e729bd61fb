package factory

import (
	"fmt"

	"github.com/tinyrange/rmvm/internal/hv"
)

// OpenWithArchitecture opens the host backend and checks that it runs
// guests of arch. An invalid architecture means "use the host default".
func OpenWithArchitecture(arch hv.CpuArchitecture) (hv.Hypervisor, error) {
	h, err := Open()
	if err != nil {
		return nil, err
	}

	if arch != hv.ArchitectureInvalid && h.Architecture() != arch {
		h.Close()
		return nil, fmt.Errorf("backend runs %q guests, want %q: %w", h.Architecture(), arch, hv.ErrHypervisorUnsupported)
	}

	return h, nil
}

// Probe opens the host backend and reports what it supports.
func Probe() (hv.BackendInfo, error) {
	h, err := Open()
	if err != nil {
		return hv.BackendInfo{}, err
	}
	defer h.Close()

	p, ok := h.(hv.Prober)
	if !ok {
		return hv.BackendInfo{Name: fmt.Sprintf("%T", h)}, nil
	}

	return p.Probe()
}
