//go:build linux && amd64

package factory

import (
	"github.com/tinyrange/rmvm/internal/hv"
	"github.com/tinyrange/rmvm/internal/hv/kvm"
)

func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
