package hv

// Capability is one backend feature the harness depends on.
type Capability struct {
	Name     string
	Value    int
	Required bool
}

func (c Capability) Supported() bool { return c.Value > 0 }

// BackendInfo describes a hypervisor backend on this host.
type BackendInfo struct {
	Name         string
	Device       string
	APIVersion   int
	Capabilities []Capability
}

// Missing returns the required capabilities the backend lacks.
func (b BackendInfo) Missing() []Capability {
	var out []Capability
	for _, c := range b.Capabilities {
		if c.Required && !c.Supported() {
			out = append(out, c)
		}
	}
	return out
}

// Prober is implemented by hypervisors that can report their capabilities.
type Prober interface {
	Probe() (BackendInfo, error)
}
