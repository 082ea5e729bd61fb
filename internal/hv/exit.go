package hv

import "fmt"

type ExitKind int

const (
	ExitInvalid ExitKind = iota
	ExitHalt
	ExitUnhandled
)

func (k ExitKind) String() string {
	switch k {
	case ExitHalt:
		return "halt"
	case ExitUnhandled:
		return "unhandled"
	default:
		return "invalid"
	}
}

// ExitEvent is the outcome of one VirtualCPU.Run call.
type ExitEvent struct {
	Kind ExitKind

	// Reason is the backend's raw exit code.
	Reason uint32
	// Detail decodes Reason and any payload the backend attached to it.
	Detail string
}

func HaltExit(reason uint32, detail string) ExitEvent {
	return ExitEvent{Kind: ExitHalt, Reason: reason, Detail: detail}
}

func UnhandledExit(reason uint32, detail string) ExitEvent {
	return ExitEvent{Kind: ExitUnhandled, Reason: reason, Detail: detail}
}

func (e ExitEvent) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s(%d)", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s(%d): %s", e.Kind, e.Reason, e.Detail)
}
