package harness

import (
	"errors"
	"fmt"

	"github.com/tinyrange/rmvm/internal/hv"
)

var ErrAlreadyRun = errors.New("harness: machine has already run")

// ConfigurationError is returned before any memory is mapped or any backend
// call is made.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("harness: invalid configuration: %s: %s", e.Field, e.Reason)
}

// BackendSetupError is a failure of one setup step. Op names the step.
type BackendSetupError struct {
	Op  string
	Err error
}

func (e *BackendSetupError) Error() string {
	return fmt.Sprintf("harness: %s: %v", e.Op, e.Err)
}

func (e *BackendSetupError) Unwrap() error { return e.Err }

// UnexpectedExitError is a guest exit other than halt.
type UnexpectedExitError struct {
	Exit hv.ExitEvent
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("harness: unexpected guest exit: %s", e.Exit)
}

// PostconditionError reports a result register that does not hold the
// expected value after the guest halted.
type PostconditionError struct {
	Register hv.Register
	Expected uint64
	Actual   uint64
}

func (e *PostconditionError) Error() string {
	return fmt.Sprintf("harness: %s = 0x%x after halt, want 0x%x", e.Register, e.Actual, e.Expected)
}
