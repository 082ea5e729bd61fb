// Package payload holds the guest code the harness runs.
//
// The fixture is opaque data to the host. It is loaded verbatim at guest
// physical address zero and executed in real-address mode:
//
//	00: 01 d8        add ax, bx
//	02: 83 f8 0a     cmp ax, 10
//	05: 74 00        je  07
//	07: b8 00 00     mov ax, 0
//	0a: f4           hlt
//
// Both sides of the je land on the mov, so AX is zero after the hlt whatever
// the inputs. The comparison only shows up in the zero flag.
package payload

import (
	"fmt"
	"io"

	"github.com/tinyrange/rmvm/internal/hv"
)

// CodeSize is the size of the code region at the start of guest memory.
const CodeSize = 0x1000

// Fixture is a fixed-size block of guest code and what the harness knows
// about it.
type Fixture struct {
	Name string

	// Code is padded with zeros to CodeSize.
	Code [CodeSize]byte
	// EncodedLen is the number of meaningful bytes at the start of Code.
	EncodedLen int

	// LoadAddr is the guest physical address of Code[0] and the entry point.
	LoadAddr uint64
	// HaltOffset is the offset of the final hlt instruction.
	HaltOffset uint64

	// ResultRegister holds the fixture's output after it halts.
	ResultRegister hv.Register
	// OperandRegisters receive the two inputs.
	OperandRegisters [2]hv.Register
	// OperandMask covers the bits of an operand the code reads.
	OperandMask uint64
}

// Encoded returns the meaningful bytes of the fixture.
func (f *Fixture) Encoded() []byte {
	return f.Code[:f.EncodedLen]
}

// AddCompareHalt is the fixture the harness runs by default.
var AddCompareHalt = Fixture{
	Name: "add-compare-halt",
	Code: [CodeSize]byte{
		0x01, 0xd8, // add ax, bx
		0x83, 0xf8, 0x0a, // cmp ax, 10
		0x74, 0x00, // je +0
		0xb8, 0x00, 0x00, // mov ax, 0
		0xf4, // hlt
	},
	EncodedLen: 11,

	LoadAddr:   0,
	HaltOffset: 0x0a,

	ResultRegister:   hv.RegisterAMD64Rax,
	OperandRegisters: [2]hv.Register{hv.RegisterAMD64Rax, hv.RegisterAMD64Rbx},
	OperandMask:      0xffff,
}

// Load copies the whole code region of f into dst at f.LoadAddr.
func Load(dst io.WriterAt, f *Fixture) error {
	n, err := dst.WriteAt(f.Code[:], int64(f.LoadAddr))
	if err != nil {
		return fmt.Errorf("payload: load %s: %w", f.Name, err)
	}
	if n != CodeSize {
		return fmt.Errorf("payload: load %s: wrote %d of %d bytes", f.Name, n, CodeSize)
	}
	return nil
}

var fixtures = map[string]*Fixture{
	AddCompareHalt.Name: &AddCompareHalt,
}

// Lookup returns the built-in fixture called name.
func Lookup(name string) (*Fixture, bool) {
	f, ok := fixtures[name]
	return f, ok
}
