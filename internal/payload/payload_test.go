package payload

import (
	"bytes"
	"errors"
	"testing"
)

type memWriter struct {
	buf   []byte
	limit int
	err   error
}

func (m *memWriter) WriteAt(p []byte, off int64) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	n := copy(m.buf[off:], p)
	if m.limit > 0 && n > m.limit {
		n = m.limit
	}
	return n, nil
}

func TestFixtureLayout(t *testing.T) {
	f := &AddCompareHalt

	if got := len(f.Code); got != CodeSize {
		t.Fatalf("len(Code) = %d, want %d", got, CodeSize)
	}
	if f.EncodedLen > CodeSize {
		t.Fatalf("EncodedLen %d exceeds CodeSize %d", f.EncodedLen, CodeSize)
	}
	if got := f.Code[f.HaltOffset]; got != 0xf4 {
		t.Fatalf("Code[0x%x] = 0x%02x, want hlt", f.HaltOffset, got)
	}
	if f.HaltOffset != uint64(f.EncodedLen-1) {
		t.Fatalf("hlt at 0x%x is not the last encoded byte (len %d)", f.HaltOffset, f.EncodedLen)
	}
	if f.OperandMask != 0xffff {
		t.Fatalf("OperandMask = 0x%x, want 0xffff for 16-bit operands", f.OperandMask)
	}
	for i, b := range f.Code[f.EncodedLen:] {
		if b != 0 {
			t.Fatalf("filler byte at 0x%x = 0x%02x, want 0", f.EncodedLen+i, b)
		}
	}
}

// The je at offset 5 jumps by zero, so it targets the instruction right after
// itself. Keep it that way: both paths of the comparison must reach the same
// mov.
func TestFixtureBranchTargetsFallThrough(t *testing.T) {
	code := AddCompareHalt.Encoded()

	if code[5] != 0x74 {
		t.Fatalf("offset 5 = 0x%02x, want je rel8", code[5])
	}
	if rel := int8(code[6]); rel != 0 {
		t.Fatalf("je displacement = %d, want 0", rel)
	}
	if code[7] != 0xb8 {
		t.Fatalf("offset 7 = 0x%02x, want mov ax, imm16", code[7])
	}
}

func TestLoad(t *testing.T) {
	w := &memWriter{buf: bytes.Repeat([]byte{0xcc}, 0x2000)}

	if err := Load(w, &AddCompareHalt); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(w.buf[:CodeSize], AddCompareHalt.Code[:]) {
		t.Fatal("code region does not match the fixture")
	}
	for i, b := range w.buf[CodeSize:] {
		if b != 0xcc {
			t.Fatalf("byte 0x%x beyond the code region changed to 0x%02x", CodeSize+i, b)
		}
	}
}

func TestLoadShortWrite(t *testing.T) {
	w := &memWriter{buf: make([]byte, 0x2000), limit: 16}
	if err := Load(w, &AddCompareHalt); err == nil {
		t.Fatal("Load with a short write succeeded")
	}
}

func TestLoadError(t *testing.T) {
	want := errors.New("boom")
	w := &memWriter{buf: make([]byte, 0x2000), err: want}
	if err := Load(w, &AddCompareHalt); !errors.Is(err, want) {
		t.Fatalf("Load = %v, want %v", err, want)
	}
}

func TestLookup(t *testing.T) {
	f, ok := Lookup("add-compare-halt")
	if !ok || f != &AddCompareHalt {
		t.Fatalf("Lookup(add-compare-halt) = %p, %v", f, ok)
	}
	if _, ok := Lookup("missing"); ok {
		t.Fatal("Lookup(missing) succeeded")
	}
}
