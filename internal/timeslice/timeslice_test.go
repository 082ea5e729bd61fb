package timeslice

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

var (
	timesliceA = RegisterKind("a", 0)
	timesliceB = RegisterKind("b", SliceFlagGuestTime)
)

func TestTimeslice(t *testing.T) {
	var buf bytes.Buffer
	func() {
		closer, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer closer.Close()

		Record(timesliceA, 100*time.Millisecond)
		Record(timesliceB, 200*time.Millisecond)
	}()

	if buf.Len()%headerAlign != 2*recordSize {
		t.Fatalf("records are not aligned: file is %d bytes", buf.Len())
	}

	type seenRecord struct {
		id    string
		flags SliceFlags
		d     time.Duration
	}
	var seen []seenRecord
	if err := ReadAllRecords(bytes.NewReader(buf.Bytes()), func(id string, flags SliceFlags, d time.Duration) error {
		seen = append(seen, seenRecord{id, flags, d})
		return nil
	}); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}

	want := []seenRecord{
		{"a", 0, 100 * time.Millisecond},
		{"b", SliceFlagGuestTime, 200 * time.Millisecond},
	}
	if len(seen) != len(want) {
		t.Fatalf("got %d records, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("record %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestStartRecordingTwice(t *testing.T) {
	var buf bytes.Buffer
	closer, err := StartRecording(&buf)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	if _, err := StartRecording(&bytes.Buffer{}); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second StartRecording = %v, want %v", err, ErrAlreadyRecording)
	}

	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := closer.Close(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("second Close = %v, want %v", err, ErrNotRecording)
	}
}

func TestRecordWithoutRecording(t *testing.T) {
	// must not block or panic
	Record(timesliceA, time.Second)
	NewState().Record(timesliceB)
}

func TestReadBadMagic(t *testing.T) {
	data := make([]byte, 64)
	if err := ReadAllRecords(bytes.NewReader(data), func(string, SliceFlags, time.Duration) error {
		return nil
	}); err == nil {
		t.Fatal("ReadAllRecords accepted a zeroed file")
	}
}

func TestSummarize(t *testing.T) {
	var buf bytes.Buffer
	func() {
		closer, err := StartRecording(&buf)
		if err != nil {
			t.Fatalf("StartRecording: %v", err)
		}
		defer closer.Close()

		Record(timesliceB, 3*time.Millisecond)
		Record(timesliceA, 1*time.Millisecond)
		Record(timesliceA, 5*time.Millisecond)
	}()

	sum, err := Summarize(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	stats := sum.Stats()
	if len(stats) != 2 || stats[0].Name != "b" || stats[1].Name != "a" {
		t.Fatalf("stats not in first-seen order: %v", stats)
	}

	a, ok := sum.Get("a")
	if !ok {
		t.Fatal("missing kind a")
	}
	if a.Count != 2 || a.Min != time.Millisecond || a.Max != 5*time.Millisecond || a.Avg() != 3*time.Millisecond {
		t.Fatalf("a = %+v", a)
	}
}

func TestKinds(t *testing.T) {
	found := 0
	for _, k := range Kinds() {
		if k.Name == "a" || k.Name == "b" {
			found++
		}
	}
	if found != 2 {
		t.Fatalf("Kinds() is missing test kinds: %v", Kinds())
	}
}

func BenchmarkTimeslice(b *testing.B) {
	var buf bytes.Buffer
	count := 0
	func() {
		closer, err := StartRecording(&buf)
		if err != nil {
			b.Fatalf("StartRecording: %v", err)
		}
		defer closer.Close()

		for b.Loop() {
			Record(timesliceA, 100*time.Millisecond)
			Record(timesliceB, 200*time.Millisecond)
			count += 2
		}
	}()

	b.ReportMetric(float64(count), "records")
	b.StopTimer()

	sum, err := Summarize(bytes.NewReader(buf.Bytes()))
	if err != nil {
		b.Fatalf("Summarize: %v", err)
	}
	seen := 0
	for _, st := range sum.Stats() {
		seen += st.Count
	}
	if seen != count {
		b.Fatalf("expected %d records, got %d", count, seen)
	}
}
