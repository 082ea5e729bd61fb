// Package timeslice records how long each phase of a run takes.
//
// Kinds are registered at package init. While a recording is open, every
// Record call is queued to a background writer that streams fixed-size
// records after a JSON table of kinds.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 2

	headerAlign = 4096
)

var (
	ErrAlreadyRecording = errors.New("timeslice: already recording")
	ErrNotRecording     = errors.New("timeslice: not recording")
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	SliceFlagGuestTime SliceFlags = 1 << iota
	SliceFlagInitTime
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

var kinds = make(map[TimesliceID]SliceInfo)

// RegisterKind must only be called from package initialisation.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

// Kinds returns the registered kinds ordered by ID.
func Kinds() []SliceInfo {
	ids := make([]TimesliceID, 0, len(kinds))
	for id := range kinds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]SliceInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, kinds[id])
	}
	return out
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

type recording struct {
	w       io.Writer
	records chan record
	done    chan error
}

func (r *recording) run() {
	defer close(r.done)

	var buf [4096]byte
	off := 0

	for rec := range r.records {
		if off+recordSize > len(buf) {
			if _, err := r.w.Write(buf[:off]); err != nil {
				r.done <- err
				// keep draining so Record never blocks on a dead writer
				for range r.records {
				}
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(rec.ID))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := r.w.Write(buf[:off]); err != nil {
			r.done <- err
			return
		}
	}

	r.done <- nil
}

func (r *recording) Close() error {
	if !current.CompareAndSwap(r, nil) {
		return ErrNotRecording
	}

	close(r.records)

	if err := <-r.done; err != nil {
		return fmt.Errorf("timeslice: write thread: %w", err)
	}
	return nil
}

var current atomic.Pointer[recording]

// State measures consecutive phases. It is not safe for concurrent use.
type State struct {
	last time.Time
}

func NewState() *State {
	return &State{last: time.Now()}
}

// Record stores the time since the previous Record (or NewState) under id.
func (s *State) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(s.last))
	s.last = now
}

// Record is a no-op unless a recording is open.
func Record(id TimesliceID, duration time.Duration) {
	if r := current.Load(); r != nil {
		r.records <- record{
			ID:       id,
			Duration: duration.Nanoseconds(),
		}
	}
}

// StartRecording writes the header and kinds table to w and starts
// streaming records. Closing the returned io.Closer flushes them.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, ErrAlreadyRecording
	}

	table, err := json.Marshal(kinds)
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}

	// pad so records start on an aligned boundary
	if off := binary.Size(header{}) + len(table); off%headerAlign != 0 {
		if _, err := w.Write(make([]byte, headerAlign-off%headerAlign)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	r := &recording{
		w:       w,
		records: make(chan record, 4096),
		done:    make(chan error, 1),
	}

	if !current.CompareAndSwap(nil, r) {
		return nil, ErrAlreadyRecording
	}
	go r.run()

	return r, nil
}

// ReadAllRecords calls fn for every record in r, in order.
func ReadAllRecords(r io.Reader, fn func(id string, flags SliceFlags, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var hdr header
	if err := binary.Read(buf, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[TimesliceID]SliceInfo
	dec := json.NewDecoder(io.LimitReader(buf, int64(hdr.KindsLength)))
	if err := dec.Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}

	if off := int(hdr.KindsLength) + binary.Size(hdr); off%headerAlign != 0 {
		if _, err := buf.Discard(headerAlign - off%headerAlign); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}
