package timeslice

import (
	"fmt"
	"io"
	"time"
)

// Stat aggregates all records of one kind.
type Stat struct {
	Name  string
	Flags SliceFlags
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s *Stat) Add(d time.Duration) {
	s.Count++
	s.Sum += d
	if s.Count == 1 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

func (s *Stat) Avg() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / time.Duration(s.Count)
}

func (s *Stat) String() string {
	return fmt.Sprintf("%30s flags=%-11s count=%8d sum=%14s min=%14s max=%14s avg=%14s",
		s.Name, s.Flags, s.Count, s.Sum, s.Min, s.Max, s.Avg())
}

// Summary keeps one Stat per kind in first-seen order.
type Summary struct {
	order []string
	stats map[string]*Stat
}

func NewSummary() *Summary {
	return &Summary{stats: make(map[string]*Stat)}
}

func (s *Summary) Add(name string, flags SliceFlags, d time.Duration) {
	st, ok := s.stats[name]
	if !ok {
		st = &Stat{Name: name, Flags: flags}
		s.stats[name] = st
		s.order = append(s.order, name)
	}
	st.Add(d)
}

func (s *Summary) Stats() []*Stat {
	out := make([]*Stat, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.stats[name])
	}
	return out
}

func (s *Summary) Get(name string) (*Stat, bool) {
	st, ok := s.stats[name]
	return st, ok
}

// Summarize reads a recording and aggregates it.
func Summarize(r io.Reader) (*Summary, error) {
	sum := NewSummary()
	if err := ReadAllRecords(r, func(id string, flags SliceFlags, d time.Duration) error {
		sum.Add(id, flags, d)
		return nil
	}); err != nil {
		return nil, err
	}
	return sum, nil
}
