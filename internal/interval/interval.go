// Package interval implements a set of disjoint half-open address ranges
// stored as one sorted array of paired endpoints.
//
// Even positions hold interval starts, odd positions hold interval ends, so a
// binary search for an address lands on an odd boundary exactly when the
// address is covered by an interval.
package interval

import "sort"

// Interval is a half-open range [Start, End). End is kept 64-bit so a range
// may end exactly at the top of the 32-bit address space.
type Interval struct {
	Start uint64
	End   uint64
}

// Size returns the number of addresses covered.
func (iv Interval) Size() uint64 {
	return iv.End - iv.Start
}

// Set is a sorted, non-overlapping collection of intervals.
// The zero value is an empty set ready to use.
type Set struct {
	pts []uint64
}

// position is the result of a search: either the even index of the covering
// interval's start, or the even insertion point where a new start belongs.
type position struct {
	index  int
	inside bool
}

func (s *Set) search(addr uint32) position {
	a := uint64(addr)
	// i = number of endpoints <= addr
	i := sort.Search(len(s.pts), func(k int) bool { return s.pts[k] > a })
	if i%2 == 1 {
		return position{index: i - 1, inside: true}
	}
	return position{index: i}
}

// Contains reports whether addr falls inside any interval. An interval's start
// is a hit, its end is a miss.
func (s *Set) Contains(addr uint32) bool {
	return s.search(addr).inside
}

// Find returns the interval covering addr.
func (s *Set) Find(addr uint32) (Interval, bool) {
	p := s.search(addr)
	if !p.inside {
		return Interval{}, false
	}
	return Interval{Start: s.pts[p.index], End: s.pts[p.index+1]}, true
}

// Insert adds [addr, addr+size). It refuses (returns false) an empty range, a
// start already covered by an interval, a range touching or overlapping a
// neighbour, and a range running past the 32-bit address space. Endpoints
// stay strictly increasing.
func (s *Set) Insert(addr uint32, size uint32) bool {
	if size == 0 {
		return false
	}
	p := s.search(addr)
	if p.inside {
		return false
	}
	// addr equal to the previous end lands on an odd boundary.
	if p.index > 0 && s.pts[p.index-1] == uint64(addr) {
		return false
	}
	end := uint64(addr) + uint64(size)
	if end > 1<<32 {
		return false
	}
	if p.index < len(s.pts) && s.pts[p.index] <= end {
		return false
	}

	s.pts = append(s.pts, 0, 0)
	copy(s.pts[p.index+2:], s.pts[p.index:len(s.pts)-2])
	s.pts[p.index] = uint64(addr)
	s.pts[p.index+1] = end
	return true
}

// Remove deletes the interval that starts exactly at addr. Addresses inside
// an interval but not at its start do not match.
func (s *Set) Remove(addr uint32) bool {
	p := s.search(addr)
	if !p.inside || s.pts[p.index] != uint64(addr) {
		return false
	}
	copy(s.pts[p.index:], s.pts[p.index+2:])
	s.pts[len(s.pts)-1] = 0
	s.pts[len(s.pts)-2] = 0
	s.pts = s.pts[:len(s.pts)-2]
	return true
}

// Len returns the number of intervals.
func (s *Set) Len() int {
	return len(s.pts) / 2
}

// Intervals returns a copy of all intervals in ascending order.
func (s *Set) Intervals() []Interval {
	out := make([]Interval, 0, len(s.pts)/2)
	for i := 0; i+1 < len(s.pts); i += 2 {
		out = append(out, Interval{Start: s.pts[i], End: s.pts[i+1]})
	}
	return out
}

// Clear removes all intervals.
func (s *Set) Clear() {
	s.pts = s.pts[:0]
}
