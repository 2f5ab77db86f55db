// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mm

import (
	"fmt"

	"github.com/google/btree"

	"github.com/quarksandbox/sentry/pkg/hostarch"
)

// intervalSet is an ordered set of disjoint, non-empty half-open intervals
// over [lo, hi), each carrying a value of type V. It implements the
// FindSeg/FindGap/Isolate/Insert/Remove contract of spec.md's VMA interval
// set (C3); it is also reused, specialized to page-table leaves, by the
// page-table engine (C2), which needs the same ordered-by-start-address
// enumeration for GetAddresses.
//
// This hand-written generic type plays the role the teacher generates with
// its go_generics segment-set code generator (the teacher's vmaSet/pmaSet
// types); that generator isn't available in this retrieval, so
// the set is written directly against Go generics and backed by
// github.com/google/btree for ordered O(log n) lookups, matching spec.md
// §4.2's "ordered interval tree keyed by start address".
//
// intervalSet is not safe for concurrent use; callers serialize access with
// their own locks (metadataMu for vmas, the page table's own RWMutex for
// leaves), per spec.md §5.
type intervalSet[V any] struct {
	lo, hi hostarch.Addr
	tree   *btree.BTreeG[*ivEntry[V]]
}

type ivEntry[V any] struct {
	start, end hostarch.Addr
	value      V
}

func newIntervalSet[V any](lo, hi hostarch.Addr) *intervalSet[V] {
	less := func(a, b *ivEntry[V]) bool { return a.start < b.start }
	return &intervalSet[V]{
		lo:   lo,
		hi:   hi,
		tree: btree.NewG[*ivEntry[V]](16, less),
	}
}

// ivSeg is a handle to an occupied interval.
type ivSeg[V any] struct {
	set *intervalSet[V]
	e   *ivEntry[V]
}

// ivGap is a handle to empty space between (or at the ends of) occupied
// intervals.
type ivGap[V any] struct {
	set        *intervalSet[V]
	start, end hostarch.Addr
}

// Ok returns true if seg refers to an existing interval.
func (seg ivSeg[V]) Ok() bool { return seg.e != nil }

// Ok returns true if gap refers to a non-empty span of free space.
func (gap ivGap[V]) Ok() bool { return gap.set != nil && gap.start < gap.end }

// Range returns the interval's bounds.
func (seg ivSeg[V]) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: seg.e.start, End: seg.e.end}
}

// Start returns the interval's start address.
func (seg ivSeg[V]) Start() hostarch.Addr { return seg.e.start }

// End returns the interval's end address.
func (seg ivSeg[V]) End() hostarch.Addr { return seg.e.end }

// Value returns a copy of the interval's value.
func (seg ivSeg[V]) Value() V { return seg.e.value }

// ValuePtr returns a pointer to the interval's value, so that callers may
// mutate in place instead of copying and reinserting.
func (seg ivSeg[V]) ValuePtr() *V { return &seg.e.value }

// Range returns the gap's bounds.
func (gap ivGap[V]) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: gap.start, End: gap.end}
}

// NextSegment returns the interval immediately after seg, if any.
func (seg ivSeg[V]) NextSegment() ivSeg[V] {
	var next *ivEntry[V]
	seg.set.tree.AscendGreaterOrEqual(&ivEntry[V]{start: seg.e.start + 1}, func(e *ivEntry[V]) bool {
		next = e
		return false
	})
	return ivSeg[V]{seg.set, next}
}

// PrevSegment returns the interval immediately before seg, if any.
func (seg ivSeg[V]) PrevSegment() ivSeg[V] {
	var prev *ivEntry[V]
	if seg.e.start == 0 {
		return ivSeg[V]{seg.set, nil}
	}
	seg.set.tree.DescendLessOrEqual(&ivEntry[V]{start: seg.e.start - 1}, func(e *ivEntry[V]) bool {
		prev = e
		return false
	})
	return ivSeg[V]{seg.set, prev}
}

// NextGap returns the gap immediately after seg.
func (seg ivSeg[V]) NextGap() ivGap[V] {
	next := seg.NextSegment()
	end := seg.set.hi
	if next.Ok() {
		end = next.Start()
	}
	return ivGap[V]{seg.set, seg.e.end, end}
}

// PrevGap returns the gap immediately before seg.
func (seg ivSeg[V]) PrevGap() ivGap[V] {
	prev := seg.PrevSegment()
	start := seg.set.lo
	if prev.Ok() {
		start = prev.End()
	}
	return ivGap[V]{seg.set, start, seg.e.start}
}

// NextSegment returns the interval immediately after gap, if any.
func (gap ivGap[V]) NextSegment() ivSeg[V] {
	var next *ivEntry[V]
	gap.set.tree.AscendGreaterOrEqual(&ivEntry[V]{start: gap.end}, func(e *ivEntry[V]) bool {
		next = e
		return false
	})
	return ivSeg[V]{gap.set, next}
}

// PrevSegment returns the interval immediately before gap, if any.
func (gap ivGap[V]) PrevSegment() ivSeg[V] {
	var prev *ivEntry[V]
	if gap.start == 0 {
		return ivSeg[V]{gap.set, nil}
	}
	gap.set.tree.DescendLessOrEqual(&ivEntry[V]{start: gap.start - 1}, func(e *ivEntry[V]) bool {
		prev = e
		return false
	})
	return ivSeg[V]{gap.set, prev}
}

// FirstSegment returns the first (lowest-addressed) interval in the set.
func (s *intervalSet[V]) FirstSegment() ivSeg[V] {
	var first *ivEntry[V]
	s.tree.Ascend(func(e *ivEntry[V]) bool {
		first = e
		return false
	})
	return ivSeg[V]{s, first}
}

// FirstGap returns the gap before the first interval (which may span the
// whole domain if the set is empty).
func (s *intervalSet[V]) FirstGap() ivGap[V] {
	first := s.FirstSegment()
	end := s.hi
	if first.Ok() {
		end = first.Start()
	}
	return ivGap[V]{s, s.lo, end}
}

// FindSegment returns the interval containing addr, if any.
func (s *intervalSet[V]) FindSegment(addr hostarch.Addr) ivSeg[V] {
	var cand *ivEntry[V]
	s.tree.DescendLessOrEqual(&ivEntry[V]{start: addr}, func(e *ivEntry[V]) bool {
		cand = e
		return false
	})
	if cand != nil && cand.start <= addr && addr < cand.end {
		return ivSeg[V]{s, cand}
	}
	return ivSeg[V]{s, nil}
}

// FindGap returns the gap containing addr, if addr does not fall within an
// existing interval.
func (s *intervalSet[V]) FindGap(addr hostarch.Addr) ivGap[V] {
	if seg := s.FindSegment(addr); seg.Ok() {
		return ivGap[V]{}
	}
	next := s.FindSegmentAfter(addr)
	start := s.lo
	if prev := s.FindSegmentBefore(addr); prev.Ok() {
		start = prev.End()
	}
	end := s.hi
	if next.Ok() {
		end = next.Start()
	}
	return ivGap[V]{s, start, end}
}

// FindSegmentAfter returns the first interval starting at or after addr.
func (s *intervalSet[V]) FindSegmentAfter(addr hostarch.Addr) ivSeg[V] {
	var next *ivEntry[V]
	s.tree.AscendGreaterOrEqual(&ivEntry[V]{start: addr}, func(e *ivEntry[V]) bool {
		next = e
		return false
	})
	return ivSeg[V]{s, next}
}

// FindSegmentBefore returns the last interval ending at or before addr.
func (s *intervalSet[V]) FindSegmentBefore(addr hostarch.Addr) ivSeg[V] {
	var prev *ivEntry[V]
	s.tree.DescendLessOrEqual(&ivEntry[V]{start: addr}, func(e *ivEntry[V]) bool {
		if e.end <= addr {
			prev = e
			return false
		}
		return true
	})
	return ivSeg[V]{s, prev}
}

// Find returns the segment containing addr, or (if none) the gap containing
// it. Exactly one of the two return values is Ok.
func (s *intervalSet[V]) Find(addr hostarch.Addr) (ivSeg[V], ivGap[V]) {
	if seg := s.FindSegment(addr); seg.Ok() {
		return seg, ivGap[V]{}
	}
	return ivSeg[V]{}, s.FindGap(addr)
}

// Insert inserts value over r into gap and returns the new segment.
// Preconditions: gap.Range().IsSupersetOf(r); r is non-empty.
func (s *intervalSet[V]) Insert(gap ivGap[V], r hostarch.AddrRange, value V) ivSeg[V] {
	if r.Start < gap.start || r.End > gap.end {
		panic(fmt.Sprintf("intervalSet.Insert: range %v is not contained in gap %v", r, gap.Range()))
	}
	e := &ivEntry[V]{start: r.Start, end: r.End, value: value}
	if _, overwrote := s.tree.ReplaceOrInsert(e); overwrote {
		panic(fmt.Sprintf("intervalSet.Insert: overlapping interval at %v", r))
	}
	return ivSeg[V]{s, e}
}

// Remove deletes seg and returns the gap that replaced it.
func (s *intervalSet[V]) Remove(seg ivSeg[V]) ivGap[V] {
	gap := seg.PrevGap()
	gap.end = seg.NextGap().end
	if _, ok := s.tree.Delete(seg.e); !ok {
		panic("intervalSet.Remove: segment not present")
	}
	return gap
}

// Isolate splits seg, if necessary, so that the returned segment's range is
// exactly seg.Range().Intersect(r). Preconditions: seg.Range() intersects r.
//
// The btree orders entries by their start address, so an existing entry's
// start/end may never be mutated while it remains in the tree; Isolate
// always deletes the original entry and reinserts the (up to three)
// resulting pieces as fresh entries.
func (s *intervalSet[V]) Isolate(seg ivSeg[V], r hostarch.AddrRange) ivSeg[V] {
	origStart, origEnd, val := seg.e.start, seg.e.end, seg.e.value
	newStart, newEnd := origStart, origEnd
	if origStart < r.Start {
		newStart = r.Start
	}
	if origEnd > r.End {
		newEnd = r.End
	}
	if newStart == origStart && newEnd == origEnd {
		return seg
	}

	if _, ok := s.tree.Delete(seg.e); !ok {
		panic("intervalSet.Isolate: segment not present")
	}
	if origStart < newStart {
		s.tree.ReplaceOrInsert(&ivEntry[V]{start: origStart, end: newStart, value: val})
	}
	mid := &ivEntry[V]{start: newStart, end: newEnd, value: val}
	s.tree.ReplaceOrInsert(mid)
	if newEnd < origEnd {
		s.tree.ReplaceOrInsert(&ivEntry[V]{start: newEnd, end: origEnd, value: val})
	}
	return ivSeg[V]{s, mid}
}

// Span returns the sum of the lengths of every interval in the set.
func (s *intervalSet[V]) Span() uint64 {
	var total uint64
	s.tree.Ascend(func(e *ivEntry[V]) bool {
		total += uint64(e.end - e.start)
		return true
	})
	return total
}
