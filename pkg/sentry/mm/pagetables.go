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
	"sync"
	"sync/atomic"

	"github.com/quarksandbox/sentry/pkg/hostarch"
	"github.com/quarksandbox/sentry/pkg/sentry/memmap"
	"github.com/quarksandbox/sentry/pkg/sentry/pgalloc"
)

// pageFlags describes a leaf's access rights, mirroring the subset of
// x86 PTE flags the MM actually manipulates (present is implicit in the
// leaf's existence).
type pageFlags struct {
	write   bool
	execute bool
	kernel  bool
}

type pte struct {
	phys  uintptr
	flags pageFlags
}

// PageTables is the page-table engine (C2): a per-MM mapping from
// page-aligned guest-virtual address to physical frame and flags. It owns
// its own reader/writer lock, independent of the MM's metadataMu, per
// spec.md §5 ("the page table has its own reader/writer lock").
//
// The real engine this models walks a radix-tree of hardware page-table
// levels; here the levels are collapsed into a single ordered map of
// page-aligned leaves, because this module has no actual CPU page tables
// to program and only needs to preserve the operation contract (install,
// remove, flag change, fork's COW write-protect, and ordered enumeration
// for GetAddresses).
type PageTables struct {
	mu     sync.RWMutex
	leaves *intervalSet[pte]
	mf     *pgalloc.MemoryFile
}

var currentPageTable atomic.Pointer[PageTables]

// NewPageTables creates an empty page table over the full virtual address
// range.
func NewPageTables(mf *pgalloc.MemoryFile) *PageTables {
	return &PageTables{
		leaves: newIntervalSet[pte](0, ^hostarch.Addr(0)),
		mf:     mf,
	}
}

func pageAlign(addr hostarch.Addr) hostarch.Addr { return addr.RoundDown() }

// MapPage installs a single 4 KiB mapping, allocating intermediate
// structure as needed (here: nothing, since leaves are stored flat).
func (pt *PageTables) MapPage(va hostarch.Addr, pa uintptr, flags pageFlags) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.mapPageLocked(va, pa, flags)
}

func (pt *PageTables) mapPageLocked(va hostarch.Addr, pa uintptr, flags pageFlags) {
	va = pageAlign(va)
	r := hostarch.AddrRange{Start: va, End: va + hostarch.PageSize}
	if seg := pt.leaves.FindSegment(va); seg.Ok() {
		pt.tearDownLeafLocked(seg.ValuePtr())
		seg.ValuePtr().phys = pa
		seg.ValuePtr().flags = flags
		pt.mf.IncRef(pa)
		return
	}
	gap := pt.leaves.FindGap(va)
	pt.leaves.Insert(gap, r, pte{phys: pa, flags: flags})
	pt.mf.IncRef(pa)
}

func (pt *PageTables) tearDownLeafLocked(p *pte) {
	pt.mf.DecRef(p.phys)
}

// MUnmap removes every mapping in [va, va+len), releasing the frame
// reference each held.
func (pt *PageTables) MUnmap(va hostarch.Addr, length uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	ar := hostarch.AddrRange{Start: pageAlign(va), End: va + hostarch.Addr(length)}
	pt.unmapLocked(ar)
}

func (pt *PageTables) unmapLocked(ar hostarch.AddrRange) {
	seg := pt.leaves.FindSegmentAfter(ar.Start)
	for seg.Ok() && seg.Start() < ar.End {
		next := seg.NextSegment()
		pt.tearDownLeafLocked(seg.ValuePtr())
		pt.leaves.Remove(seg)
		seg = next
	}
	if pt.IsActivePagetable() {
		pt.invalidateRangeLocked(ar)
	}
}

// SetPageFlags changes the leaf flags at va, used to enable write on COW
// resolution or downgrade write on fork/private-file mapping.
func (pt *PageTables) SetPageFlags(va hostarch.Addr, flags pageFlags) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	seg := pt.leaves.FindSegment(pageAlign(va))
	if !seg.Ok() {
		panic(fmt.Sprintf("pagetables: SetPageFlags on unmapped address %#x", va))
	}
	downgrade := seg.ValuePtr().flags.write && !flags.write
	seg.ValuePtr().flags = flags
	if downgrade && pt.IsActivePagetable() {
		pt.invalidateRangeLocked(hostarch.AddrRange{Start: pageAlign(va), End: pageAlign(va) + hostarch.PageSize})
	}
}

// VirtualToPhy is a pure query: the physical address backing va, and
// whether the leaf is currently writable. It fails with errAddressNotMapped
// when absent, which the MM core handles by attempting to fault the page
// in.
func (pt *PageTables) VirtualToPhy(va hostarch.Addr) (uintptr, bool, error) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	seg := pt.leaves.FindSegment(pageAlign(va))
	if !seg.Ok() {
		return 0, false, errAddressNotMapped
	}
	off := uintptr(va - seg.Start())
	return seg.Value().phys + off, seg.Value().flags.write, nil
}

// Fork produces a child table that write-protects every writable non-kernel
// leaf in both parent and child, incrementing frame refs: the COW
// handshake. Leaves flagged kernel keep their write bit.
func (pt *PageTables) Fork(mf *pgalloc.MemoryFile) *PageTables {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	child := &PageTables{
		leaves: newIntervalSet[pte](pt.leaves.lo, pt.leaves.hi),
		mf:     mf,
	}
	var toInvalidate []hostarch.AddrRange
	for seg := pt.leaves.FirstSegment(); seg.Ok(); seg = seg.NextSegment() {
		v := seg.Value()
		if v.flags.write && !v.flags.kernel {
			v.flags.write = false
			seg.ValuePtr().flags.write = false
			toInvalidate = append(toInvalidate, seg.Range())
		}
		mf.IncRef(v.phys)
		gap := child.leaves.FindGap(seg.Start())
		child.leaves.Insert(gap, seg.Range(), v)
	}
	if pt.IsActivePagetable() {
		for _, r := range toInvalidate {
			pt.invalidateRangeLocked(r)
		}
	}
	return child
}

// ForkRange COW-marks [va, va+len) from pt into dst: every writable leaf in
// the range is write-protected in pt (parent) and installed read-only,
// ref-incremented, in dst (child).
func (pt *PageTables) ForkRange(dst *PageTables, va hostarch.Addr, length uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	ar := hostarch.AddrRange{Start: pageAlign(va), End: va + hostarch.Addr(length)}
	var toInvalidate []hostarch.AddrRange
	for seg := pt.leaves.FindSegmentAfter(ar.Start); seg.Ok() && seg.Start() < ar.End; seg = seg.NextSegment() {
		v := seg.Value()
		if v.flags.write {
			v.flags.write = false
			seg.ValuePtr().flags.write = false
			toInvalidate = append(toInvalidate, seg.Range())
		}
		dst.mf.IncRef(v.phys)
		gap := dst.leaves.FindGap(seg.Start())
		dst.leaves.Insert(gap, seg.Range(), v)
	}
	if pt.IsActivePagetable() {
		for _, r := range toInvalidate {
			pt.invalidateRangeLocked(r)
		}
	}
}

// CopyRange deep-copies [va, va+len) from pt into dst: every leaf is copied
// to a fresh frame and installed with the same flags, for shared (non-COW)
// vmas where Fork must not alias pages between parent and child.
func (pt *PageTables) CopyRange(dst *PageTables, va hostarch.Addr, length uint64) error {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	dst.mu.Lock()
	defer dst.mu.Unlock()

	ar := hostarch.AddrRange{Start: pageAlign(va), End: va + hostarch.Addr(length)}
	for seg := pt.leaves.FindSegmentAfter(ar.Start); seg.Ok() && seg.Start() < ar.End; seg = seg.NextSegment() {
		v := seg.Value()
		np, err := dst.mf.AllocPage(false)
		if err != nil {
			return err
		}
		dst.mf.IncRef(np)
		dst.mf.CopyFrame(np, v.phys)
		gap := dst.leaves.FindGap(seg.Start())
		dst.leaves.Insert(gap, seg.Range(), pte{phys: np, flags: v.flags})
	}
	return nil
}

// GetAddresses appends the physical address of every page in [start, end)
// to out, in ascending virtual-address order. GetReadonlyBlocks and
// GetAddressesWithCOW do not use it; they query VirtualToPhy page by page.
func (pt *PageTables) GetAddresses(r hostarch.AddrRange, out *[]uintptr) error {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	addr := pageAlign(r.Start)
	for addr < r.End {
		seg := pt.leaves.FindSegment(addr)
		if !seg.Ok() {
			return errAddressNotMapped
		}
		*out = append(*out, seg.Value().phys+uintptr(addr-seg.Start()))
		addr += hostarch.PageSize
	}
	return nil
}

// MapHost installs a direct host-backed mapping at va: the physical frame
// is supplied by the caller rather than allocated or resolved through a
// Mappable. Populate uses this for the vdso image, whose frame is owned by
// the process-wide vdso, not by any per-MM Mappable.
func (pt *PageTables) MapHost(va hostarch.Addr, pa uintptr, flags pageFlags) {
	pt.MapPage(va, pa, flags)
}

// MapFile installs length bytes of file-backed pages starting at va,
// resolving each page through m at consecutive offsets starting at
// fileOffset. It is Populate's bulk counterpart to InstallPage's
// one-page-at-a-time fault path: callers that already know the whole range
// should be resident (eager precommit) use this instead of faulting each
// page in individually.
func (pt *PageTables) MapFile(va hostarch.Addr, length uint64, m memmap.Mappable, fileOffset uint64, flags pageFlags) error {
	start := pageAlign(va)
	end := va + hostarch.Addr(length)
	for addr := start; addr < end; addr += hostarch.PageSize {
		phys, err := m.MapFilePage(fileOffset + uint64(addr-start))
		if err != nil {
			return err
		}
		pt.MapPage(addr, phys, flags)
	}
	return nil
}

// remapRangeLocked relocates every leaf in [oldVA, oldVA+length) to the
// same offset within [newVA, newVA+length): the mapping moves, but the
// physical frame and its reference count are untouched, matching mremap's
// "move, don't copy" contract. oldVA and newVA must not overlap.
func (pt *PageTables) remapRangeLocked(oldVA, newVA hostarch.Addr, length uint64) {
	oldStart := pageAlign(oldVA)
	oldEnd := oldVA + hostarch.Addr(length)

	type relocated struct {
		r hostarch.AddrRange
		v pte
	}
	var moved []relocated
	for seg := pt.leaves.FindSegmentAfter(oldStart); seg.Ok() && seg.Start() < oldEnd; seg = seg.NextSegment() {
		delta := seg.Start() - oldStart
		newStart := newVA + delta
		moved = append(moved, relocated{
			r: hostarch.AddrRange{Start: newStart, End: newStart + (seg.End() - seg.Start())},
			v: seg.Value(),
		})
	}
	for seg := pt.leaves.FindSegmentAfter(oldStart); seg.Ok() && seg.Start() < oldEnd; {
		next := seg.NextSegment()
		pt.leaves.Remove(seg)
		seg = next
	}
	for _, m := range moved {
		gap := pt.leaves.FindGap(m.r.Start)
		pt.leaves.Insert(gap, m.r, m.v)
	}
	if pt.IsActivePagetable() {
		pt.invalidateRangeLocked(hostarch.AddrRange{Start: oldStart, End: oldEnd})
	}
}

// RemapAna moves an anonymous range's resident leaves from [oldVA,
// oldVA+length) to the equivalent offsets within [newVA, newVA+length), used
// by mremap moves over anonymous vmas (spec.md §4.1).
func (pt *PageTables) RemapAna(oldVA, newVA hostarch.Addr, length uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.remapRangeLocked(oldVA, newVA, length)
}

// RemapFile is RemapAna's counterpart for file-backed vmas: it relocates
// resident leaves the same way. It is a distinct named entry point, per
// spec.md §4.1, because a real implementation's file-backed path also needs
// to re-validate leaves against the Mappable on move; this single-host
// model has no such invalidation source, so the two operations share
// remapRangeLocked's body.
func (pt *PageTables) RemapFile(oldVA, newVA hostarch.Addr, length uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.remapRangeLocked(oldVA, newVA, length)
}

// ResetFileMapping re-resolves the file-backed page at va through m at
// fileOffset, discarding whatever frame (if any) is currently installed
// there. Calling it with a nil Mappable — i.e. on a non-file vma — is a
// caller error: spec.md §9 directs that this be a typed error rather than
// the panic the original source used.
func (pt *PageTables) ResetFileMapping(va hostarch.Addr, m memmap.Mappable, fileOffset uint64, flags pageFlags) error {
	if m == nil {
		return fmt.Errorf("pagetables: ResetFileMapping %#x: %w", va, ErrNotFileBacked)
	}
	phys, err := m.MapFilePage(fileOffset)
	if err != nil {
		return err
	}
	pt.MapPage(va, phys, flags)
	return nil
}

// IsActivePagetable reports whether this table is the one currently loaded.
func (pt *PageTables) IsActivePagetable() bool {
	return currentPageTable.Load() == pt
}

// SwitchTo installs pt as the active table, as done before tearing down a
// live MM (spec.md §4.3.1 Clear).
func (pt *PageTables) SwitchTo() {
	currentPageTable.Store(pt)
}

// invalidateRangeLocked is the TLB-invalidate stand-in: a downgrade or
// unmap on the active address space invalidates the affected pages, one at
// a time, per spec.md §5.
func (pt *PageTables) invalidateRangeLocked(ar hostarch.AddrRange) {
	// There is no real TLB to shoot down in this host-process model; this
	// hook is a no-op that marks every call site where spec.md's
	// invalidation discipline applies, as a seam to plug invlpg into.
	_ = ar
}
