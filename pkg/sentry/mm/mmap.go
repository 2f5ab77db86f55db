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

	"github.com/quarksandbox/sentry/pkg/hostarch"
	"github.com/quarksandbox/sentry/pkg/sentry/memmap"
)

// MapAnon inserts a private or shared anonymous vma over [start, end),
// with no backing Mappable. Physical frames are installed lazily on
// fault, per spec.md §4.3.1's PopulateVMA contract for "anonymous,
// non-vdso" mappings. It fails with ENOMEM if the range is already
// occupied or would push usageAS past RLIMIT_AS.
func (mm *MemoryManager) MapAnon(start, end hostarch.Addr, perms hostarch.AccessType, private bool, hint string) error {
	return mm.insertVMA(start, end, vma{
		realPerms:      perms,
		effectivePerms: perms.Effective(),
		maxPerms:       hostarch.AnyAccess,
		private:        private,
		hint:           hint,
	})
}

// MapFile inserts a vma over [start, end) backed by m, a Mappable, at the
// given offset within m.
func (mm *MemoryManager) MapFile(start, end hostarch.Addr, perms hostarch.AccessType, private bool, m memmap.Mappable, offset uint64) error {
	return mm.insertVMA(start, end, vma{
		mappable:       m,
		offset:         offset,
		realPerms:      perms,
		effectivePerms: perms.Effective(),
		maxPerms:       hostarch.AnyAccess,
		private:        private,
	})
}

func (mm *MemoryManager) insertVMA(start, end hostarch.Addr, v vma) error {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	ar := hostarch.AddrRange{Start: start, End: end}
	length := uint64(ar.Length())
	if mm.policy.RLimitAS.Soft != 0 && mm.usageAS+length > mm.policy.RLimitAS.Soft {
		return fmt.Errorf("mm: insertVMA: %w", ENOMEM)
	}

	gap := mm.vmas.FindGap(start)
	if !gap.Ok() || !gap.Range().IsSupersetOf(ar) {
		return fmt.Errorf("mm: insertVMA %v: %w", ar, ENOMEM)
	}
	mm.vmas.Insert(gap, ar, v)
	mm.usageAS += length
	return nil
}

// PopulateVMA marks the pages of ar (which must be covered by v) as
// resident, per spec.md §4.3.1:
//   - Anonymous, non-vdso: frames are installed lazily on fault, and
//     InstallPage accounts RSS as each one is installed, so this case
//     does nothing here (the range is not validated).
//   - Anonymous, vdso: map [offset, offset+len) directly at phys.
//   - File-backed: if precommit and len < 2 MiB, map file pages now;
//     otherwise defer to fault time.
//   - Private file-backed mappings install read-only, forcing COW on
//     first write.
func (mm *MemoryManager) PopulateVMA(v vma, ar hostarch.AddrRange, precommit bool, vdsoPhys uintptr) error {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	if v.mappable == nil {
		if vdsoPhys != 0 {
			// The vdso frame is owned by the caller (the process-wide
			// vdso image); MapHost's own IncRef gives this MM's leaf its
			// reference to it, matching every other MapPage call site.
			mm.pt.MapHost(ar.Start, vdsoPhys, pageFlags{write: v.effectivePerms.Write, execute: v.effectivePerms.Execute})
			mm.addRSSLocked(uint64(ar.Length()))
		}
		return nil
	}

	const twoMiB = 2 << 20
	if !precommit || ar.Length() >= twoMiB {
		return nil
	}
	writable := v.effectivePerms.Write && !v.private
	flags := pageFlags{write: writable, execute: v.effectivePerms.Execute}
	if err := mm.pt.MapFile(ar.Start, uint64(ar.Length()), v.mappable, v.offset, flags); err != nil {
		return err
	}
	mm.addRSSLocked(uint64(ar.Length()))
	return nil
}

// PopulateVMARemap is PopulateVMA's counterpart for mremap moves: any pages
// already resident over the source range are relocated in place via the
// page table's RemapAna/RemapFile bulk helpers (spec.md §4.1), preserving
// their frame reference rather than re-faulting or re-reading from the
// backing file; PopulateVMA then applies the ordinary residency policy to
// the destination range (a no-op for already-moved anonymous pages, and a
// redundant-but-harmless re-resolve for already-moved file pages under
// eager precommit).
func (mm *MemoryManager) PopulateVMARemap(v vma, oldAR, newAR hostarch.AddrRange, precommit bool) error {
	mm.metadataMu.Lock()
	length := uint64(oldAR.Length())
	if v.mappable == nil {
		mm.pt.RemapAna(oldAR.Start, newAR.Start, length)
	} else {
		mm.pt.RemapFile(oldAR.Start, newAR.Start, length)
	}
	mm.metadataMu.Unlock()
	return mm.PopulateVMA(v, newAR, precommit, 0)
}
