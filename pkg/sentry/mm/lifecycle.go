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

	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"

	"github.com/quarksandbox/sentry/pkg/hostarch"
	"github.com/quarksandbox/sentry/pkg/sentry/pgalloc"
)

// kernelPageTable is the single process-wide kernel page table, forked by
// every MM at Init, per spec.md §9 ("a single kernel page table ... model
// as values initialised once at boot").
var kernelPageTable *PageTables

// InitKernelPageTable installs the process-wide kernel page table used by
// Init. It must be called exactly once at boot, before any MM.Init call.
func InitKernelPageTable(pt *PageTables) {
	kernelPageTable = pt
}

// Init turns an Empty MM into the root kernel MM: it inserts a single
// kernel VMA covering the reserved top-of-domain region with read/write
// access and forks the global kernel page table, per spec.md §4.3.1.
func (mm *MemoryManager) Init(mf *pgalloc.MemoryFile) error {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	if mm.inited {
		panic(fmt.Sprintf("mm %d: Init called twice", mm.id))
	}
	if kernelPageTable == nil {
		return fmt.Errorf("mm: Init: %w: no kernel page table installed", ENOMEM)
	}

	mm.mf = mf
	mm.pt = kernelPageTable.Fork(mf)

	gap := mm.vmas.FindGap(kernelLower)
	mm.vmas.Insert(gap, hostarch.AddrRange{Start: kernelLower, End: kernelUpper}, vma{
		realPerms:      hostarch.ReadWriteAccess,
		effectivePerms: hostarch.ReadWriteAccess,
		maxPerms:       hostarch.ReadWriteAccess,
		kernel:         true,
		hint:           "[kernel]",
	})

	mm.inited = true
	mm.policy = DefaultPolicy()
	return nil
}

// SetMmapLayout derives and stores the address-space layout from the
// given bounds and RLIMIT_AS.
func (mm *MemoryManager) SetMmapLayout(min, max hostarch.Addr, rlimitAS uint64) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	mid := min + (max-min)/2
	mm.lo = layout{
		minAddr:      min,
		maxAddr:      max,
		bottomUpBase: min,
		topDownBase:  mid,
		mapStackAddr: max - hostarch.PageSize,
	}
	mm.policy.RLimitAS.Soft = rlimitAS
}

// BrkSetup initializes the brk triple at addr.
func (mm *MemoryManager) BrkSetup(addr hostarch.Addr) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	mm.brkD = brk{start: addr, end: addr, memEnd: addr}
}

// MapStackAddr returns the layout's stack anchor.
func (mm *MemoryManager) MapStackAddr() hostarch.Addr {
	mm.metadataMu.RLock()
	defer mm.metadataMu.RUnlock()
	return mm.lo.mapStackAddr
}

// applicationAddrRange is the user (non-kernel) portion of this MM's
// domain: everything below the reserved kernel region installed by Init.
func (mm *MemoryManager) applicationAddrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: mm.vmas.lo, End: kernelLower}
}

// Fork produces a child MM: scalar state is copied, the VMA set is
// re-domained to the parent's, the page table is forked (COW-marking user
// leaves), and each parent VMA is either deep-copied (shared) or
// COW-linked (private) into the child. On any failure the partially built
// child is unwound via RemoveVMAsLocked and the error is returned.
func (mm *MemoryManager) Fork() (*MemoryManager, error) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	child := &MemoryManager{
		id:     NextMemoryManagerID(),
		mf:     mm.mf,
		vmas:   newIntervalSet[vma](mm.vmas.lo, mm.vmas.hi),
		brkD:   mm.brkD,
		lo:     mm.lo,
		argv:   mm.argv,
		envv:   mm.envv,
		auxv:   deepcopy.Copy(mm.auxv).([]auxEntry),
		dump:   mm.dump,
		policy: mm.policy,

		curRSS:     mm.curRSS,
		maxRSS:     mm.maxRSS,
		executable: mm.executable,
	}
	child.log = logrus.WithField("mm", child.id)
	child.pt = NewPageTables(mm.mf)

	dstgap := child.vmas.FirstGap()
	for seg := mm.vmas.FirstSegment(); seg.Ok(); seg = seg.NextSegment() {
		v := seg.Value()
		ar := seg.Range()

		if v.kernel {
			dstgap = child.vmas.Insert(dstgap, ar, v).NextGap()
			continue
		}

		if v.mappable != nil {
			if err := v.mappable.AddMapping(child, ar, v.offset, v.effectivePerms.Write); err != nil {
				mm.RemoveVMAsLocked(child, child.applicationAddrRange())
				return nil, fmt.Errorf("mm: Fork: AddMapping: %w", err)
			}
		}

		child.usageAS += uint64(ar.Length())
		dstgap = child.vmas.Insert(dstgap, ar, v).NextGap()

		if v.private {
			mm.pt.ForkRange(child.pt, ar.Start, uint64(ar.Length()))
		} else if err := mm.pt.CopyRange(child.pt, ar.Start, uint64(ar.Length())); err != nil {
			mm.RemoveVMAsLocked(child, child.applicationAddrRange())
			return nil, fmt.Errorf("mm: Fork: CopyRange: %w", err)
		}
	}

	child.inited = true
	mm.logFork(child.id, countSegments(child.vmas))
	return child, nil
}

func countSegments(s *intervalSet[vma]) int {
	n := 0
	for seg := s.FirstSegment(); seg.Ok(); seg = seg.NextSegment() {
		n++
	}
	return n
}

// Clear tears an MM down for exec reuse: if its page table is active, it
// switches the CPU to the kernel table first, then removes every
// non-kernel VMA, releasing mappable refs and page-table leaves.
func (mm *MemoryManager) Clear() {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	if mm.pt.IsActivePagetable() && kernelPageTable != nil {
		kernelPageTable.SwitchTo()
	}
	mm.RemoveVMAsLocked(mm, mm.applicationAddrRange())
}

// SetExecutable stores the executable handle used to render /proc/self/exe.
func (mm *MemoryManager) SetExecutable(dirent any) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	mm.executable = dirent
}
