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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/quarksandbox/sentry/pkg/hostarch"
)

// GetVma returns the vma containing addr, if any.
func (mm *MemoryManager) GetVma(addr hostarch.Addr) (vma, hostarch.AddrRange, bool) {
	mm.metadataMu.RLock()
	defer mm.metadataMu.RUnlock()
	seg := mm.vmas.FindSegment(addr)
	if !seg.Ok() {
		return vma{}, hostarch.AddrRange{}, false
	}
	return seg.Value(), seg.Range(), true
}

// GetVmaAndRange is an alias of GetVma kept for parity with spec.md's
// "GetVma(addr) / GetVmaAndRange(addr)" pair; both return the same
// information, since this implementation's vma set always carries its own
// range alongside the value.
func (mm *MemoryManager) GetVmaAndRange(addr hostarch.Addr) (vma, hostarch.AddrRange, bool) {
	return mm.GetVma(addr)
}

func (mm *MemoryManager) allocFrame(zeroed bool) (uintptr, error) {
	var phys uintptr
	op := func() error {
		p, err := mm.mf.AllocPage(zeroed)
		if err != nil {
			return err
		}
		phys = p
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = 20 * time.Millisecond
	if err := backoff.Retry(op, b); err != nil {
		return 0, fmt.Errorf("mm: allocFrame: %w: %v", ENOMEM, err)
	}
	return phys, nil
}

// InstallPage is the fault handler (spec.md §4.3.1): if addr is already
// mapped it's a no-op; otherwise it resolves a physical frame (from the
// vma's Mappable, or fresh for an anonymous vma) and installs it
// read-only for private/non-writable vmas, read-write otherwise.
//
// Preconditions: mm.metadataMu is held for writing; v, ar = mm.GetVma(addr)
// and ar.Contains(addr).
func (mm *MemoryManager) InstallPage(v vma, ar hostarch.AddrRange, addr hostarch.Addr) error {
	pageAddr := addr.RoundDown()
	if _, _, err := mm.pt.VirtualToPhy(pageAddr); err == nil {
		return nil
	} else if !errors.Is(err, errAddressNotMapped) {
		return err
	}

	var phys uintptr
	var err error
	if v.mappable != nil {
		fileOffset := v.offset + uint64(pageAddr-ar.Start)
		phys, err = v.mappable.MapFilePage(fileOffset)
	} else {
		phys, err = mm.allocFrame(true)
	}
	if err != nil {
		return err
	}

	writable := v.effectivePerms.Write && !v.private
	mm.pt.MapPage(pageAddr, phys, pageFlags{write: writable, execute: v.effectivePerms.Execute})
	mm.addRSSLocked(hostarch.PageSize)
	mm.logFault(pageAddr, mappableKind(v), false)
	return nil
}

func mappableKind(v vma) string {
	if v.mappable == nil {
		return "anon"
	}
	return "file"
}

// InstallPageWithAddr takes the metadata lock, resolves the vma covering
// addr, and delegates to InstallPage. Concurrent faults for the same page
// are collapsed via singleflight so that only one goroutine performs the
// allocation; the rest observe its result.
func (mm *MemoryManager) InstallPageWithAddr(addr hostarch.Addr) error {
	key := fmt.Sprintf("%d:%x", mm.id, addr.RoundDown())
	_, err, _ := mm.faultGroup.Do(key, func() (any, error) {
		mm.metadataMu.Lock()
		defer mm.metadataMu.Unlock()

		seg := mm.vmas.FindSegment(addr)
		if !seg.Ok() {
			return nil, fmt.Errorf("mm: InstallPageWithAddr %v: %w", addr, EFAULT)
		}
		return nil, mm.InstallPage(seg.Value(), seg.Range(), addr)
	})
	return err
}

// CopyOnWriteLocked resolves a write fault on addr within vma v (spec.md
// §4.3.1): if another thread already won the race to make the leaf
// writable, it's a no-op; if the frame is uniquely held and anonymous, the
// write bit is flipped in place; otherwise a fresh frame is allocated,
// the old contents are copied in, and the new frame is installed
// read-write.
//
// Preconditions: mm.metadataMu is held for writing.
func (mm *MemoryManager) CopyOnWriteLocked(addr hostarch.Addr, v vma) error {
	pageAddr := addr.RoundDown()
	phys, writable, err := mm.pt.VirtualToPhy(pageAddr)
	if err != nil {
		return fmt.Errorf("mm: CopyOnWriteLocked %v: %w", addr, err)
	}
	if writable {
		return nil
	}

	if mm.mf.GetRef(phys) == 1 && v.mappable == nil {
		mm.pt.SetPageFlags(pageAddr, pageFlags{write: true, execute: v.effectivePerms.Execute})
		mm.logFault(pageAddr, "anon", true)
		return nil
	}

	newPhys, err := mm.allocFrame(false)
	if err != nil {
		return err
	}
	mm.mf.CopyFrame(newPhys, phys)
	mm.pt.MUnmap(pageAddr, hostarch.PageSize)
	mm.pt.MapPage(pageAddr, newPhys, pageFlags{write: true, execute: v.effectivePerms.Execute})
	mm.logFault(pageAddr, mappableKind(v), true)
	return nil
}

// FixPermission walks the page-aligned addresses covering [va, va+len),
// installing pages and resolving COW faults as needed so that the range
// is accessible with the requested permissions. It returns the number of
// bytes proven accessible, per spec.md §4.3.1.
func (mm *MemoryManager) FixPermission(va hostarch.Addr, length uint64, writeReq, allowPartial bool) (uint64, error) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	return mm.fixPermissionLocked(va, length, writeReq, allowPartial)
}

// fixPermissionLocked is FixPermission's body, usable by callers that
// already hold mm.metadataMu for writing (v2pLocked).
func (mm *MemoryManager) fixPermissionLocked(va hostarch.Addr, length uint64, writeReq, allowPartial bool) (uint64, error) {
	maxAddr := ^hostarch.Addr(0)
	if va == 0 || length > uint64(maxAddr-va) {
		return mm.partialOrFail(0, allowPartial, EFAULT)
	}
	end := va + hostarch.Addr(length)
	var done uint64
	for addr := va.RoundDown(); addr < end; addr += hostarch.PageSize {
		seg := mm.vmas.FindSegment(addr)
		if !seg.Ok() {
			return mm.partialOrFail(done, allowPartial, EFAULT)
		}
		v := seg.Value()

		if _, _, err := mm.pt.VirtualToPhy(addr); errors.Is(err, errAddressNotMapped) {
			if err := mm.InstallPage(v, seg.Range(), addr); err != nil {
				return mm.partialOrFail(done, allowPartial, err)
			}
		}

		if writeReq {
			_, writable, err := mm.pt.VirtualToPhy(addr)
			if err != nil {
				return mm.partialOrFail(done, allowPartial, err)
			}
			if !writable {
				if !v.effectivePerms.Write {
					return mm.partialOrFail(done, allowPartial, EFAULT)
				}
				if err := mm.CopyOnWriteLocked(addr, v); err != nil {
					return mm.partialOrFail(done, allowPartial, err)
				}
			}
		}

		var off uint64
		if addr < va {
			off = uint64(va - addr)
		}
		step := hostarch.PageSize - off
		gained := min64(step, length-done)
		done += gained
	}
	if done > length {
		done = length
	}
	return done, nil
}

func (mm *MemoryManager) partialOrFail(done uint64, allowPartial bool, cause error) (uint64, error) {
	if allowPartial && done > 0 {
		return done, nil
	}
	return done, fmt.Errorf("mm: FixPermission: %w", cause)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (mm *MemoryManager) addRSSLocked(n uint64) {
	mm.curRSS += n
	if mm.curRSS > mm.maxRSS {
		mm.maxRSS = mm.curRSS
	}
}

// RemoveVMAsLocked removes every vma overlapping r: isolates it to r,
// notifies its Mappable, decrements RSS/usageAS, unmaps the corresponding
// page-table range, and removes it from the set. Preconditions:
// mm.metadataMu is held for writing.
func (mm *MemoryManager) RemoveVMAsLocked(mm2 *MemoryManager, r hostarch.AddrRange) {
	seg := mm2.vmas.FindSegment(r.Start)
	if !seg.Ok() {
		seg = mm2.vmas.FindSegmentAfter(r.Start)
	}
	for seg.Ok() && seg.Start() < r.End {
		seg = mm2.vmas.Isolate(seg, r)
		v := seg.Value()
		ar := seg.Range()

		if v.mappable != nil {
			v.mappable.RemoveMapping(mm2, ar, v.offset, v.effectivePerms.Write)
		}
		if !v.kernel {
			n := uint64(ar.Length())
			mm2.usageAS -= n
			if mm2.curRSS >= n {
				mm2.curRSS -= n
			} else {
				mm2.curRSS = 0
			}
		}

		mm2.pt.MUnmap(ar.Start, uint64(ar.Length()))
		next := seg.NextSegment()
		mm2.vmas.Remove(seg)
		seg = next
	}
}
