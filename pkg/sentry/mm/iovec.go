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
)

// GetReadonlyBlocks enumerates the physical runs covering [start,
// start+len), coalescing page-contiguous runs into single iovecs. The
// first iovec is trimmed to start's sub-page offset, the last to the
// tail length; the sum of returned lengths equals len. It does not
// trigger COW: callers that only read may observe a read-only leaf.
func (mm *MemoryManager) GetReadonlyBlocks(start hostarch.Addr, length uint64, out *[]PhysicalIoVec) error {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	n, err := mm.fixPermissionLocked(start, length, false, false)
	if err != nil {
		return err
	}
	if n < length {
		return fmt.Errorf("mm: GetReadonlyBlocks: %w", EFAULT)
	}
	return mm.appendCoalescedIovecs(start, length, out)
}

// GetAddressesWithCOW is identical to GetReadonlyBlocks but resolves write
// faults (including COW) first, so the caller may write through the
// returned physical addresses.
func (mm *MemoryManager) GetAddressesWithCOW(start hostarch.Addr, length uint64, out *[]PhysicalIoVec) error {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	n, err := mm.fixPermissionLocked(start, length, true, false)
	if err != nil {
		return err
	}
	if n < length {
		return fmt.Errorf("mm: GetAddressesWithCOW: %w", EFAULT)
	}
	return mm.appendCoalescedIovecs(start, length, out)
}

// appendCoalescedIovecs walks [start, start+len) a page at a time and
// merges adjacent runs whose physical addresses are themselves
// page-contiguous, per spec.md §4.3.2 and testable property 7.
func (mm *MemoryManager) appendCoalescedIovecs(start hostarch.Addr, length uint64, out *[]PhysicalIoVec) error {
	end := start + hostarch.Addr(length)
	cur := start
	for cur < end {
		pageAddr := cur.RoundDown()
		phys, _, err := mm.pt.VirtualToPhy(pageAddr)
		if err != nil {
			return fmt.Errorf("mm: appendCoalescedIovecs: %w", EFAULT)
		}
		off := uintptr(cur - pageAddr)
		runEnd := pageAddr + hostarch.PageSize
		if hostarch.Addr(runEnd) > end {
			runEnd = hostarch.Addr(end)
		}
		n := int(hostarch.Addr(runEnd) - cur)
		addr := phys + off

		if l := len(*out); l > 0 {
			last := &(*out)[l-1]
			if last.Addr+uintptr(last.Len) == addr {
				last.Len += n
				cur = hostarch.Addr(runEnd)
				continue
			}
		}
		*out = append(*out, PhysicalIoVec{Addr: addr, Len: n})
		cur = hostarch.Addr(runEnd)
	}
	return nil
}

// V2PIov runs FixPermission over [start, start+len) then emits one
// physical iovec per page into task's scratch buffer, per spec.md
// §4.3.2's baseline (uncoalesced) contract.
func (mm *MemoryManager) V2PIov(task Task, start hostarch.Addr, length uint64, writable bool) ([]PhysicalIoVec, error) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	n, err := mm.fixPermissionLocked(start, length, writable, false)
	if err != nil {
		return nil, err
	}
	if n < length {
		return nil, fmt.Errorf("mm: V2PIov: %w", EFAULT)
	}

	out := task.IovsScratch()
	*out = (*out)[:0]
	if err := mm.appendPhysicalIovecs(start, length, out); err != nil {
		return nil, err
	}
	return *out, nil
}
