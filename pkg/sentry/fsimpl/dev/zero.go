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

// Package dev implements the concrete memmap.Mappable variants the MM's
// fault path can be asked to map: a zero device and a host-file-backed
// device. Neither is part of the MM core; both are collaborators the MM
// consumes only through the memmap.Mappable interface (spec.md §1).
package dev

import (
	"sync"

	"github.com/quarksandbox/sentry/pkg/hostarch"
	"github.com/quarksandbox/sentry/pkg/sentry/memmap"
	"github.com/quarksandbox/sentry/pkg/sentry/pgalloc"
)

// ZeroDevice is a /dev/zero-equivalent: reads zero-fill the caller's
// buffer, writes discard. Grounded on the original's zero.rs, which gives
// ReadAt/WriteAt this exact split (zero-fill vs. discard) and exposes no
// Mappable of its own — mapping it behaves like an anonymous mapping.
type ZeroDevice struct{}

// ReadAt zero-fills dst and returns its length, exactly as the original
// zero device's ReadAt does.
func (ZeroDevice) ReadAt(dst []byte, offset int64) (int, error) {
	for i := range dst {
		dst[i] = 0
	}
	return len(dst), nil
}

// WriteAt discards src and returns its length.
func (ZeroDevice) WriteAt(src []byte, offset int64) (int, error) {
	return len(src), nil
}

// ZeroMappable is the memmap.Mappable a vma gets when it maps the zero
// device: spec.md §6 says a missing Mappable is already treated as
// anonymous, so this type exists to make that mapping exercise the same
// AddMapping/RemoveMapping reverse-tracking every other Mappable does,
// while MapFilePage hands out a fresh zero-filled frame per offset,
// matching zero.rs's "every page reads as zero, no page is ever shared
// between offsets."
type ZeroMappable struct {
	mf *pgalloc.MemoryFile

	mu       sync.Mutex
	mappings map[memmap.MappingSpace]hostarch.AddrRange
	frames   map[uint64]uintptr
}

// NewZeroMappable returns a ZeroMappable backed by mf.
func NewZeroMappable(mf *pgalloc.MemoryFile) *ZeroMappable {
	return &ZeroMappable{
		mf:       mf,
		mappings: make(map[memmap.MappingSpace]hostarch.AddrRange),
		frames:   make(map[uint64]uintptr),
	}
}

// AddMapping implements memmap.Mappable.AddMapping.
func (z *ZeroMappable) AddMapping(ms memmap.MappingSpace, ar hostarch.AddrRange, offset uint64, writable bool) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.mappings[ms] = ar
	return nil
}

// RemoveMapping implements memmap.Mappable.RemoveMapping.
func (z *ZeroMappable) RemoveMapping(ms memmap.MappingSpace, ar hostarch.AddrRange, offset uint64, writable bool) {
	z.mu.Lock()
	defer z.mu.Unlock()
	delete(z.mappings, ms)
}

// MapFilePage returns the physical frame backing fileOffset, allocating a
// fresh zero-filled frame on first access. Every later access to the same
// offset observes the same frame, so COW and sharing semantics work the
// same way they would for any other Mappable. The frame's reference count
// reflects exactly one hold on behalf of this ZeroMappable's own cache,
// established at creation; each address space that subsequently installs
// the returned physical address into its own page table adds its own
// leaf reference via PageTables.MapPage.
func (z *ZeroMappable) MapFilePage(fileOffset uint64) (uintptr, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if phys, ok := z.frames[fileOffset]; ok {
		return phys, nil
	}
	phys, err := z.mf.AllocPage(true)
	if err != nil {
		return 0, err
	}
	z.mf.IncRef(phys)
	z.frames[fileOffset] = phys
	return phys, nil
}

// Identity implements memmap.Mappable.Identity: the zero device has no
// filesystem identity of its own to report in /proc/*/maps; callers fall
// back to the vma's hint.
func (z *ZeroMappable) Identity() (memmap.MappingIdentity, bool) {
	return memmap.MappingIdentity{}, false
}
