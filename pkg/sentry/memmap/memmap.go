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

// Package memmap defines the external interfaces the MM consumes but does
// not implement: the Mappable abstraction over file- and device-backed
// memory (C4), and the identity used to render /proc/*/maps entries.
package memmap

import (
	"fmt"

	"github.com/quarksandbox/sentry/pkg/hostarch"
)

// MappingSpace is the identity an address space presents to a Mappable when
// it registers or unregisters a mapping. It is deliberately small: the MM
// implements it with nothing but its own pointer identity, and a Mappable
// never needs anything else from it.
type MappingSpace interface {
	// MappingIdentifier returns an opaque, comparable value that uniquely
	// identifies the address space to the Mappable. This is the "weak
	// Mappable -> MM" edge described in spec.md Design Notes: the Mappable
	// looks MMs up by this identifier without holding a strong reference.
	MappingIdentifier() uint64
}

// Mappable is the external producer of physical frames for a range of
// logical (file or device) offsets. It is consumed, not implemented, by the
// MM core; concrete variants (anonymous via nil, zero-device, host-file)
// live in pkg/sentry/fsimpl/dev.
type Mappable interface {
	// AddMapping records that ms maps the Mappable offsets in ar, starting
	// at offset, with the given writability. Mappable implementations use
	// this to track reverse mappings for invalidation and /proc rendering.
	AddMapping(ms MappingSpace, ar hostarch.AddrRange, offset uint64, writable bool) error

	// RemoveMapping undoes a prior AddMapping with the same arguments.
	RemoveMapping(ms MappingSpace, ar hostarch.AddrRange, offset uint64, writable bool)

	// MapFilePage returns the physical frame backing fileOffset, allocating
	// or faulting it in as needed. This is the only Mappable method on the
	// MM's fault path; it may block on host I/O (spec.md Concurrency model).
	MapFilePage(fileOffset uint64) (uintptr, error)

	// Identity optionally returns /proc/*/maps metadata (device, inode,
	// mapped name). Mappables with no filesystem identity (e.g. a bare
	// anonymous-equivalent device) return ok=false.
	Identity() (id MappingIdentity, ok bool)
}

// MappingIdentity carries the /proc/*/maps columns that come from a file or
// device, not from the vma itself.
type MappingIdentity struct {
	DeviceMajor uint32
	DeviceMinor uint32
	InodeID     uint64
	// MappedName is the path rendered in the trailing maps column, e.g.
	// "/bin/true" or "[heap]".
	MappedName string
}

// FileRange is a range of offsets into a Mappable or a page-frame file,
// always page-aligned.
type FileRange struct {
	Start uint64
	End   uint64
}

// Length returns the length of fr in bytes.
func (fr FileRange) Length() uint64 {
	return fr.End - fr.Start
}

func (fr FileRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", fr.Start, fr.End)
}
