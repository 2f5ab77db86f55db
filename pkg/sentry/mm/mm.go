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

// Package mm implements the guest-kernel memory manager: the VMA registry
// (C3), the page-table engine (C2), demand paging and copy-on-write fault
// handling, fork/clear lifecycle, and the user-memory access layer (C6),
// composed as the MM core (C5).
package mm

import (
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/quarksandbox/sentry/pkg/hostarch"
	"github.com/quarksandbox/sentry/pkg/sentry/memmap"
	"github.com/quarksandbox/sentry/pkg/sentry/pgalloc"
)

// Task is the minimal external identity the MM consumes from the
// process/thread model, which is out of scope for this package (spec.md
// §1: "the MM only consumes a Task identity for accounting and a working
// root page-table pointer").
type Task interface {
	// UniqueID identifies the calling task for RSS accounting purposes.
	UniqueID() uint64

	// IovsScratch returns a reusable scratch buffer for V2P results, so
	// that hot copy paths don't allocate on every call.
	IovsScratch() *[]PhysicalIoVec
}

// PhysicalIoVec is a contiguous run of physical memory, as produced by
// GetReadonlyBlocks, GetAddressesWithCOW, and V2PIov.
type PhysicalIoVec struct {
	Addr uintptr
	Len  int
}

// dumpability mirrors /proc/*/status's Dumpable field, and gates whether a
// core dump or ptrace attach is permitted; the MM only stores it.
type dumpability int

const (
	notDumpable dumpability = iota
	userDumpable
	rootDumpable
)

// brk is the mutable triple describing the program break.
type brk struct {
	start  hostarch.Addr
	end    hostarch.Addr
	memEnd hostarch.Addr
}

// layout is the address-space layout derived at SetMmapLayout time.
type layout struct {
	minAddr      hostarch.Addr
	maxAddr      hostarch.Addr
	bottomUpBase hostarch.Addr
	topDownBase  hostarch.Addr
	mapStackAddr hostarch.Addr
}

// vma is a virtual memory area: a half-open interval of guest-virtual
// address space with uniform metadata, per spec.md §3.
type vma struct {
	mappable memmap.Mappable
	offset   uint64

	fixed bool

	realPerms      hostarch.AccessType
	effectivePerms hostarch.AccessType
	maxPerms       hostarch.AccessType

	private   bool
	growsDown bool
	kernel    bool

	hint string

	id *memmap.MappingIdentity
}

// auxEntry is one ELF auxiliary-vector entry (AT_* key/value pair).
type auxEntry struct {
	Key   uint64
	Value uint64
}

// MemoryManager is an address space (spec.md §3's MM). One MemoryManager is
// shared by every task in a thread group.
type MemoryManager struct {
	// id is this MM's process-wide unique identifier, assigned by the UID
	// service (C7) at construction.
	id uint64

	mf *pgalloc.MemoryFile

	// metadataMu is the single metadata lock of spec.md §5: acquired in
	// write mode by any user-memory transfer or permission fix-up, and by
	// the fault path, so that FixPermission, InstallPage, and
	// CopyOnWriteLocked never overlap on a given MM.
	metadataMu sync.RWMutex

	inited bool

	pt *PageTables

	vmas *intervalSet[vma]

	brkD brk
	lo   layout

	usageAS uint64
	curRSS  uint64
	maxRSS  uint64

	auxv []auxEntry

	argv hostarch.AddrRange
	envv hostarch.AddrRange

	executable any // opaque dirent handle; see SetExecutable

	dump dumpability

	policy Policy

	// faultGroup collapses concurrent InstallPageWithAddr calls racing on
	// the same (mm, page) key into a single allocation/COW attempt, per
	// SPEC_FULL.md §4.3's note on spec.md §4.3.1 step 1 ("another thread
	// won the race").
	faultGroup singleflight.Group

	log *logrus.Entry
}

// upperBound is the top of the address domain the vma set spans. This
// stands in for the guest's architecture-specific canonical address limit.
const upperBound = hostarch.Addr(1) << 47

// kernelRegionSize is the size of the reserved kernel VMA that Init
// installs at the top of the domain. Everything below kernelLower is the
// application address range that Fork/Clear/RemoveVMAsLocked operate over.
const kernelRegionSize = hostarch.Addr(1) << 30 // 1 GiB

const (
	kernelLower = upperBound - kernelRegionSize
	kernelUpper = upperBound
)

// Empty returns a placeholder MM with no page-table allocation, per
// spec.md §4.3.1.
func Empty(id uint64) *MemoryManager {
	return &MemoryManager{
		id:   id,
		vmas: newIntervalSet[vma](0, upperBound),
		log:  logrus.WithField("mm", id),
	}
}

// SetPolicy installs the C8 configuration policy (RLIMIT_AS, the
// mount-namespace-inheritance flag resolving spec.md §9's Open Question).
func (mm *MemoryManager) SetPolicy(p Policy) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	mm.policy = p
}

// MappingIdentifier implements memmap.MappingSpace: a Mappable tracks this
// MM's mappings by its id, without holding a strong reference to it.
func (mm *MemoryManager) MappingIdentifier() uint64 {
	return mm.id
}
