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
	"testing"

	"github.com/quarksandbox/sentry/pkg/hostarch"
	"github.com/quarksandbox/sentry/pkg/sentry/memmap"
	"github.com/quarksandbox/sentry/pkg/sentry/pgalloc"
)

// fakeMappable is a minimal memmap.Mappable backed by an in-memory map of
// offset -> frame, for exercising the page-table engine's file-backed bulk
// helpers without a real host file.
type fakeMappable struct {
	mf     *pgalloc.MemoryFile
	frames map[uint64]uintptr
}

func newFakeMappable(mf *pgalloc.MemoryFile) *fakeMappable {
	return &fakeMappable{mf: mf, frames: make(map[uint64]uintptr)}
}

func (m *fakeMappable) AddMapping(memmap.MappingSpace, hostarch.AddrRange, uint64, bool) error {
	return nil
}
func (m *fakeMappable) RemoveMapping(memmap.MappingSpace, hostarch.AddrRange, uint64, bool) {}

func (m *fakeMappable) MapFilePage(fileOffset uint64) (uintptr, error) {
	if phys, ok := m.frames[fileOffset]; ok {
		return phys, nil
	}
	phys, err := m.mf.AllocPage(true)
	if err != nil {
		return 0, err
	}
	m.frames[fileOffset] = phys
	return phys, nil
}

func (m *fakeMappable) Identity() (memmap.MappingIdentity, bool) { return memmap.MappingIdentity{}, false }

func newTestPageTables(t *testing.T) (*PageTables, *pgalloc.MemoryFile) {
	t.Helper()
	mf, err := pgalloc.New()
	if err != nil {
		t.Fatalf("pgalloc.New: %v", err)
	}
	return NewPageTables(mf), mf
}

// C2's MapHost/MapFile bulk helpers, wired through PopulateVMA, install
// every page of a range in one call rather than one fault at a time.
func TestMapHostAndMapFile(t *testing.T) {
	pt, mf := newTestPageTables(t)

	hostPhys, err := mf.AllocPage(true)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	pt.MapHost(0x1000, hostPhys, pageFlags{write: true})
	if phys, writable, err := pt.VirtualToPhy(0x1000); err != nil || phys != hostPhys || !writable {
		t.Fatalf("VirtualToPhy after MapHost = (%#x, %v, %v), want (%#x, true, nil)", phys, writable, err, hostPhys)
	}

	fm := newFakeMappable(mf)
	const length = 3 * hostarch.PageSize
	if err := pt.MapFile(0x2000, length, fm, 0, pageFlags{write: true}); err != nil {
		t.Fatalf("MapFile: %v", err)
	}
	for i := 0; i < 3; i++ {
		va := hostarch.Addr(0x2000 + i*hostarch.PageSize)
		want, _ := fm.MapFilePage(uint64(i * hostarch.PageSize))
		if phys, _, err := pt.VirtualToPhy(va); err != nil || phys != want {
			t.Fatalf("VirtualToPhy(%#x) = (%#x, %v), want (%#x, nil)", va, phys, err, want)
		}
	}
}

// RemapAna relocates a resident leaf to a new address, preserving its
// physical frame (a move, not a copy or re-fault).
func TestRemapAnaMovesResidentLeaf(t *testing.T) {
	pt, mf := newTestPageTables(t)

	phys, err := mf.AllocPage(true)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	pt.MapPage(0x10000, phys, pageFlags{write: true})

	pt.RemapAna(0x10000, 0x20000, hostarch.PageSize)

	if _, _, err := pt.VirtualToPhy(0x10000); !errors.Is(err, errAddressNotMapped) {
		t.Fatalf("VirtualToPhy(old) after RemapAna: err = %v, want errAddressNotMapped", err)
	}
	if got, _, err := pt.VirtualToPhy(0x20000); err != nil || got != phys {
		t.Fatalf("VirtualToPhy(new) after RemapAna = (%#x, %v), want (%#x, nil)", got, err, phys)
	}
}

// ResetFileMapping on a non-file leaf (nil Mappable) must return a typed
// error, per spec.md §9's "panics vs. errors" redesign directive — not
// panic, as the original source did.
func TestResetFileMappingTypedError(t *testing.T) {
	pt, _ := newTestPageTables(t)
	if err := pt.ResetFileMapping(0x30000, nil, 0, pageFlags{}); !errors.Is(err, ErrNotFileBacked) {
		t.Fatalf("ResetFileMapping(nil Mappable): err = %v, want ErrNotFileBacked", err)
	}
}

// ResetFileMapping on a file-backed leaf re-resolves it through the
// Mappable and installs the result.
func TestResetFileMappingResolves(t *testing.T) {
	pt, mf := newTestPageTables(t)
	fm := newFakeMappable(mf)

	if err := pt.ResetFileMapping(0x40000, fm, 0x1000, pageFlags{write: true}); err != nil {
		t.Fatalf("ResetFileMapping: %v", err)
	}
	want, _ := fm.MapFilePage(0x1000)
	if got, writable, err := pt.VirtualToPhy(0x40000); err != nil || got != want || !writable {
		t.Fatalf("VirtualToPhy after ResetFileMapping = (%#x, %v, %v), want (%#x, true, nil)", got, writable, err, want)
	}
}
