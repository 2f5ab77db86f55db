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
	"strings"
	"sync"
	"testing"

	"github.com/quarksandbox/sentry/pkg/hostarch"
	"github.com/quarksandbox/sentry/pkg/sentry/pgalloc"
)

type fakeTask struct {
	id      uint64
	scratch []PhysicalIoVec
}

func (t *fakeTask) UniqueID() uint64              { return t.id }
func (t *fakeTask) IovsScratch() *[]PhysicalIoVec { return &t.scratch }

var initOnce sync.Once

func newTestMM(t *testing.T) (*MemoryManager, *pgalloc.MemoryFile) {
	t.Helper()
	mf, err := pgalloc.New()
	if err != nil {
		t.Fatalf("pgalloc.New: %v", err)
	}
	initOnce.Do(func() {
		InitKernelPageTable(NewPageTables(mf))
	})
	m := Empty(NextMemoryManagerID())
	if err := m.Init(mf); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m, mf
}

// S1: Fault-in anonymous.
func TestFaultInAnonymous(t *testing.T) {
	m, _ := newTestMM(t)
	addr := hostarch.Addr(0x40_000_000)
	if err := m.MapAnon(addr, addr+2*hostarch.PageSize, hostarch.ReadWriteAccess, true, "[heap]"); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	n, err := m.FixPermission(addr, 8192, true, false)
	if err != nil {
		t.Fatalf("FixPermission: %v", err)
	}
	if n != 8192 {
		t.Fatalf("FixPermission returned %d, want 8192", n)
	}

	_, writable, err := m.pt.VirtualToPhy(addr)
	if err != nil {
		t.Fatalf("VirtualToPhy: %v", err)
	}
	if !writable {
		t.Fatalf("page at %v not writable after FixPermission(write=true)", addr)
	}
}

// S2: COW on fork.
func TestCOWOnFork(t *testing.T) {
	m, mf := newTestMM(t)
	addr := hostarch.Addr(0x40_000_000)
	if err := m.MapAnon(addr, addr+hostarch.PageSize, hostarch.ReadWriteAccess, true, "[heap]"); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	if _, err := m.CopyDataOut(addr, []byte{0xAA}); err != nil {
		t.Fatalf("CopyDataOut(0xAA): %v", err)
	}

	origPhys, _, err := m.pt.VirtualToPhy(addr)
	if err != nil {
		t.Fatalf("VirtualToPhy before fork: %v", err)
	}

	child, err := m.Fork()
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	var buf [1]byte
	if _, err := child.CopyDataIn(addr, buf[:]); err != nil {
		t.Fatalf("child CopyDataIn: %v", err)
	}
	if buf[0] != 0xAA {
		t.Fatalf("child read %#x before parent write, want 0xAA", buf[0])
	}

	if _, err := m.CopyDataOut(addr, []byte{0xBB}); err != nil {
		t.Fatalf("parent CopyDataOut(0xBB): %v", err)
	}

	if _, err := child.CopyDataIn(addr, buf[:]); err != nil {
		t.Fatalf("child CopyDataIn after parent write: %v", err)
	}
	if buf[0] != 0xAA {
		t.Fatalf("child read %#x after parent write, want unchanged 0xAA", buf[0])
	}

	if _, err := m.CopyDataIn(addr, buf[:]); err != nil {
		t.Fatalf("parent CopyDataIn: %v", err)
	}
	if buf[0] != 0xBB {
		t.Fatalf("parent read %#x after its own write, want 0xBB", buf[0])
	}

	if got := mf.GetRef(origPhys); got != 1 {
		t.Fatalf("original frame refcount = %d after parent's COW copy, want 1", got)
	}
}

// S3: ENAMETOOLONG.
func TestCopyInStringTooLong(t *testing.T) {
	m, _ := newTestMM(t)
	addr := hostarch.Addr(0x40_000_000)
	if err := m.MapAnon(addr, addr+hostarch.PageSize, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	payload := "ABCDEFGHIJKLMNOP"
	if _, err := m.CopyDataOut(addr, []byte(payload)); err != nil {
		t.Fatalf("CopyDataOut: %v", err)
	}

	s, err := m.CopyInString(addr, 8)
	if !errors.Is(err, ENAMETOOLONG) {
		t.Fatalf("CopyInString error = %v, want ENAMETOOLONG", err)
	}
	if s != "ABCDEFGH" {
		t.Fatalf("CopyInString = %q, want %q", s, "ABCDEFGH")
	}
}

// S4: Vector budget.
func TestCopyInVectorBudget(t *testing.T) {
	m, _ := newTestMM(t)
	base := hostarch.Addr(0x40_000_000)
	strs := hostarch.Addr(0x40_010_000)
	if err := m.MapAnon(base, base+hostarch.PageSize, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatalf("MapAnon ptr array: %v", err)
	}
	if err := m.MapAnon(strs, strs+hostarch.PageSize, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatalf("MapAnon strings: %v", err)
	}

	words := []string{"a", "b", "c"}
	var cursor = strs
	var ptrs []hostarch.Addr
	for _, w := range words {
		if err := m.CopyOutString(cursor, w, len(w)+1); err != nil {
			t.Fatalf("CopyOutString(%q): %v", w, err)
		}
		ptrs = append(ptrs, cursor)
		cursor += hostarch.Addr(len(w) + 1)
	}
	ptrs = append(ptrs, 0)

	for i, p := range ptrs {
		var pbuf [8]byte
		putLE64(pbuf[:], uint64(p))
		if _, err := m.CopyDataOut(base+hostarch.Addr(i)*8, pbuf[:]); err != nil {
			t.Fatalf("CopyDataOut ptr[%d]: %v", i, err)
		}
	}

	got, err := m.CopyInVector(base, 16, 6)
	if err != nil {
		t.Fatalf("CopyInVector(budget=6): %v", err)
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Fatalf("CopyInVector(budget=6) = %v, want [a b c]", got)
	}

	if _, err := m.CopyInVector(base, 16, 5); !errors.Is(err, ENOMEM) {
		t.Fatalf("CopyInVector(budget=5) error = %v, want ENOMEM", err)
	}
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// S5: Maps snapshot.
func TestGenMapsSnapshot(t *testing.T) {
	m, _ := newTestMM(t)
	if err := m.MapAnon(0x400000, 0x401000, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	got := m.GenMapsSnapshot()
	want := "00400000-00401000 rw-p 00000000 00:00 0" + strings.Repeat(" ", 73) + "\n" + vsyscallLine
	if got != want {
		t.Fatalf("GenMapsSnapshot = %q, want %q", got, want)
	}
}

// S6: Clear on exec.
func TestClearOnExec(t *testing.T) {
	m, _ := newTestMM(t)
	ranges := []hostarch.AddrRange{
		{Start: 0x400000, End: 0x401000},
		{Start: 0x500000, End: 0x502000},
		{Start: 0x600000, End: 0x601000},
	}
	for _, r := range ranges {
		if err := m.MapAnon(r.Start, r.End, hostarch.ReadWriteAccess, true, ""); err != nil {
			t.Fatalf("MapAnon %v: %v", r, err)
		}
	}

	m.Clear()

	for _, r := range ranges {
		if _, _, ok := m.GetVma(r.Start); ok {
			t.Fatalf("GetVma(%v) found a vma after Clear", r.Start)
		}
	}
	if _, _, ok := m.GetVma(kernelLower); !ok {
		t.Fatalf("GetVma(kernelLower) found nothing after Clear; kernel vma should survive")
	}
}

// Invariant 1: vma set stays disjoint and sorted.
func TestVMAsDisjointAndSorted(t *testing.T) {
	m, _ := newTestMM(t)
	if err := m.MapAnon(0x10000, 0x11000, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.MapAnon(0x20000, 0x21000, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.MapAnon(0x10500, 0x10800, hostarch.ReadWriteAccess, true, ""); err == nil {
		t.Fatalf("MapAnon over an existing vma unexpectedly succeeded")
	}

	var prevEnd hostarch.Addr = ^hostarch.Addr(0)
	for seg := m.vmas.FirstSegment(); seg.Ok(); seg = seg.NextSegment() {
		if prevEnd != ^hostarch.Addr(0) && seg.Start() < prevEnd {
			t.Fatalf("vma set not sorted/disjoint: prevEnd=%v, next start=%v", prevEnd, seg.Start())
		}
		prevEnd = seg.End()
	}
}

// Round-trip law: CopyOut(x); CopyIn(a) == x.
func TestCopyRoundTrip(t *testing.T) {
	m, _ := newTestMM(t)
	addr := hostarch.Addr(0x40_000_000)
	if err := m.MapAnon(addr, addr+hostarch.PageSize, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if _, err := m.CopyDataOut(addr, want); err != nil {
		t.Fatalf("CopyDataOut: %v", err)
	}
	got := make([]byte, len(want))
	if _, err := m.CopyDataIn(addr, got); err != nil {
		t.Fatalf("CopyDataIn: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round trip mismatch at %d: got %d want %d", i, got[i], want[i])
		}
	}
}

// Round-trip law (spec.md §8): CopyOutObj(x, a); CopyInObj[T](a) == x, for a
// plain value type and for a vector of them via CopyOutSlice/CopyInVec.
func TestTypedCopyRoundTrip(t *testing.T) {
	m, _ := newTestMM(t)
	addr := hostarch.Addr(0x40_000_000)
	if err := m.MapAnon(addr, addr+hostarch.PageSize, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatal(err)
	}

	type point struct {
		X, Y int64
	}
	want := point{X: -7, Y: 42}
	if _, err := CopyOutObj(m, addr, want); err != nil {
		t.Fatalf("CopyOutObj: %v", err)
	}
	got, err := CopyInObj[point](m, addr)
	if err != nil {
		t.Fatalf("CopyInObj: %v", err)
	}
	if got != want {
		t.Fatalf("CopyInObj round trip = %+v, want %+v", got, want)
	}

	vecAddr := addr + hostarch.PageSize/2
	wantVec := []point{{X: 1, Y: 2}, {X: 3, Y: 4}, {X: 5, Y: 6}}
	if _, err := CopyOutSlice(m, vecAddr, wantVec, len(wantVec)); err != nil {
		t.Fatalf("CopyOutSlice: %v", err)
	}
	gotVec, err := CopyInVec[point](m, vecAddr, len(wantVec))
	if err != nil {
		t.Fatalf("CopyInVec: %v", err)
	}
	for i := range wantVec {
		if gotVec[i] != wantVec[i] {
			t.Fatalf("CopyInVec[%d] = %+v, want %+v", i, gotVec[i], wantVec[i])
		}
	}

	if _, err := CopyOutSlice(m, vecAddr, wantVec, 1); !errors.Is(err, ERANGE) {
		t.Fatalf("CopyOutSlice with dstLen < len(src): err = %v, want ERANGE", err)
	}
}

// Round-trip law: CopyOutString(s); CopyInString(a, maxlen) == (s, Ok).
func TestCopyStringRoundTrip(t *testing.T) {
	m, _ := newTestMM(t)
	addr := hostarch.Addr(0x40_000_000)
	if err := m.MapAnon(addr, addr+hostarch.PageSize, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatal(err)
	}
	s := "hello"
	if err := m.CopyOutString(addr, s, len(s)+1); err != nil {
		t.Fatalf("CopyOutString: %v", err)
	}
	got, err := m.CopyInString(addr, len(s)+1)
	if err != nil {
		t.Fatalf("CopyInString: %v", err)
	}
	if got != s {
		t.Fatalf("CopyInString = %q, want %q", got, s)
	}
}

// Invariant 7: V2P coalescing yields page-contiguous iovecs summing to len.
func TestV2PIovAndCoalescing(t *testing.T) {
	m, _ := newTestMM(t)
	addr := hostarch.Addr(0x40_000_000)
	if err := m.MapAnon(addr, addr+4*hostarch.PageSize, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatal(err)
	}
	task := &fakeTask{id: 1}

	iovs, err := m.V2PIov(task, addr, 3*hostarch.PageSize, true)
	if err != nil {
		t.Fatalf("V2PIov: %v", err)
	}
	var total int
	for _, iov := range iovs {
		total += iov.Len
	}
	if total != 3*hostarch.PageSize {
		t.Fatalf("V2PIov iovec lengths sum to %d, want %d", total, 3*hostarch.PageSize)
	}

	var coalesced []PhysicalIoVec
	if err := m.GetAddressesWithCOW(addr, 3*hostarch.PageSize, &coalesced); err != nil {
		t.Fatalf("GetAddressesWithCOW: %v", err)
	}
	if len(coalesced) != 1 {
		t.Fatalf("expected a single coalesced run over freshly allocated contiguous pages, got %d runs", len(coalesced))
	}
	if coalesced[0].Len != 3*hostarch.PageSize {
		t.Fatalf("coalesced run length = %d, want %d", coalesced[0].Len, 3*hostarch.PageSize)
	}
}

// CompareAndSwap law: memory afterwards is new iff the returned value
// equals old.
func TestCompareAndSwap(t *testing.T) {
	m, _ := newTestMM(t)
	addr := hostarch.Addr(0x40_000_000)
	if err := m.MapAnon(addr, addr+hostarch.PageSize, hostarch.ReadWriteAccess, true, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CopyDataOut(addr, []byte{7}); err != nil {
		t.Fatal(err)
	}

	observed, err := m.CompareAndSwap(addr, []byte{7}, []byte{9})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if observed[0] != 7 {
		t.Fatalf("observed = %d, want 7", observed[0])
	}
	var after [1]byte
	if _, err := m.CopyDataIn(addr, after[:]); err != nil {
		t.Fatal(err)
	}
	if after[0] != 9 {
		t.Fatalf("after successful CAS, memory = %d, want 9", after[0])
	}

	observed2, err := m.CompareAndSwap(addr, []byte{7}, []byte{42})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if observed2[0] != 9 {
		t.Fatalf("observed2 = %d, want 9", observed2[0])
	}
	if _, err := m.CopyDataIn(addr, after[:]); err != nil {
		t.Fatal(err)
	}
	if after[0] != 9 {
		t.Fatalf("failed CAS must not write: memory = %d, want unchanged 9", after[0])
	}
}
