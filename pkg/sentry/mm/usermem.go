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
	"bytes"
	"errors"
	"fmt"

	"github.com/quarksandbox/sentry/pkg/hostarch"
)

// v2pLocked resolves [addr, addr+len) to a physical iovec list, running
// FixPermission first to fault in and COW-resolve every covered page.
// Preconditions: mm.metadataMu is held for writing.
func (mm *MemoryManager) v2pLocked(addr hostarch.Addr, length uint64, write bool) ([]PhysicalIoVec, error) {
	n, err := mm.fixPermissionLocked(addr, length, write, false)
	if err != nil {
		return nil, err
	}
	if n < length {
		return nil, fmt.Errorf("mm: v2pLocked: %w", EFAULT)
	}

	var out []PhysicalIoVec
	if err := mm.appendPhysicalIovecs(addr, length, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (mm *MemoryManager) appendPhysicalIovecs(addr hostarch.Addr, length uint64, out *[]PhysicalIoVec) error {
	end := addr + hostarch.Addr(length)
	cur := addr
	for cur < end {
		pageAddr := cur.RoundDown()
		phys, _, err := mm.pt.VirtualToPhy(pageAddr)
		if err != nil {
			return fmt.Errorf("mm: appendPhysicalIovecs: %w", EFAULT)
		}
		off := uintptr(cur - pageAddr)
		runEnd := pageAddr + hostarch.PageSize
		if hostarch.Addr(runEnd) > end {
			runEnd = hostarch.Addr(end)
		}
		n := int(hostarch.Addr(runEnd) - cur)
		*out = append(*out, PhysicalIoVec{Addr: phys + off, Len: n})
		cur = hostarch.Addr(runEnd)
	}
	return nil
}

func (mm *MemoryManager) bytesFromIovecs(iovs []PhysicalIoVec) []byte {
	total := 0
	for _, iov := range iovs {
		total += iov.Len
	}
	out := make([]byte, 0, total)
	for _, iov := range iovs {
		out = append(out, mm.mf.Bytes(iov.Addr, iov.Len)...)
	}
	return out
}

func (mm *MemoryManager) writeIovecs(iovs []PhysicalIoVec, src []byte) {
	off := 0
	for _, iov := range iovs {
		mm.mf.WriteFrame(iov.Addr, src[off:off+iov.Len])
		off += iov.Len
	}
}

// CopyDataIn copies len(dst) bytes from the guest address addr into dst.
func (mm *MemoryManager) CopyDataIn(addr hostarch.Addr, dst []byte) (int, error) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	iovs, err := mm.v2pLocked(addr, uint64(len(dst)), false)
	if err != nil {
		return 0, err
	}
	copy(dst, mm.bytesFromIovecs(iovs))
	return len(dst), nil
}

// CopyDataOut copies src into the guest address addr.
func (mm *MemoryManager) CopyDataOut(addr hostarch.Addr, src []byte) (int, error) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()
	iovs, err := mm.v2pLocked(addr, uint64(len(src)), true)
	if err != nil {
		return 0, err
	}
	mm.writeIovecs(iovs, src)
	return len(src), nil
}

// CopyOutSlice copies src into the guest address addr, failing with
// ERANGE if the destination is smaller than src.
func (mm *MemoryManager) CopyOutSlice(addr hostarch.Addr, src []byte, dstLen int) (int, error) {
	if dstLen < len(src) {
		return 0, fmt.Errorf("mm: CopyOutSlice: %w", ERANGE)
	}
	return mm.CopyDataOut(addr, src)
}

// SwapObj atomically (under the metadata lock) reads the bytes at addr,
// then writes newVal, returning the bytes observed before the write.
func (mm *MemoryManager) SwapObj(addr hostarch.Addr, newVal []byte) ([]byte, error) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	iovs, err := mm.v2pLocked(addr, uint64(len(newVal)), true)
	if err != nil {
		return nil, err
	}
	old := mm.bytesFromIovecs(iovs)
	mm.writeIovecs(iovs, newVal)
	return old, nil
}

// CompareAndSwap reads the bytes at addr; if they equal old, writes new
// in their place. It always returns the value observed before the write.
func (mm *MemoryManager) CompareAndSwap(addr hostarch.Addr, old, newVal []byte) ([]byte, error) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	iovs, err := mm.v2pLocked(addr, uint64(len(newVal)), true)
	if err != nil {
		return nil, err
	}
	observed := mm.bytesFromIovecs(iovs)
	if bytes.Equal(observed, old) {
		mm.writeIovecs(iovs, newVal)
	}
	return observed, nil
}

// CopyInString copies up to maxlen bytes starting at addr, stopping at the
// first NUL. If no NUL is found within maxlen bytes, it returns the full
// slice read so far along with ENAMETOOLONG.
func (mm *MemoryManager) CopyInString(addr hostarch.Addr, maxlen int) (string, error) {
	mm.metadataMu.Lock()
	defer mm.metadataMu.Unlock()

	buf := make([]byte, 0, maxlen)
	cur := addr
	for len(buf) < maxlen {
		chunk := hostarch.PageSize - uint64(cur-cur.RoundDown())
		remaining := uint64(maxlen - len(buf))
		if chunk > remaining {
			chunk = remaining
		}
		iovs, err := mm.v2pLocked(cur, chunk, false)
		if err != nil {
			return "", err
		}
		page := mm.bytesFromIovecs(iovs)
		if i := bytes.IndexByte(page, 0); i >= 0 {
			buf = append(buf, page[:i]...)
			return string(buf), nil
		}
		buf = append(buf, page...)
		cur += hostarch.Addr(chunk)
	}
	return string(buf), fmt.Errorf("mm: CopyInString: %w", ENAMETOOLONG)
}

// CopyOutString writes s followed by a NUL terminator to addr, failing
// with ERANGE if s plus its terminator doesn't fit in maxlen.
func (mm *MemoryManager) CopyOutString(addr hostarch.Addr, s string, maxlen int) error {
	if len(s)+1 > maxlen {
		return fmt.Errorf("mm: CopyOutString: %w", ERANGE)
	}
	buf := append([]byte(s), 0)
	_, err := mm.CopyDataOut(addr, buf)
	return err
}

// CopyInVector reads a NULL-terminated array of guest pointers at addr,
// then the string at each pointer, stopping after maxElem elements or
// when the maxTotal byte budget (decremented by len+1 per element) is
// exhausted, in which case it returns ENOMEM.
func (mm *MemoryManager) CopyInVector(addr hostarch.Addr, maxElem int, maxTotal int) ([]string, error) {
	if addr == 0 {
		return nil, nil
	}

	var out []string
	budget := maxTotal
	ptrSize := hostarch.Addr(8)
	for i := 0; i < maxElem; i++ {
		var ptrBuf [8]byte
		if _, err := mm.CopyDataIn(addr+hostarch.Addr(i)*ptrSize, ptrBuf[:]); err != nil {
			return nil, err
		}
		ptr := hostarch.Addr(leUint64(ptrBuf[:]))
		if ptr == 0 {
			return out, nil
		}
		s, err := mm.CopyInString(ptr, budget)
		if errors.Is(err, ENAMETOOLONG) {
			return nil, fmt.Errorf("mm: CopyInVector: %w", ENOMEM)
		} else if err != nil {
			return nil, err
		}
		budget -= len(s) + 1
		if budget < 0 {
			return nil, fmt.Errorf("mm: CopyInVector: %w", ENOMEM)
		}
		out = append(out, s)
	}
	return out, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
