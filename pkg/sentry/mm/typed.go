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
	"encoding/binary"
	"fmt"

	"github.com/quarksandbox/sentry/pkg/hostarch"
)

// CopyInObj copies sizeof(T) bytes from the guest address addr and decodes
// them into a T, per spec.md §4.4's CopyInObj<T>. T must be a fixed-size
// plain value type with no interior references — anything
// encoding/binary's fixed-size codec accepts.
//
// Go methods can't carry their own type parameters, so this and its
// siblings below are free functions over *MemoryManager rather than
// methods, the only shape Go 1.22 generics allow here.
func CopyInObj[T any](mm *MemoryManager, addr hostarch.Addr) (T, error) {
	var val T
	size := binary.Size(val)
	if size < 0 {
		return val, fmt.Errorf("mm: CopyInObj: type %T is not a fixed-size value type", val)
	}
	buf := make([]byte, size)
	if _, err := mm.CopyDataIn(addr, buf); err != nil {
		return val, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &val); err != nil {
		return val, fmt.Errorf("mm: CopyInObj: %w", err)
	}
	return val, nil
}

// CopyOutObj encodes val and writes it to the guest address addr, per
// spec.md §4.4's CopyOutObj<T>.
func CopyOutObj[T any](mm *MemoryManager, addr hostarch.Addr, val T) (int, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, val); err != nil {
		return 0, fmt.Errorf("mm: CopyOutObj: %w", err)
	}
	return mm.CopyDataOut(addr, buf.Bytes())
}

// CopyInVec reads count contiguous values of type T starting at addr, per
// spec.md §4.4's CopyInVec<T>(count).
func CopyInVec[T any](mm *MemoryManager, addr hostarch.Addr, count int) ([]T, error) {
	var zero T
	size := binary.Size(zero)
	if size < 0 {
		return nil, fmt.Errorf("mm: CopyInVec: type %T is not a fixed-size value type", zero)
	}
	buf := make([]byte, size*count)
	if _, err := mm.CopyDataIn(addr, buf); err != nil {
		return nil, err
	}
	out := make([]T, count)
	r := bytes.NewReader(buf)
	for i := range out {
		if err := binary.Read(r, binary.LittleEndian, &out[i]); err != nil {
			return nil, fmt.Errorf("mm: CopyInVec: %w", err)
		}
	}
	return out, nil
}

// CopyOutSlice writes every element of src contiguously starting at addr,
// per spec.md §4.4's CopyOutSlice<T>(len). It fails with ERANGE if dstLen
// is smaller than len(src), the same check the byte-oriented
// (*MemoryManager).CopyOutSlice makes.
func CopyOutSlice[T any](mm *MemoryManager, addr hostarch.Addr, src []T, dstLen int) (int, error) {
	if dstLen < len(src) {
		return 0, fmt.Errorf("mm: CopyOutSlice: %w", ERANGE)
	}
	var buf bytes.Buffer
	for _, v := range src {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			return 0, fmt.Errorf("mm: CopyOutSlice: %w", err)
		}
	}
	return mm.CopyDataOut(addr, buf.Bytes())
}
