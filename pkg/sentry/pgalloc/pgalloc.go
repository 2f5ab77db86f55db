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

// Package pgalloc implements the page-frame allocator (C1): a refcounted
// pool of 4 KiB physical frames backed by an anonymous host mapping.
package pgalloc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/quarksandbox/sentry/pkg/hostarch"
)

// MemoryFile is the page-frame allocator. It hands out hostarch.PageSize
// frames and reference-counts them; frame 0 is never issued so that the
// zero value of a phys address can be used as a sentinel.
type MemoryFile struct {
	mu sync.Mutex

	arena []byte // anonymous host mapping backing every frame
	free  []uint32

	// refs[i] is the reference count of frame i. Indexed the same as
	// arena/hostarch.PageSize.
	refs []atomic.Uint32

	// limiter throttles allocation storms; backoff retries transient
	// exhaustion before AllocPage gives up with ENOMEM-equivalent error.
	limiter *rate.Limiter
}

// frameCount is the number of frames carved out of the arena. This is a
// fixed, modest pool: the MM's Non-goals explicitly exclude swap and
// compaction, so there's no reclaim path beyond refcount-reaching-zero.
const frameCount = 1 << 16 // 256 MiB of guest physical memory

// New creates a MemoryFile with its backing arena allocated via mmap.
func New() (*MemoryFile, error) {
	size := frameCount * hostarch.PageSize
	arena, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("pgalloc: mmap arena: %w", err)
	}
	mf := &MemoryFile{
		arena:   arena,
		refs:    make([]atomic.Uint32, frameCount),
		limiter: rate.NewLimiter(rate.Limit(frameCount), frameCount),
	}
	// Frame 0 is reserved as a not-a-frame sentinel.
	mf.refs[0].Store(1)
	mf.free = make([]uint32, 0, frameCount-1)
	for i := frameCount - 1; i >= 1; i-- {
		mf.free = append(mf.free, uint32(i))
	}
	return mf, nil
}

func (mf *MemoryFile) arenaBase() uintptr {
	return uintptr(unsafe.Pointer(&mf.arena[0]))
}

func (mf *MemoryFile) frameAddr(i uint32) uintptr {
	return mf.arenaBase() + uintptr(i)*hostarch.PageSize
}

// AllocPage allocates a single frame, zeroing it if requested, and returns
// it with a reference count of zero: the caller must IncRef it (directly,
// or implicitly via PageTables.MapPage) to establish ownership before the
// frame can be safely dropped back to the pool by a DecRef. It retries
// transient exhaustion with bounded backoff before giving up: this is the
// "allocator back-pressure" blocking point named in spec.md's concurrency
// model.
func (mf *MemoryFile) AllocPage(zeroed bool) (uintptr, error) {
	var phys uintptr
	op := func() error {
		if err := mf.limiter.Wait(context.Background()); err != nil {
			return backoff.Permanent(err)
		}
		mf.mu.Lock()
		if len(mf.free) == 0 {
			mf.mu.Unlock()
			return fmt.Errorf("pgalloc: frame pool exhausted")
		}
		i := mf.free[len(mf.free)-1]
		mf.free = mf.free[:len(mf.free)-1]
		mf.mu.Unlock()

		mf.refs[i].Store(0)
		phys = mf.frameAddr(i)
		if zeroed {
			mf.zeroFrame(i)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxElapsedTime = 50 * time.Millisecond
	if err := backoff.Retry(op, b); err != nil {
		return 0, fmt.Errorf("pgalloc: out of memory: %w", err)
	}
	return phys, nil
}

func (mf *MemoryFile) zeroFrame(i uint32) {
	start := uintptr(i) * hostarch.PageSize
	for j := range mf.arena[start : start+hostarch.PageSize] {
		mf.arena[start+uintptr(j)] = 0
	}
}

func (mf *MemoryFile) indexOf(phys uintptr) uint32 {
	return uint32((phys - mf.arenaBase()) / hostarch.PageSize)
}

// IncRef increments the reference count of the frame at phys.
func (mf *MemoryFile) IncRef(phys uintptr) {
	mf.refs[mf.indexOf(phys)].Add(1)
}

// DecRef decrements the reference count of the frame at phys, returning it
// to the free pool when it reaches zero. Dropping a frame that was never
// held is a structural violation and panics, per spec.md's error-handling
// policy for refcount underflow.
func (mf *MemoryFile) DecRef(phys uintptr) {
	i := mf.indexOf(phys)
	v := mf.refs[i].Add(^uint32(0)) // -1
	if v == ^uint32(0) {
		panic(fmt.Sprintf("pgalloc: DecRef underflow on frame %#x", phys))
	}
	if v == 0 {
		mf.mu.Lock()
		mf.free = append(mf.free, i)
		mf.mu.Unlock()
	}
}

// GetRef returns the current reference count of the frame at phys.
func (mf *MemoryFile) GetRef(phys uintptr) uint32 {
	return mf.refs[mf.indexOf(phys)].Load()
}

// ReadFrame copies the contents of the frame at phys into dst.
func (mf *MemoryFile) ReadFrame(phys uintptr, dst []byte) {
	i := mf.indexOf(phys)
	start := uintptr(i) * hostarch.PageSize
	copy(dst, mf.arena[start:start+hostarch.PageSize])
}

// WriteFrame copies src to the physical address phys, which may point
// anywhere inside a frame.
func (mf *MemoryFile) WriteFrame(phys uintptr, src []byte) {
	off := phys - mf.arenaBase()
	copy(mf.arena[off:off+uintptr(len(src))], src)
}

// CopyFrame copies the full contents of src into dst, a fresh frame, as
// used by CopyOnWriteLocked's divergence path.
func (mf *MemoryFile) CopyFrame(dst, src uintptr) {
	si, di := mf.indexOf(src), mf.indexOf(dst)
	sstart := uintptr(si) * hostarch.PageSize
	dstart := uintptr(di) * hostarch.PageSize
	copy(mf.arena[dstart:dstart+hostarch.PageSize], mf.arena[sstart:sstart+hostarch.PageSize])
}

// Bytes returns a slice over the n bytes of the arena starting at phys,
// used by the user-memory access layer to turn physical iovecs into byte
// slices.
func (mf *MemoryFile) Bytes(phys uintptr, n int) []byte {
	off := phys - mf.arenaBase()
	return mf.arena[off : off+uintptr(n)]
}
