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

import "errors"

// Sentinel errors returned across the MM's exported boundary. Callers
// compare against these with errors.Is; the MM itself only ever wraps them
// with fmt.Errorf("...: %w", ...) for additional context.
var (
	// EFAULT is returned when a user-memory access targets an address with
	// no mapping, or a mapping that doesn't permit the requested access.
	EFAULT = errors.New("bad address")

	// ENOMEM is returned when MapAnon/MapFile find the range occupied or
	// over RLIMIT_AS, when the fault path cannot allocate a physical frame,
	// and when CopyInVector's byte budget runs out.
	ENOMEM = errors.New("out of memory")

	// ENAMETOOLONG is returned when CopyInString's buffer bound is exceeded
	// before a NUL terminator is found.
	ENAMETOOLONG = errors.New("name too long")

	// ERANGE is returned when a source does not fit the caller's
	// destination (CopyOutSlice with dstLen < len(src), CopyOutString with
	// a string plus terminator longer than maxlen).
	ERANGE = errors.New("argument out of range")

	// ErrNotFileBacked is returned by PageTables.ResetFileMapping when
	// called against a leaf with no backing Mappable, per spec.md §9's
	// direction to replace that case's original panic with a typed error.
	ErrNotFileBacked = errors.New("pagetables: leaf not file-backed")
)

// errAddressNotMapped is an internal-only sentinel meaning "no page-table
// leaf here", returned by PageTables.VirtualToPhy and GetAddresses. The
// fault and copy paths handle it by installing a page, or translate it to
// EFAULT, so FixPermission and the user-memory copy functions never return
// it, per spec.md §7's taxonomy of "sentinel errors vs. internal-only
// states."
var errAddressNotMapped = errors.New("mm: address not mapped")

// structural violations (refcount underflow, double-remove of a segment
// that isn't present, overlapping interval insert) are not representable
// as ordinary error returns: they indicate the MM itself is in violation
// of its own invariants, not that the caller supplied bad input. Following
// the teacher's convention elsewhere in the sentry package, these panic
// with a descriptive message rather than returning an error. See
// intervalset.go and pagetables.go for the panic sites.
