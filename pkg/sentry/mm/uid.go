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

import "sync/atomic"

// uidGenerator is the process-wide UID service (C7): a monotonic 64-bit
// identifier allocator for MM instances, starting at 1. Overflow is
// treated as unreachable, per spec.md §3.
type uidGenerator struct {
	next atomic.Uint64
}

var globalUIDs uidGenerator

func init() {
	globalUIDs.next.Store(1)
}

// NextMemoryManagerID returns the next process-wide unique MM id.
func NextMemoryManagerID() uint64 {
	return globalUIDs.next.Add(1) - 1
}
