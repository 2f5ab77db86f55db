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
	"github.com/sirupsen/logrus"

	"github.com/quarksandbox/sentry/pkg/hostarch"
)

// logFault logs a page-install decision at debug level: address, whether
// the vma backing it is anonymous or file-backed, and whether the install
// resolved a COW fault or mapped a fresh page. This is C9's hook into the
// fault path (SPEC_FULL.md §4.3).
func (mm *MemoryManager) logFault(addr hostarch.Addr, kind string, cow bool) {
	mm.log.WithFields(logrus.Fields{
		"addr": addr.String(),
		"kind": kind,
		"cow":  cow,
	}).Debug("mm: page fault resolved")
}

// logFork logs a completed Fork at debug level: child id and the number of
// vmas carried over.
func (mm *MemoryManager) logFork(childID uint64, nVMAs int) {
	mm.log.WithFields(logrus.Fields{
		"child": childID,
		"vmas":  nVMAs,
	}).Debug("mm: forked")
}
