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
	"fmt"
	"strings"

	"github.com/quarksandbox/sentry/pkg/hostarch"
)

// vsyscallLine is the fixed trailing entry every /proc/*/maps snapshot
// ends with, per spec.md §4.3.1.
const vsyscallLine = "ffffffffff600000-ffffffffff601000 --xp 00000000 00:00 0\n"

// namePadding is the run of literal spaces every maps line carries between
// its numeric fields and the optional mapped-name column, per spec.md §8's
// S5 scenario (73 spaces, unconditionally, whether or not a name follows).
const namePadding = 73

// GenMapsSnapshot renders this MM's non-kernel vmas as /proc/*/maps text.
func (mm *MemoryManager) GenMapsSnapshot() string {
	mm.metadataMu.RLock()
	defer mm.metadataMu.RUnlock()

	var b strings.Builder
	for seg := mm.vmas.FirstSegment(); seg.Ok(); seg = seg.NextSegment() {
		v := seg.Value()
		if v.kernel {
			continue
		}
		ar := seg.Range()

		privateOrShared := byte('p')
		if !v.private {
			privateOrShared = 's'
		}
		perms := fmt.Sprintf("%s%c", v.effectivePerms.String(), privateOrShared)

		major, minor, inode := uint32(0), uint32(0), uint64(0)
		name := ""
		if id := v.id; id != nil {
			major, minor, inode = id.DeviceMajor, id.DeviceMinor, id.InodeID
			name = id.MappedName
		} else if v.hint != "" {
			name = v.hint
		}

		line := fmt.Sprintf("%08x-%08x %s %08x %02x:%02x %d", ar.Start, ar.End, perms, v.offset, major, minor, inode)
		line += strings.Repeat(" ", namePadding)
		line += name
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(vsyscallLine)
	return b.String()
}

// GenStatmSnapshot renders this MM's RSS/VSS accounting as /proc/*/statm
// text: "{vss_pages} {rss_pages} 0 0 0 0 0\n", per spec.md §6.
func (mm *MemoryManager) GenStatmSnapshot() string {
	mm.metadataMu.RLock()
	defer mm.metadataMu.RUnlock()

	vssPages := mm.usageAS / hostarch.PageSize
	rssPages := mm.curRSS / hostarch.PageSize
	return fmt.Sprintf("%d %d 0 0 0 0 0\n", vssPages, rssPages)
}
