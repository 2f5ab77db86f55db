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

// Package config implements the MM-affecting policy loader (C8): reads
// RLIMIT_AS and the mount-namespace-inheritance flag from a TOML file, and
// takes a best-effort, diagnostic-only read of the host cgroup's
// memory.max for operator visibility. Neither this package nor the MM ever
// enforces against the cgroup value; see SPEC_FULL.md's Non-goals.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"

	"github.com/quarksandbox/sentry/pkg/sentry/mm"
)

// fileFormat mirrors the TOML document shape on disk.
type fileFormat struct {
	RLimitASSoft   uint64 `toml:"rlimit_as_soft"`
	RLimitASHard   uint64 `toml:"rlimit_as_hard"`
	InheritMountNS bool   `toml:"inherit_mount_ns"`
}

// Load reads path and returns the decoded Policy. A missing RLimitAS
// field keeps DefaultPolicy's unbounded value.
func Load(path string) (mm.Policy, error) {
	var ff fileFormat
	if _, err := toml.DecodeFile(path, &ff); err != nil {
		return mm.Policy{}, fmt.Errorf("config: Load: %w", err)
	}

	p := mm.DefaultPolicy()
	p.InheritMountNS = ff.InheritMountNS
	if ff.RLimitASSoft != 0 {
		p.RLimitAS = specs.POSIXRlimit{
			Type: "RLIMIT_AS",
			Soft: ff.RLimitASSoft,
			Hard: ff.RLimitASHard,
		}
	}
	return p, nil
}

// LogCgroupMemoryLimit performs a best-effort read of the calling
// process's cgroup memory.max and logs it at info level. It never returns
// an error to the caller: a container runtime's cgroup hierarchy (or lack
// of one, e.g. when running outside a container) is diagnostic context
// only, never an enforcement input — memory cgroups remain out of scope
// per spec.md's Non-goals.
func LogCgroupMemoryLimit() {
	cg, err := cgroups.Load(cgroups.V1, cgroups.RootPath)
	if err != nil {
		logrus.WithError(err).Debug("config: no host cgroup available for diagnostic memory.max read")
		return
	}
	stat, err := cg.Stat()
	if err != nil {
		logrus.WithError(err).Debug("config: failed reading host cgroup stats")
		return
	}
	if stat.Memory == nil {
		return
	}
	logrus.WithField("memory_max_bytes", stat.Memory.Usage.Limit).
		Info("config: host cgroup memory limit (diagnostic only, not enforced)")
}
