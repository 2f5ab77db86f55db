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

import specs "github.com/opencontainers/runtime-spec/specs-go"

// Policy carries the MM-affecting configuration loaded by the config
// package (C8) and installed with MemoryManager.SetPolicy.
type Policy struct {
	// RLimitAS mirrors RLIMIT_AS: the soft cap on usageAS that MapAnon and
	// MapFile enforce; Fork does not check it. It is typed via the OCI runtime-spec's POSIXRlimit so the
	// config layer speaks the same vocabulary as a container runtime spec,
	// even though this MM only reads the Soft field.
	RLimitAS specs.POSIXRlimit

	// InheritMountNS resolves the Open Question in spec.md §9:
	// Kernel.CreateProcess (out of scope for this package) hands the
	// current task's mount namespace and fs context to a newly created
	// thread group. Whether that's intentional sharing or a bug wasn't
	// clear from the original source, so it is made an explicit,
	// configurable decision here instead of an assumption baked into the
	// process layer. This package does not implement CreateProcess; the
	// field exists so that a future process-model package has a policy to
	// consult rather than a guess to make.
	InheritMountNS bool
}

// DefaultPolicy returns the policy used when none is loaded from
// configuration: an effectively unbounded RLIMIT_AS and mount-namespace
// inheritance off, matching a freshly booted guest kernel with no
// namespace to inherit from.
func DefaultPolicy() Policy {
	return Policy{
		RLimitAS: specs.POSIXRlimit{
			Type: "RLIMIT_AS",
			Soft: ^uint64(0),
			Hard: ^uint64(0),
		},
		InheritMountNS: false,
	}
}
