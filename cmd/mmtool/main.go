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

// Command mmtool is a manual smoke-testing harness (C10) that exercises
// Init, an anonymous MapAnon, a write fault via FixPermission, Fork, and
// GenMapsSnapshot, without any syscall or loader plumbing around it. It
// does not call PopulateVMA or Clear and maps no Mappable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/quarksandbox/sentry/pkg/hostarch"
	"github.com/quarksandbox/sentry/pkg/sentry/mm"
	"github.com/quarksandbox/sentry/pkg/sentry/pgalloc"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&demoCmd{}, "")
	flag.Parse()
	logrus.SetLevel(logrus.InfoLevel)
	os.Exit(int(subcommands.Execute(context.Background())))
}

type demoCmd struct {
	addr uint64
}

func (*demoCmd) Name() string     { return "demo" }
func (*demoCmd) Synopsis() string { return "fault in a page, fork, and print a maps snapshot" }
func (*demoCmd) Usage() string {
	return "demo [-addr=0x40000000]\n  Walks an MM through Init, a write fault, Fork, and GenMapsSnapshot.\n"
}

func (c *demoCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.addr, "addr", 0x40000000, "guest-virtual address to fault in")
}

func (c *demoCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mf, err := pgalloc.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "pgalloc.New:", err)
		return subcommands.ExitFailure
	}
	mm.InitKernelPageTable(mm.NewPageTables(mf))

	m := mm.Empty(mm.NextMemoryManagerID())
	if err := m.Init(mf); err != nil {
		fmt.Fprintln(os.Stderr, "Init:", err)
		return subcommands.ExitFailure
	}

	addr := hostarch.Addr(c.addr)
	if err := m.MapAnon(addr, addr+2*hostarch.PageSize, hostarch.ReadWriteAccess, true, "[heap]"); err != nil {
		fmt.Fprintln(os.Stderr, "MapAnon:", err)
		return subcommands.ExitFailure
	}

	if _, err := m.FixPermission(addr, hostarch.PageSize, true, false); err != nil {
		fmt.Fprintln(os.Stderr, "FixPermission:", err)
		return subcommands.ExitFailure
	}

	child, err := m.Fork()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Fork:", err)
		return subcommands.ExitFailure
	}

	fmt.Print(m.GenMapsSnapshot())
	fmt.Println("---- child ----")
	fmt.Print(child.GenMapsSnapshot())
	return subcommands.ExitSuccess
}
