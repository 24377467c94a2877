// Copyright 2024 The Nanovisor Authors.
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

package main

import (
	"context"
	"encoding/binary"
	"flag"
	"net/http"

	"github.com/google/subcommands"

	nvcontext "nanovisor.dev/nanovisor/pkg/context"
	"nanovisor.dev/nanovisor/pkg/hostarch"
	"nanovisor.dev/nanovisor/pkg/log"
	"nanovisor.dev/nanovisor/pkg/metric"
	"nanovisor.dev/nanovisor/pkg/sentry/arch"
	"nanovisor.dev/nanovisor/pkg/sentry/kernel"
)

// runCmd implements subcommands.Command for the "run" command.
type runCmd struct {
	// configPath is the workload description file. Empty means the
	// built-in default workload.
	configPath string

	// metricsAddr, if set, serves Prometheus metrics over HTTP after
	// the workload completes.
	metricsAddr string
}

// Name implements subcommands.Command.Name.
func (*runCmd) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*runCmd) Synopsis() string {
	return "boot a kernel and run a workload"
}

// Usage implements subcommands.Command.Usage.
func (*runCmd) Usage() string {
	return `run [flags] - boot a kernel and run the configured workload.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "TOML workload description. Empty means a built-in demo workload.")
	f.StringVar(&r.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on after the workload completes. Empty disables serving.")
}

// Execute implements subcommands.Command.Execute.
func (r *runCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	conf := defaultConfig()
	if r.configPath != "" {
		var err error
		conf, err = loadConfig(r.configPath)
		if err != nil {
			Fatalf("error loading config %q: %v", r.configPath, err)
		}
	}
	if err := conf.fillDefaults(); err != nil {
		Fatalf("invalid config: %v", err)
	}

	m := metric.New()
	k, err := kernel.New(kernel.Options{
		MemorySize: conf.MemorySize,
		MaxTasks:   conf.MaxTasks,
		Metrics:    m,
	})
	if err != nil {
		Fatalf("error creating kernel: %v", err)
	}
	defer k.Release()

	ctx := nvcontext.Background()
	for _, tc := range conf.Tasks {
		if err := runTask(ctx, k, conf, tc); err != nil {
			Fatalf("error running task %q: %v", tc.Name, err)
		}
	}

	log.Infof("workload done: %d tasks live, %#x stack bytes free", k.TaskCount(), k.StackBytesFree())

	if r.metricsAddr != "" {
		log.Infof("serving metrics on %s", r.metricsAddr)
		if err := http.ListenAndServe(r.metricsAddr, m.Handler()); err != nil {
			Fatalf("error serving metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// runTask creates one root task and runs it through its forks. Each
// child inspects its registers and exits, the way a real vfork child
// would exec or exit immediately.
func runTask(ctx nvcontext.Context, k *kernel.Kernel, conf *config, tc taskConfig) error {
	var flags kernel.TaskFlags
	if tc.Kernel {
		flags = kernel.TaskTypeKernel
	}
	parent, err := k.CreateTask(&kernel.TaskConfig{
		Name:       tc.Name,
		Flags:      flags,
		EntryPoint: hostarch.Addr(tc.EntryPoint),
	}, conf.StackSize)
	if err != nil {
		return err
	}
	log.Infof("created %v: stack %v, entry %#x", parent, parent.StackRange(), tc.EntryPoint)

	for i := 0; i < tc.Forks; i++ {
		vctx, err := captureContext(ctx, k, parent)
		if err != nil {
			return err
		}
		tid, err := k.Vfork(ctx, parent, vctx)
		if err != nil {
			return err
		}
		child := k.TaskWithID(tid)
		log.Infof("forked %v: stack %v, resumes at %#x", child, child.StackRange(), child.Arch().Regs.PC())
		if err := child.Exit(); err != nil {
			return err
		}
	}
	return nil
}

// captureContext plays the part of the fork trampoline: it pushes a call
// frame onto the parent's stack and snapshots the registers a trampoline
// would capture at the fork call site. The link register carries the
// Thumb bit, as a BL from Thumb code would leave it.
func captureContext(ctx nvcontext.Context, k *kernel.Kernel, parent *kernel.Task) (*arch.VforkContext, error) {
	regs := &parent.Arch().Regs

	// An 8-word frame holding the return address, as if the caller had
	// just pushed it.
	frame := make([]byte, 32)
	binary.LittleEndian.PutUint32(frame[len(frame)-4:], regs.PC())

	sp := hostarch.Addr(regs.SP()) - hostarch.Addr(len(frame))
	if _, err := k.Memory().CopyOut(ctx, sp, frame); err != nil {
		return nil, err
	}
	regs.Set(arch.RegSP, uint32(sp))

	return &arch.VforkContext{
		R4:  regs.Get(arch.RegR4),
		R5:  regs.Get(arch.RegR5),
		R6:  regs.Get(arch.RegR6),
		R7:  regs.Get(arch.RegR7),
		R8:  regs.Get(arch.RegR8),
		R9:  regs.Get(arch.RegR9),
		R10: regs.Get(arch.RegR10),
		FP:  regs.SP() + uint32(len(frame)),
		SP:  regs.SP(),
		LR:  regs.PC() | 1,
	}, nil
}
