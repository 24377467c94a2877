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

package kernel

import (
	"nanovisor.dev/nanovisor/pkg/errors/kernelerr"
	"nanovisor.dev/nanovisor/pkg/hostarch"
	"nanovisor.dev/nanovisor/pkg/log"
	"nanovisor.dev/nanovisor/pkg/sentry/arch"
)

// TaskConfig defines the configuration of a new Task.
type TaskConfig struct {
	// Name is the task's symbolic name.
	Name string

	// Parent is the new task's parent. Parent may be nil.
	Parent *Task

	// Flags classify the new task.
	Flags TaskFlags

	// EntryPoint is the address at which the task begins or resumes
	// execution.
	EntryPoint hostarch.Addr
}

// NewTask creates a task defined by cfg and registers it. The task has
// no stack and is not schedulable until Start is called; on any failure
// after NewTask succeeds the creator must call releaseTask exactly once.
//
// The register file is seeded with zeroes and the entry point.
func (k *Kernel) NewTask(cfg *TaskConfig) (*Task, error) {
	t := &Task{
		name:   cfg.Name,
		flags:  cfg.Flags,
		k:      k,
		parent: cfg.Parent,
		state:  taskCreated,
	}
	tid, err := k.tasks.assignTID(t)
	if err != nil {
		return nil, err
	}
	t.tid = tid
	t.arch.InitRegs(cfg.EntryPoint)
	return t, nil
}

// CreateTask creates a task with its own fresh stack and makes it
// runnable. This is the path for root tasks; vfork children go through
// Kernel.Vfork instead.
func (k *Kernel) CreateTask(cfg *TaskConfig, stackSize uint32) (*Task, error) {
	t, err := k.NewTask(cfg)
	if err != nil {
		return nil, err
	}
	if err := k.allocateStack(t, stackSize, cfg.Flags); err != nil {
		k.releaseTask(t, err)
		return nil, err
	}
	t.arch.Regs.Set(arch.RegSP, uint32(t.adjStackTop))
	if err := t.Start(); err != nil {
		return nil, err
	}
	return t, nil
}

// Start makes t visible to the scheduler. On failure, Start releases t
// itself and returns a translated error; the caller must not use t
// afterwards.
func (t *Task) Start() error {
	if err := t.k.enqueue(t); err != nil {
		t.k.releaseTask(t, err)
		return kernelerr.EAGAIN
	}
	t.state = taskRunnable
	return nil
}

// releaseTask releases everything t owns: its stack region and its task
// ID. It must be called exactly once, and only for a task that never
// became schedulable or has exited; releasing twice panics, since that
// means two owners believed they held the task.
func (k *Kernel) releaseTask(t *Task, reason error) {
	if t.released {
		panic("task released twice")
	}
	t.released = true
	if reason != nil {
		log.Warningf("releasing %v: %v", t, reason)
	}
	k.freeStack(t)
	k.tasks.remove(t.tid)
}
