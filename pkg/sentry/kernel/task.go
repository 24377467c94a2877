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
	"fmt"

	"nanovisor.dev/nanovisor/pkg/hostarch"
	"nanovisor.dev/nanovisor/pkg/sentry/arch"
)

// TaskFlags classify a task.
type TaskFlags uint32

const (
	// TaskTypeUser marks a normal user task.
	TaskTypeUser TaskFlags = 0x0

	// TaskTypeKernel marks a kernel task.
	TaskTypeKernel TaskFlags = 0x1

	// TaskTypeMask selects the task classification bits.
	TaskTypeMask TaskFlags = 0x3
)

// taskState tracks where a task is in its lifecycle.
type taskState int

const (
	// taskCreated means the task exists but is not yet schedulable.
	taskCreated taskState = iota

	// taskRunnable means the task is visible to the scheduler.
	taskRunnable

	// taskExited means the task has exited and released its resources.
	taskExited
)

// Task is the kernel's per-task state record: saved registers, stack
// bounds, and classification flags.
//
// Until Start succeeds, a Task is owned exclusively by its creator and
// is invisible to the scheduler; no synchronization applies to its
// fields. Start transfers ownership to the scheduler, and releaseTask
// transfers it to the deallocator. Exactly one of the two happens.
type Task struct {
	// tid is the task's identifier. Immutable.
	tid ThreadID

	// name is the task's symbolic name. Immutable.
	name string

	// flags classify the task. Immutable.
	flags TaskFlags

	// k is the owning kernel. Immutable.
	k *Kernel

	// parent is the creating task; nil for a root task. Immutable.
	parent *Task

	// arch is the task's saved execution context.
	arch arch.State

	// stack is the task's stack region; the zero range when no stack is
	// attached. adjStackTop and adjStackSize describe the usable window
	// after alignment: the top is stack.End aligned down to the stack
	// alignment granularity.
	stack        hostarch.AddrRange
	adjStackTop  hostarch.Addr
	adjStackSize uint32

	// state tracks the lifecycle; see taskState.
	state taskState

	// released is set by releaseTask; a second release is a bug.
	released bool
}

// TID returns the task's identifier.
func (t *Task) TID() ThreadID {
	return t.tid
}

// Name returns the task's name.
func (t *Task) Name() string {
	return t.name
}

// Flags returns the task's classification flags.
func (t *Task) Flags() TaskFlags {
	return t.flags
}

// Parent returns the creating task, or nil.
func (t *Task) Parent() *Task {
	return t.parent
}

// Arch returns the task's saved execution context.
func (t *Task) Arch() *arch.State {
	return &t.arch
}

// StackRange returns the task's stack region; the zero range when no
// stack is attached.
func (t *Task) StackRange() hostarch.AddrRange {
	return t.stack
}

// StackTop returns the adjusted initial stack pointer.
func (t *Task) StackTop() hostarch.Addr {
	return t.adjStackTop
}

// StackSize returns the adjusted usable stack size.
func (t *Task) StackSize() uint32 {
	return t.adjStackSize
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	return fmt.Sprintf("%s(%d)", t.name, t.tid)
}
