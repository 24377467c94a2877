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

// Package kernel implements the emulated kernel: tasks, their stacks,
// and the primitives that create and schedule them.
package kernel

import (
	"fmt"
	"sync"

	"nanovisor.dev/nanovisor/pkg/errors/kernelerr"
	"nanovisor.dev/nanovisor/pkg/hostarch"
	"nanovisor.dev/nanovisor/pkg/memutil"
	"nanovisor.dev/nanovisor/pkg/metric"
	"nanovisor.dev/nanovisor/pkg/sentry/pgalloc"
	"nanovisor.dev/nanovisor/pkg/usermem"
)

// Options configures a Kernel.
type Options struct {
	// MemorySize is the size of guest memory in bytes. It must be a
	// non-zero multiple of the page size.
	MemorySize uint32

	// MaxTasks bounds the number of live tasks. Zero means
	// DefaultMaxTasks.
	MaxTasks int

	// Metrics receives stack accounting and vfork events. It may be
	// nil, in which case nothing is recorded.
	Metrics *metric.Collector
}

// DefaultMaxTasks is the default bound on live tasks.
const DefaultMaxTasks = 64

// Kernel owns all emulated machine state: guest memory, the stack
// allocator, and the set of tasks.
type Kernel struct {
	// backing is the host mapping behind guest memory.
	backing []byte

	// mem exposes guest memory. Guest addresses are offsets into
	// backing; page zero is never handed out.
	mem *usermem.BytesIO

	// stackAlloc hands out stack regions from guest memory.
	stackAlloc *pgalloc.Allocator

	// tasks is the set of live tasks.
	tasks *taskSet

	// metrics may be nil.
	metrics *metric.Collector

	// runMu protects the fields below.
	runMu sync.Mutex

	// runQueue holds runnable tasks in FIFO order.
	//
	// +checklocks:runMu
	runQueue []*Task

	// shuttingDown is set once Shutdown is called; no new task can be
	// made runnable after that.
	//
	// +checklocks:runMu
	shuttingDown bool
}

// New creates a Kernel with opts.
func New(opts Options) (*Kernel, error) {
	if opts.MemorySize == 0 || opts.MemorySize%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("memory size %#x is not a multiple of the page size", opts.MemorySize)
	}
	if opts.MemorySize < 2*hostarch.PageSize {
		return nil, fmt.Errorf("memory size %#x leaves no room for stacks", opts.MemorySize)
	}
	backing, err := memutil.MapSlice(uintptr(opts.MemorySize))
	if err != nil {
		return nil, fmt.Errorf("mapping guest memory: %w", err)
	}
	maxTasks := opts.MaxTasks
	if maxTasks == 0 {
		maxTasks = DefaultMaxTasks
	}
	k := &Kernel{
		backing:    backing,
		mem:        &usermem.BytesIO{Bytes: backing},
		stackAlloc: pgalloc.New(hostarch.AddrRange{Start: hostarch.PageSize, End: hostarch.Addr(opts.MemorySize)}),
		tasks:      newTaskSet(maxTasks),
		metrics:    opts.Metrics,
	}
	return k, nil
}

// Release unmaps guest memory. The Kernel must not be used afterwards.
func (k *Kernel) Release() error {
	backing := k.backing
	k.backing = nil
	k.mem = nil
	if backing == nil {
		return nil
	}
	return memutil.UnmapSlice(backing)
}

// Memory returns the guest memory.
func (k *Kernel) Memory() usermem.IO {
	return k.mem
}

// TaskCount returns the number of live tasks.
func (k *Kernel) TaskCount() int {
	return k.tasks.count()
}

// TaskWithID returns the task with the given ID, or nil.
func (k *Kernel) TaskWithID(tid ThreadID) *Task {
	return k.tasks.lookup(tid)
}

// StackBytesFree returns the number of guest memory bytes available for
// new stacks.
func (k *Kernel) StackBytesFree() uint32 {
	return k.stackAlloc.TotalFree()
}

// Shutdown prevents any further task from becoming runnable. Live tasks
// are unaffected.
func (k *Kernel) Shutdown() {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	k.shuttingDown = true
}

// enqueue makes t runnable. It fails once the kernel is shutting down.
func (k *Kernel) enqueue(t *Task) error {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	if k.shuttingDown {
		return kernelerr.EAGAIN
	}
	k.runQueue = append(k.runQueue, t)
	return nil
}

// dequeue removes t from the run queue, if present.
func (k *Kernel) dequeue(t *Task) {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	for i, qt := range k.runQueue {
		if qt == t {
			k.runQueue = append(k.runQueue[:i], k.runQueue[i+1:]...)
			return
		}
	}
}

// RunnableCount returns the number of runnable tasks.
func (k *Kernel) RunnableCount() int {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	return len(k.runQueue)
}

// isRunnable reports whether t is on the run queue.
func (k *Kernel) isRunnable(t *Task) bool {
	k.runMu.Lock()
	defer k.runMu.Unlock()
	for _, qt := range k.runQueue {
		if qt == t {
			return true
		}
	}
	return false
}

// allocateStack allocates a stack of at least size bytes for t,
// classified by the task-type bits of flags, and attaches it. The
// adjusted stack top is the region end aligned down to the stack
// alignment granularity.
func (k *Kernel) allocateStack(t *Task, size uint32, flags TaskFlags) error {
	kind := pgalloc.User
	if flags&TaskTypeMask == TaskTypeKernel {
		kind = pgalloc.Kernel
	}
	r, err := k.stackAlloc.Allocate(size, kind)
	if err != nil {
		return err
	}
	top := r.End.StackRoundDown()
	t.stack = r
	t.adjStackTop = top
	t.adjStackSize = uint32(top - r.Start)

	// Attribute the region to its owner so stack memory is accounted
	// apart from general heap usage.
	k.metrics.NoteStackAllocated(int32(t.tid), r.Length())
	return nil
}

// freeStack detaches and returns t's stack region, if any.
func (k *Kernel) freeStack(t *Task) {
	if t.stack.Length() == 0 {
		return
	}
	r := t.stack
	t.stack = hostarch.AddrRange{}
	t.adjStackTop = 0
	t.adjStackSize = 0
	k.stackAlloc.Free(r)
	k.metrics.NoteStackReleased(int32(t.tid), r.Length())
}
