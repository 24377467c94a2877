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
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"

	"nanovisor.dev/nanovisor/pkg/context"
	"nanovisor.dev/nanovisor/pkg/errors/kernelerr"
	"nanovisor.dev/nanovisor/pkg/hostarch"
	"nanovisor.dev/nanovisor/pkg/metric"
	"nanovisor.dev/nanovisor/pkg/sentry/arch"
)

const testStackSize = hostarch.PageSize

// newTestKernel returns a kernel with pages of stack window and a
// runnable parent task whose stack occupies the first window page,
// [0x1000, 0x2000).
func newTestKernel(t *testing.T, pages int, opts Options) (*Kernel, *Task) {
	t.Helper()
	opts.MemorySize = uint32((1 + pages) * hostarch.PageSize)
	k, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { k.Release() })

	parent, err := k.CreateTask(&TaskConfig{Name: "parent", EntryPoint: 0x8000}, testStackSize)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if got, want := parent.StackRange(), (hostarch.AddrRange{Start: 0x1000, End: 0x2000}); got != want {
		t.Fatalf("parent stack: got %v, want %v", got, want)
	}
	return k, parent
}

// pushParentStack writes pattern to the live window of parent's stack
// and returns a captured context whose SP points at it.
func pushParentStack(t *testing.T, k *Kernel, parent *Task, pattern []byte) *arch.VforkContext {
	t.Helper()
	sp := parent.StackTop() - hostarch.Addr(len(pattern))
	if _, err := k.mem.CopyOut(context.Background(), sp, pattern); err != nil {
		t.Fatalf("seeding parent stack: %v", err)
	}
	return &arch.VforkContext{
		R4: 0x44, R5: 0x55, R6: 0x66, R7: 0x77,
		R8: 0x88, R9: 0x99, R10: 0xaa,
		FP: uint32(parent.StackTop()) - 0x80,
		SP: uint32(sp),
		LR: 0x8061,
	}
}

func TestVfork(t *testing.T) {
	k, parent := newTestKernel(t, 4, Options{})
	pattern := bytes.Repeat([]byte{0xa5, 0x5a}, 0x80) // 0x100 bytes
	vctx := pushParentStack(t, k, parent, pattern)

	tid, err := k.Vfork(context.Background(), parent, vctx)
	if err != nil {
		t.Fatalf("Vfork: %v", err)
	}
	child := k.TaskWithID(tid)
	if child == nil {
		t.Fatalf("no task with ID %d", tid)
	}
	if !k.isRunnable(child) {
		t.Errorf("child is not runnable")
	}
	if child.Parent() != parent {
		t.Errorf("child parent: got %v, want %v", child.Parent(), parent)
	}

	// The child stack is the page after the parent's; its live window
	// carries the parent's bytes. Parent top 0x2000, SP 0x1f00, so
	// stackutil is 0x100 and the child resumes at 0x3000-0x100.
	if got, want := child.StackRange(), (hostarch.AddrRange{Start: 0x2000, End: 0x3000}); got != want {
		t.Fatalf("child stack: got %v, want %v", got, want)
	}
	wantSP := uint32(0x2f00)
	got := make([]byte, len(pattern))
	if _, err := k.mem.CopyIn(context.Background(), hostarch.Addr(wantSP), got); err != nil {
		t.Fatalf("reading child stack: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Errorf("child stack contents differ from parent's live window")
	}

	// Registers: captured callee-saved values, re-based SP and FP, a
	// zero return value, and the Thumb-masked entry point.
	wantRegs := arch.Registers{}
	wantRegs[arch.RegR4] = 0x44
	wantRegs[arch.RegR5] = 0x55
	wantRegs[arch.RegR6] = 0x66
	wantRegs[arch.RegR7] = 0x77
	wantRegs[arch.RegR8] = 0x88
	wantRegs[arch.RegR9] = 0x99
	wantRegs[arch.RegR10] = 0xaa
	wantRegs[arch.RegFP] = 0x2f80
	wantRegs[arch.RegSP] = wantSP
	wantRegs[arch.RegPC] = 0x8060
	if diff := cmp.Diff(wantRegs, child.Arch().Regs); diff != "" {
		t.Errorf("child registers mismatch (-want +got):\n%s", diff)
	}
	if got := child.Arch().Regs.Get(arch.RegR0); got != 0 {
		t.Errorf("child R0: got %#x, want 0", got)
	}
}

func TestVforkFramePointerOutsideWindow(t *testing.T) {
	k, parent := newTestKernel(t, 4, Options{})
	vctx := pushParentStack(t, k, parent, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	vctx.FP = 0 // omitted frame pointer

	tid, err := k.Vfork(context.Background(), parent, vctx)
	if err != nil {
		t.Fatalf("Vfork: %v", err)
	}
	child := k.TaskWithID(tid)
	if got := child.Arch().Regs.FP(); got != 0 {
		t.Errorf("child FP: got %#x, want 0 (copied unchanged)", got)
	}
}

func TestVforkReplicatesSyscallFrames(t *testing.T) {
	k, parent := newTestKernel(t, 4, Options{})
	frames := []arch.SyscallFrame{
		{Return: 0x8100, CPSR: 0x600000d3},
		{Return: 0x8200, CPSR: 0x60000010},
	}
	for _, f := range frames {
		if err := parent.Arch().PushSyscallFrame(f); err != nil {
			t.Fatalf("PushSyscallFrame: %v", err)
		}
	}
	vctx := pushParentStack(t, k, parent, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	tid, err := k.Vfork(context.Background(), parent, vctx)
	if err != nil {
		t.Fatalf("Vfork: %v", err)
	}
	child := k.TaskWithID(tid)
	if got, want := child.Arch().SyscallDepth(), len(frames); got != want {
		t.Errorf("child syscall depth: got %d, want %d", got, want)
	}
	if diff := cmp.Diff(parent.Arch().SyscallFrames(), child.Arch().SyscallFrames()); diff != "" {
		t.Errorf("replicated frames mismatch (-parent +child):\n%s", diff)
	}
}

func TestVforkSetupFailure(t *testing.T) {
	// Room for the parent only.
	k, parent := newTestKernel(t, 4, Options{MaxTasks: 1})
	vctx := pushParentStack(t, k, parent, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	if _, err := k.Vfork(context.Background(), parent, vctx); err != kernelerr.EAGAIN {
		t.Fatalf("Vfork: got %v, want EAGAIN", err)
	}
	if got := k.TaskCount(); got != 1 {
		t.Errorf("task count after setup failure: got %d, want 1", got)
	}
}

func TestVforkStackAllocationFailure(t *testing.T) {
	// One window page: the parent's stack consumes it entirely.
	k, parent := newTestKernel(t, 1, Options{})
	vctx := pushParentStack(t, k, parent, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	freeBefore := k.StackBytesFree()
	if _, err := k.Vfork(context.Background(), parent, vctx); err != kernelerr.ENOMEM {
		t.Fatalf("Vfork: got %v, want ENOMEM", err)
	}
	if got := k.TaskCount(); got != 1 {
		t.Errorf("task count after allocation failure: got %d, want 1", got)
	}
	if got := k.StackBytesFree(); got != freeBefore {
		t.Errorf("free stack bytes after allocation failure: got %#x, want %#x", got, freeBefore)
	}
}

func TestVforkTransferFailure(t *testing.T) {
	k, parent := newTestKernel(t, 4, Options{})
	// A captured SP below the parent's stack region computes a live
	// window larger than either stack.
	vctx := &arch.VforkContext{SP: uint32(parent.StackRange().Start) - 0x10, LR: 0x8061}

	freeBefore := k.StackBytesFree()
	if _, err := k.Vfork(context.Background(), parent, vctx); err != kernelerr.EFAULT {
		t.Fatalf("Vfork: got %v, want EFAULT", err)
	}
	if got := k.TaskCount(); got != 1 {
		t.Errorf("task count after transfer failure: got %d, want 1", got)
	}
	if got := k.StackBytesFree(); got != freeBefore {
		t.Errorf("free stack bytes after transfer failure: got %#x, want %#x", got, freeBefore)
	}
}

func TestVforkStartFailure(t *testing.T) {
	k, parent := newTestKernel(t, 4, Options{})
	vctx := pushParentStack(t, k, parent, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	k.Shutdown()
	freeBefore := k.StackBytesFree()
	if _, err := k.Vfork(context.Background(), parent, vctx); err != kernelerr.EAGAIN {
		t.Fatalf("Vfork: got %v, want EAGAIN", err)
	}
	if got := k.TaskCount(); got != 1 {
		t.Errorf("task count after start failure: got %d, want 1", got)
	}
	if got := k.StackBytesFree(); got != freeBefore {
		t.Errorf("free stack bytes after start failure: got %#x, want %#x", got, freeBefore)
	}
}

func TestVforkCorruptContextPanics(t *testing.T) {
	k, parent := newTestKernel(t, 4, Options{})
	// SP above the parent's stack top: the snapshot is corrupt.
	vctx := &arch.VforkContext{SP: uint32(parent.StackTop()) + 8, LR: 0x8061}

	defer func() {
		if recover() == nil {
			t.Errorf("Vfork with corrupt captured context did not panic")
		}
	}()
	k.Vfork(context.Background(), parent, vctx)
}

func TestVforkMetrics(t *testing.T) {
	m := metric.New()
	k, parent := newTestKernel(t, 1, Options{Metrics: m})
	vctx := pushParentStack(t, k, parent, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	// The parent stack fills the window, so this fails at stack
	// allocation.
	if _, err := k.Vfork(context.Background(), parent, vctx); err != kernelerr.ENOMEM {
		t.Fatalf("Vfork: got %v, want ENOMEM", err)
	}

	snap, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := snap["nanovisor_vfork_total"]; got != 1 {
		t.Errorf("vfork_total: got %v, want 1", got)
	}
	if got := snap["nanovisor_vfork_error_total"]; got != 1 {
		t.Errorf("vfork_error_total: got %v, want 1", got)
	}
	if got := snap["nanovisor_stack_bytes"]; got != testStackSize {
		t.Errorf("stack_bytes: got %v, want %v (parent only)", got, testStackSize)
	}
	if got := snap["nanovisor_stack_regions"]; got != 1 {
		t.Errorf("stack_regions: got %v, want 1", got)
	}
}

func TestVforkChildExit(t *testing.T) {
	m := metric.New()
	k, parent := newTestKernel(t, 4, Options{Metrics: m})
	vctx := pushParentStack(t, k, parent, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	tid, err := k.Vfork(context.Background(), parent, vctx)
	if err != nil {
		t.Fatalf("Vfork: %v", err)
	}
	child := k.TaskWithID(tid)
	freeBefore := k.StackBytesFree()
	if err := child.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if k.TaskWithID(tid) != nil {
		t.Errorf("exited child still registered")
	}
	if k.isRunnable(child) {
		t.Errorf("exited child still runnable")
	}
	if got, want := k.StackBytesFree(), freeBefore+testStackSize; got != want {
		t.Errorf("free stack bytes after exit: got %#x, want %#x", got, want)
	}

	// A second exit fails rather than double-releasing.
	if err := child.Exit(); err != kernelerr.ESRCH {
		t.Errorf("second Exit: got %v, want ESRCH", err)
	}
}
