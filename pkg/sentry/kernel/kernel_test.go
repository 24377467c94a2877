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
	"testing"

	"nanovisor.dev/nanovisor/pkg/errors/kernelerr"
	"nanovisor.dev/nanovisor/pkg/hostarch"
)

func TestNewRejectsBadMemorySize(t *testing.T) {
	for _, size := range []uint32{0, hostarch.PageSize - 1, hostarch.PageSize + 1, hostarch.PageSize} {
		if k, err := New(Options{MemorySize: size}); err == nil {
			k.Release()
			t.Errorf("New with memory size %#x succeeded, want error", size)
		}
	}
}

func TestCreateTask(t *testing.T) {
	k, err := New(Options{MemorySize: 4 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Release()

	task, err := k.CreateTask(&TaskConfig{Name: "init", EntryPoint: 0x8001}, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if got, want := task.TID(), ThreadID(InitTID); got != want {
		t.Errorf("first TID: got %d, want %d", got, want)
	}
	if got, want := task.Arch().Regs.PC(), uint32(0x8001); got != want {
		t.Errorf("PC: got %#x, want %#x", got, want)
	}
	if got, want := task.Arch().Regs.SP(), uint32(task.StackTop()); got != want {
		t.Errorf("SP: got %#x, want %#x", got, want)
	}
	if !k.isRunnable(task) {
		t.Errorf("created task is not runnable")
	}
	if got, want := k.RunnableCount(), 1; got != want {
		t.Errorf("runnable count: got %d, want %d", got, want)
	}
}

func TestCreateTaskStackExhaustion(t *testing.T) {
	k, err := New(Options{MemorySize: 2 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Release()

	if _, err := k.CreateTask(&TaskConfig{Name: "a"}, hostarch.PageSize); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := k.CreateTask(&TaskConfig{Name: "b"}, hostarch.PageSize); err != kernelerr.ENOMEM {
		t.Fatalf("CreateTask with exhausted stack window: got %v, want ENOMEM", err)
	}
	// The failed task must not linger.
	if got, want := k.TaskCount(), 1; got != want {
		t.Errorf("task count: got %d, want %d", got, want)
	}
}

func TestKernelStackAllocatedFromTop(t *testing.T) {
	k, err := New(Options{MemorySize: 5 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Release()

	user, err := k.CreateTask(&TaskConfig{Name: "user", Flags: TaskTypeUser}, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateTask(user): %v", err)
	}
	kern, err := k.CreateTask(&TaskConfig{Name: "kworker", Flags: TaskTypeKernel}, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateTask(kernel): %v", err)
	}
	if got, want := user.StackRange(), (hostarch.AddrRange{Start: 0x1000, End: 0x2000}); got != want {
		t.Errorf("user stack: got %v, want %v", got, want)
	}
	if got, want := kern.StackRange(), (hostarch.AddrRange{Start: 0x4000, End: 0x5000}); got != want {
		t.Errorf("kernel stack: got %v, want %v", got, want)
	}
}

func TestMaxTasks(t *testing.T) {
	k, err := New(Options{MemorySize: 8 * hostarch.PageSize, MaxTasks: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Release()

	a, err := k.CreateTask(&TaskConfig{Name: "a"}, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateTask(a): %v", err)
	}
	if _, err := k.CreateTask(&TaskConfig{Name: "b"}, hostarch.PageSize); err != nil {
		t.Fatalf("CreateTask(b): %v", err)
	}
	if _, err := k.CreateTask(&TaskConfig{Name: "c"}, hostarch.PageSize); err != kernelerr.EAGAIN {
		t.Fatalf("CreateTask over the task limit: got %v, want EAGAIN", err)
	}

	// Exiting a task frees its slot.
	if err := a.Exit(); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	c, err := k.CreateTask(&TaskConfig{Name: "c"}, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateTask(c) after exit: %v", err)
	}
	if c.TID() == 0 {
		t.Errorf("reused slot got zero TID")
	}
}

func TestShutdownRejectsNewTasks(t *testing.T) {
	k, err := New(Options{MemorySize: 4 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Release()

	existing, err := k.CreateTask(&TaskConfig{Name: "existing"}, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	k.Shutdown()
	if _, err := k.CreateTask(&TaskConfig{Name: "late"}, hostarch.PageSize); err != kernelerr.EAGAIN {
		t.Fatalf("CreateTask after shutdown: got %v, want EAGAIN", err)
	}
	if !k.isRunnable(existing) {
		t.Errorf("shutdown disturbed an existing runnable task")
	}
}

func TestTaskString(t *testing.T) {
	k, err := New(Options{MemorySize: 4 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Release()

	task, err := k.CreateTask(&TaskConfig{Name: "init"}, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if got, want := task.String(), "init(1)"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}

func TestRegisterMapNames(t *testing.T) {
	k, err := New(Options{MemorySize: 4 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer k.Release()

	task, err := k.CreateTask(&TaskConfig{Name: "init", EntryPoint: 0x8000}, hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	m := task.Arch().RegisterMap()
	if got, want := m["pc"], uint32(0x8000); got != want {
		t.Errorf(`RegisterMap["pc"]: got %#x, want %#x`, got, want)
	}
	if got, want := m["sp"], uint32(task.StackTop()); got != want {
		t.Errorf(`RegisterMap["sp"]: got %#x, want %#x`, got, want)
	}
}
