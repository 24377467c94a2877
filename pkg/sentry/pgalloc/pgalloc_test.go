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

package pgalloc

import (
	"testing"

	"nanovisor.dev/nanovisor/pkg/errors/kernelerr"
	"nanovisor.dev/nanovisor/pkg/hostarch"
)

const page = hostarch.PageSize

func window(t *testing.T, pages uint32) *Allocator {
	t.Helper()
	return New(hostarch.AddrRange{Start: 0x10000, End: 0x10000 + hostarch.Addr(pages*page)})
}

func TestAllocateRoundsToPages(t *testing.T) {
	a := window(t, 4)
	r, err := a.Allocate(1, User)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := r.Length(); got != page {
		t.Errorf("allocation length: got %#x, want %#x", got, page)
	}
	if r.Start.RoundDown() != r.Start {
		t.Errorf("allocation %v not page-aligned", r)
	}
}

func TestAllocateKindsSplitWindow(t *testing.T) {
	a := window(t, 4)
	user, err := a.Allocate(page, User)
	if err != nil {
		t.Fatalf("Allocate(User): %v", err)
	}
	kern, err := a.Allocate(page, Kernel)
	if err != nil {
		t.Fatalf("Allocate(Kernel): %v", err)
	}
	if user.Start != a.Window().Start {
		t.Errorf("user stack %v should start at window start %v", user, a.Window())
	}
	if kern.End != a.Window().End {
		t.Errorf("kernel stack %v should end at window end %v", kern, a.Window())
	}
	if user.Overlaps(kern) {
		t.Errorf("allocations overlap: %v, %v", user, kern)
	}
}

func TestAllocateExhaustion(t *testing.T) {
	a := window(t, 2)
	if _, err := a.Allocate(2*page, User); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := a.Allocate(1, User); err != kernelerr.ENOMEM {
		t.Errorf("Allocate on exhausted window: got %v, want ENOMEM", err)
	}
}

func TestAllocateZeroSize(t *testing.T) {
	a := window(t, 1)
	if _, err := a.Allocate(0, User); err != kernelerr.EINVAL {
		t.Errorf("Allocate(0): got %v, want EINVAL", err)
	}
}

func TestFreeCoalesces(t *testing.T) {
	a := window(t, 3)
	r1, _ := a.Allocate(page, User)
	r2, _ := a.Allocate(page, User)
	r3, _ := a.Allocate(page, User)
	if free := a.TotalFree(); free != 0 {
		t.Fatalf("TotalFree after filling window: got %#x, want 0", free)
	}

	// Free out of order; the window must become one whole range again.
	a.Free(r2)
	a.Free(r1)
	a.Free(r3)
	if free := a.TotalFree(); free != 3*page {
		t.Fatalf("TotalFree after freeing all: got %#x, want %#x", free, 3*page)
	}

	// The whole window is allocatable again in one piece.
	r, err := a.Allocate(3*page, User)
	if err != nil {
		t.Fatalf("Allocate after coalesce: %v", err)
	}
	if r != a.Window() {
		t.Errorf("got %v, want the whole window %v", r, a.Window())
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := window(t, 2)
	r, _ := a.Allocate(page, User)
	a.Free(r)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	a.Free(r)
}

func TestFreeOutsideWindowPanics(t *testing.T) {
	a := window(t, 1)
	defer func() {
		if recover() == nil {
			t.Errorf("free outside window did not panic")
		}
	}()
	a.Free(hostarch.AddrRange{Start: 0, End: page})
}
