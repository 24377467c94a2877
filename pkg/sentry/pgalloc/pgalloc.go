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

// Package pgalloc hands out page-granular ranges of guest memory for
// task stacks.
package pgalloc

import (
	"fmt"
	"sync"

	"nanovisor.dev/nanovisor/pkg/errors/kernelerr"
	"nanovisor.dev/nanovisor/pkg/hostarch"
)

// Kind classifies an allocation by the type of task it backs. Kernel
// task stacks are carved from the top of the window and user task stacks
// from the bottom, so that the two populations fragment independently.
type Kind int

const (
	// User is a stack for a user task.
	User Kind = iota

	// Kernel is a stack for a kernel task.
	Kernel
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case User:
		return "user"
	case Kernel:
		return "kernel"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Allocator hands out page-aligned, non-overlapping ranges from a fixed
// window of guest memory. The zero Allocator is not usable; call New.
type Allocator struct {
	mu sync.Mutex

	// window is the range this allocator manages.
	window hostarch.AddrRange

	// free holds the unallocated subranges of window, sorted by Start
	// and coalesced. All bounds are page-aligned.
	//
	// +checklocks:mu
	free []hostarch.AddrRange
}

// New returns an Allocator managing the given window, which must be
// non-empty and page-aligned.
func New(window hostarch.AddrRange) *Allocator {
	if !window.WellFormed() || window.Length() == 0 ||
		window.Start.RoundDown() != window.Start || window.End.RoundDown() != window.End {
		panic(fmt.Sprintf("invalid allocation window %v", window))
	}
	return &Allocator{
		window: window,
		free:   []hostarch.AddrRange{window},
	}
}

// Window returns the range this allocator manages.
func (a *Allocator) Window() hostarch.AddrRange {
	return a.window
}

// Allocate returns an unused range of at least size bytes, rounded up to
// whole pages. It fails with ENOMEM when no free range is large enough.
func (a *Allocator) Allocate(size uint32, kind Kind) (hostarch.AddrRange, error) {
	if size == 0 {
		return hostarch.AddrRange{}, kernelerr.EINVAL
	}
	aligned, ok := hostarch.Addr(size).RoundUp()
	if !ok {
		return hostarch.AddrRange{}, kernelerr.ENOMEM
	}
	size = uint32(aligned)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch kind {
	case Kernel:
		// Last fit, carving from the end.
		for i := len(a.free) - 1; i >= 0; i-- {
			if a.free[i].Length() >= size {
				r := hostarch.AddrRange{Start: a.free[i].End - hostarch.Addr(size), End: a.free[i].End}
				a.free[i].End = r.Start
				if a.free[i].Length() == 0 {
					a.free = append(a.free[:i], a.free[i+1:]...)
				}
				return r, nil
			}
		}
	default:
		// First fit, carving from the start.
		for i := range a.free {
			if a.free[i].Length() >= size {
				r := hostarch.AddrRange{Start: a.free[i].Start, End: a.free[i].Start + hostarch.Addr(size)}
				a.free[i].Start = r.End
				if a.free[i].Length() == 0 {
					a.free = append(a.free[:i], a.free[i+1:]...)
				}
				return r, nil
			}
		}
	}
	return hostarch.AddrRange{}, kernelerr.ENOMEM
}

// Free returns r to the allocator. r must be a range previously returned
// by Allocate and not yet freed; freeing anything else panics, since it
// means the caller's stack bookkeeping is corrupt.
func (a *Allocator) Free(r hostarch.AddrRange) {
	if !r.WellFormed() || r.Length() == 0 || !a.window.IsSupersetOf(r) {
		panic(fmt.Sprintf("Free of invalid range %v (window %v)", r, a.window))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Find the insertion point.
	i := 0
	for i < len(a.free) && a.free[i].Start < r.Start {
		i++
	}
	if (i > 0 && a.free[i-1].Overlaps(r)) || (i < len(a.free) && a.free[i].Overlaps(r)) {
		panic(fmt.Sprintf("double free of range %v", r))
	}

	a.free = append(a.free, hostarch.AddrRange{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = r

	// Coalesce with neighbors.
	if i+1 < len(a.free) && a.free[i].End == a.free[i+1].Start {
		a.free[i].End = a.free[i+1].End
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].End == a.free[i].Start {
		a.free[i-1].End = a.free[i].End
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// TotalFree returns the number of free bytes remaining.
func (a *Allocator) TotalFree() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint32
	for _, r := range a.free {
		total += r.Length()
	}
	return total
}
