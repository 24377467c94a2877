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

package arch

import (
	"fmt"

	"nanovisor.dev/nanovisor/pkg/hostarch"
)

// VforkContext is the parent's execution context captured by the vfork
// trampoline at the call site: the callee-saved registers, the frame
// pointer, the stack pointer, and the return address, all as of the
// instant of the call, before any further stack use. It is a single
// coherent snapshot and is never mutated after capture.
type VforkContext struct {
	R4  uint32
	R5  uint32
	R6  uint32
	R7  uint32
	R8  uint32
	R9  uint32
	R10 uint32

	// FP is the captured frame pointer (r11). It may or may not point
	// into the parent's stack; see RebaseFramePointer.
	FP uint32

	// SP is the captured stack pointer.
	SP uint32

	// LR is the captured return address, including the Thumb mode bit
	// when the caller runs in Thumb state.
	LR uint32
}

// String implements fmt.Stringer.
func (c *VforkContext) String() string {
	return fmt.Sprintf("r4:%08x r5:%08x r6:%08x r7:%08x r8:%08x r9:%08x r10:%08x fp:%08x sp:%08x lr:%08x",
		c.R4, c.R5, c.R6, c.R7, c.R8, c.R9, c.R10, c.FP, c.SP, c.LR)
}

// EntryPoint returns the address at which the child resumes: the
// captured return address with the Thumb mode bit masked off.
func (c *VforkContext) EntryPoint() hostarch.Addr {
	return hostarch.Addr(c.LR & thumbMask)
}

// StackUtilization returns the number of parent stack bytes live at the
// capture point. The stack is full-descending, so the captured stack
// pointer lies at or below the adjusted stack top; a stack pointer above
// the top means the captured context is corrupt, and copying from it
// would seed a live task with garbage, so that case panics rather than
// returning an error.
func (c *VforkContext) StackUtilization(parentStackTop hostarch.Addr) uint32 {
	if hostarch.Addr(c.SP) > parentStackTop {
		panic(fmt.Sprintf("captured stack pointer %#x above parent stack top %#x", c.SP, parentStackTop))
	}
	return uint32(parentStackTop - hostarch.Addr(c.SP))
}

// RebaseFramePointer translates the captured frame pointer into the
// child's stack region. A frame pointer within the parent's stack window
// [parentStackTop-stackSize, parentStackTop] keeps its offset from the
// stack top. Any other value does not refer to stack-relative data (the
// frame pointer may be omitted or repurposed by the caller's code
// generation) and is preserved unchanged.
func RebaseFramePointer(capturedFP uint32, parentStackTop hostarch.Addr, stackSize uint32, childStackTop hostarch.Addr) uint32 {
	windowLow := hostarch.Addr(0)
	if uint32(parentStackTop) >= stackSize {
		windowLow = parentStackTop - hostarch.Addr(stackSize)
	}
	fp := hostarch.Addr(capturedFP)
	if fp <= parentStackTop && fp >= windowLow {
		frameUtil := uint32(parentStackTop - fp)
		return uint32(childStackTop) - frameUtil
	}
	return capturedFP
}

// SetVforkChildRegs writes the captured callee-saved registers and the
// re-based stack and frame pointers into the child's register file. The
// remaining slots keep whatever generic task setup put there. R0 is
// cleared so that the shared resume path reads a zero vfork return
// value, the child's cue that it is the child.
func (s *State) SetVforkChildRegs(c *VforkContext, newSP, newFP hostarch.Addr) {
	s.Regs.Set(RegR0, 0)
	s.Regs.Set(RegR4, c.R4)
	s.Regs.Set(RegR5, c.R5)
	s.Regs.Set(RegR6, c.R6)
	s.Regs.Set(RegR7, c.R7)
	s.Regs.Set(RegR8, c.R8)
	s.Regs.Set(RegR9, c.R9)
	s.Regs.Set(RegR10, c.R10)
	s.Regs.Set(RegFP, uint32(newFP))
	s.Regs.Set(RegSP, uint32(newSP))
}
