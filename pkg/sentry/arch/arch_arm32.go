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

import "fmt"

// Saved register indexes. The numbering matches the architectural
// register numbers, with the status register appended after the PC.
const (
	RegR0 = iota
	RegR1
	RegR2
	RegR3
	RegR4
	RegR5
	RegR6
	RegR7
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegSP
	RegLR
	RegPC
	RegCPSR

	// RegisterCount is the number of saved register slots.
	RegisterCount
)

// RegFP is the frame pointer, r11 in the ARM procedure call standard.
const RegFP = RegR11

// regNames maps register indexes to their conventional names.
var regNames = [RegisterCount]string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "fp", "r12", "sp", "lr", "pc",
	"cpsr",
}

// thumbMask clears the Thumb mode bit that a BX-style return address
// carries in bit 0. The bit selects the instruction set on resume; it is
// not part of the instruction address.
const thumbMask = ^uint32(1)

// Registers is the saved register file of a task. Slots are addressed by
// the Reg* indexes above and accessed through Get and Set so that a bad
// index faults loudly at the access site.
type Registers [RegisterCount]uint32

// Get returns the value of register r.
func (regs *Registers) Get(r int) uint32 {
	if r < 0 || r >= RegisterCount {
		panic(fmt.Sprintf("invalid register index %d", r))
	}
	return regs[r]
}

// Set sets register r to value v.
func (regs *Registers) Set(r int, v uint32) {
	if r < 0 || r >= RegisterCount {
		panic(fmt.Sprintf("invalid register index %d", r))
	}
	regs[r] = v
}

// SP returns the saved stack pointer.
func (regs *Registers) SP() uint32 { return regs[RegSP] }

// FP returns the saved frame pointer.
func (regs *Registers) FP() uint32 { return regs[RegFP] }

// PC returns the saved program counter.
func (regs *Registers) PC() uint32 { return regs[RegPC] }
