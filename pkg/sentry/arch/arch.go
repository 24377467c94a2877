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

// Package arch provides abstractions around architecture-dependent
// details, such as saved register state and stack conventions.
//
// The kernel emulates a single architecture, a 32-bit ARM with a
// full-descending stack. The captured-context record format and the
// register numbering are architecture-specific by design; nothing in
// this package is portable to another target.
package arch

import (
	"fmt"

	"nanovisor.dev/nanovisor/pkg/hostarch"
)

// Arch describes an architecture.
type Arch int

const (
	// ARM is the 32-bit ARM architecture.
	ARM Arch = iota
)

// String implements fmt.Stringer.
func (a Arch) String() string {
	switch a {
	case ARM:
		return "arm"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// State contains the saved execution context of one task: the register
// file and any pending nested kernel-entry return records. A zero State
// is valid and represents a task that has never run.
type State struct {
	// Regs is the saved register file.
	Regs Registers

	// syscallFrames[:nsyscalls] are the pending nested kernel-entry
	// return records, innermost last.
	syscallFrames [MaxSyscallDepth]SyscallFrame
	nsyscalls     int
}

// InitRegs seeds the register file for a newly created task: every
// register is zero except the program counter.
func (s *State) InitRegs(entry hostarch.Addr) {
	s.Regs = Registers{}
	s.Regs.Set(RegPC, uint32(entry))
}

// Fork returns an identical copy of the state.
func (s *State) Fork() State {
	return *s
}

// RegisterMap returns a map of all registers, for diagnostics.
func (s *State) RegisterMap() map[string]uint32 {
	m := make(map[string]uint32, RegisterCount)
	for r := 0; r < RegisterCount; r++ {
		m[regNames[r]] = s.Regs.Get(r)
	}
	return m
}
