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

// Nested kernel-entry bookkeeping for the ARM target. The set of fields
// copied per record is fixed per target: a port to another architecture
// must supply its own variant of this file, including copySyscallFrame,
// or the package does not build. That keeps the copy rule total instead
// of silently dropping record fields on an unported target.

package arch

import (
	"fmt"

	"nanovisor.dev/nanovisor/pkg/errors/kernelerr"
)

// MaxSyscallDepth is the maximum number of nested kernel entries a task
// can have pending.
const MaxSyscallDepth = 8

// SyscallFrame records what is needed to return through one nested
// kernel entry.
type SyscallFrame struct {
	// Return is the address at which execution continues once the
	// nested entry unwinds.
	Return uint32

	// CPSR is the program status word to restore on return.
	CPSR uint32
}

// copySyscallFrame duplicates one nested return record, field for field.
func copySyscallFrame(dst, src *SyscallFrame) {
	dst.Return = src.Return
	dst.CPSR = src.CPSR
}

// SyscallDepth returns the number of pending nested kernel entries.
func (s *State) SyscallDepth() int {
	return s.nsyscalls
}

// SyscallFrames returns a copy of the pending nested return records,
// innermost last.
func (s *State) SyscallFrames() []SyscallFrame {
	out := make([]SyscallFrame, s.nsyscalls)
	for i := range out {
		copySyscallFrame(&out[i], &s.syscallFrames[i])
	}
	return out
}

// PushSyscallFrame records one nested kernel entry. It fails with ENOMEM
// when the task already has MaxSyscallDepth entries pending.
func (s *State) PushSyscallFrame(f SyscallFrame) error {
	if s.nsyscalls >= MaxSyscallDepth {
		return kernelerr.ENOMEM
	}
	copySyscallFrame(&s.syscallFrames[s.nsyscalls], &f)
	s.nsyscalls++
	return nil
}

// PopSyscallFrame removes and returns the innermost pending nested
// return record. It panics if none are pending, which indicates
// corrupted kernel-entry bookkeeping.
func (s *State) PopSyscallFrame() SyscallFrame {
	if s.nsyscalls == 0 {
		panic("PopSyscallFrame with no pending kernel entries")
	}
	s.nsyscalls--
	return s.syscallFrames[s.nsyscalls]
}

// ReplicateSyscallFrames copies every pending nested return record from
// parent into s, leaving s with exactly the parent's pending count. A
// parent with no pending entries leaves s untouched.
func (s *State) ReplicateSyscallFrames(parent *State) {
	if parent.nsyscalls > MaxSyscallDepth {
		panic(fmt.Sprintf("parent has %d pending kernel entries, limit %d", parent.nsyscalls, MaxSyscallDepth))
	}
	for i := 0; i < parent.nsyscalls; i++ {
		copySyscallFrame(&s.syscallFrames[i], &parent.syscallFrames[i])
	}
	s.nsyscalls = parent.nsyscalls
}
