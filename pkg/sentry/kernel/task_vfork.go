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
	"time"

	"nanovisor.dev/nanovisor/pkg/cleanup"
	"nanovisor.dev/nanovisor/pkg/context"
	"nanovisor.dev/nanovisor/pkg/errors/kernelerr"
	"nanovisor.dev/nanovisor/pkg/hostarch"
	"nanovisor.dev/nanovisor/pkg/log"
	"nanovisor.dev/nanovisor/pkg/sentry/arch"
	"nanovisor.dev/nanovisor/pkg/usermem"
)

// A workload retrying fork against an exhausted kernel produces a storm
// of identical failures; their warnings are rate limited.
var vforkWarningLog = log.BasicRateLimitedLogger(5 * time.Second)

// Stage labels reported to the metric collector on vfork failure.
const (
	vforkStageSetup    = "setup"
	vforkStageStack    = "stack"
	vforkStageTransfer = "transfer"
	vforkStageStart    = "start"
)

// Vfork completes a vfork on behalf of parent. vctx is the parent's
// execution context captured by the vfork trampoline at the call site.
//
// The child initially shares the parent's address space: it gets its own
// stack, seeded with a copy of the live window of the parent's stack and
// with the stack and frame pointers re-based into the child's region, so
// that the child resumes at the call site exactly as the calling
// convention expects. Values on the copied stack that point into the
// parent's stack remain parent-relative; the child may only exit or
// replace its image, so it never dereferences them.
//
// On success the child is runnable and its ID is returned; the child
// observes a zero in its return-value register. On failure no child
// survives: every resource acquired on the way is released before the
// error is returned. There is no other outcome.
func (k *Kernel) Vfork(ctx context.Context, parent *Task, vctx *arch.VforkContext) (ThreadID, error) {
	k.metrics.NoteVfork()

	if log.Log().IsLogging(log.Debug) {
		log.Debugf("vfork context: %v", vctx)
	}

	// Allocate and initialize a task for the child, resuming at the
	// captured return address.
	child, err := k.NewTask(&TaskConfig{
		Name:       parent.name + "+vfork",
		Parent:     parent,
		Flags:      parent.flags,
		EntryPoint: vctx.EntryPoint(),
	})
	if err != nil {
		vforkWarningLog.Warningf("vfork: task setup failed: %v", err)
		k.metrics.NoteVforkError(vforkStageSetup)
		return 0, err
	}

	// From here on the child must be released on every failure path,
	// until Start takes over ownership.
	var vforkErr error
	cu := cleanup.Make(func() {
		k.releaseTask(child, vforkErr)
	})
	defer cu.Clean()

	if log.Log().IsLogging(log.Debug) {
		log.Debugf("vfork tasks: parent=%v child=%v", parent, child)
	}

	// The child's stack is sized to the parent's, rounded up to the
	// stack alignment granularity so it is never smaller than what the
	// parent actually had.
	effSize, ok := hostarch.Addr(parent.adjStackSize).StackRoundUp()
	if !ok {
		k.metrics.NoteVforkError(vforkStageStack)
		vforkErr = kernelerr.ENOMEM
		return 0, vforkErr
	}
	stackSize := uint32(effSize)

	// Allocate the child's stack under the parent's classification, so
	// the same allocation policy applies.
	if err := k.allocateStack(child, stackSize, parent.flags&TaskTypeMask); err != nil {
		vforkWarningLog.Warningf("vfork: stack allocation failed: %v", err)
		k.metrics.NoteVforkError(vforkStageStack)
		vforkErr = err
		return 0, vforkErr
	}

	// How much of the parent's stack is live? The stack is
	// full-descending, so this is the gap between the adjusted stack
	// top and the captured stack pointer. A captured stack pointer
	// above the top panics inside StackUtilization: that means the
	// snapshot is corrupt and nothing recoverable remains.
	stackUtil := vctx.StackUtilization(parent.adjStackTop)

	if log.Log().IsLogging(log.Debug) {
		log.Debugf("vfork parent: stacksize:%#x stackutil:%#x", stackSize, stackUtil)
	}

	// The live window must fit both stacks, and the computed child
	// stack pointer must land inside the child's region.
	newSP := child.adjStackTop - hostarch.Addr(stackUtil)
	if stackUtil > parent.adjStackSize || stackUtil > child.adjStackSize || !child.stack.Contains(newSP) {
		log.Warningf("vfork: live stack window %#x exceeds stack bounds", stackUtil)
		k.metrics.NoteVforkError(vforkStageTransfer)
		vforkErr = kernelerr.EFAULT
		return 0, vforkErr
	}

	// Preserve the stack contents. This is best effort: any pointers
	// into the parent's stack stay parent-relative, which is why the
	// child is restricted to exit-or-exec.
	if stackUtil > 0 {
		if _, err := usermem.CopyWithin(ctx, k.mem, newSP, hostarch.Addr(vctx.SP), stackUtil); err != nil {
			log.Warningf("vfork: stack copy failed: %v", err)
			k.metrics.NoteVforkError(vforkStageTransfer)
			vforkErr = kernelerr.EFAULT
			return 0, vforkErr
		}
	}

	// Carry the frame pointer over, re-based if it pointed into the
	// parent's stack window.
	newFP := arch.RebaseFramePointer(vctx.FP, parent.adjStackTop, stackSize, child.adjStackTop)

	if log.Log().IsLogging(log.Debug) {
		log.Debugf("vfork parent: top:%#x sp:%#x fp:%#x", parent.adjStackTop, vctx.SP, vctx.FP)
		log.Debugf("vfork child:  top:%#x sp:%#x fp:%#x", child.adjStackTop, newSP, newFP)
	}

	// Write the captured callee-saved registers and the re-based
	// pointers into the child. R0 reads as zero when the child resumes.
	child.arch.SetVforkChildRegs(vctx, newSP, hostarch.Addr(newFP))

	// If the parent sits inside nested kernel entries, the child must
	// be able to unwind through the same number of pending entries.
	child.arch.ReplicateSyscallFrames(&parent.arch)

	// Finally, hand the child to the scheduler. Start discards the
	// child itself on failure, so the guard releases its duty here
	// either way.
	cu.Release()
	if err := child.Start(); err != nil {
		log.Warningf("vfork: start failed: %v", err)
		k.metrics.NoteVforkError(vforkStageStart)
		return 0, err
	}
	return child.tid, nil
}
